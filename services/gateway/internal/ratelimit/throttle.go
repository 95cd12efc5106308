package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

// Throttle is a per-client token bucket used in front of the login endpoint.
type Throttle struct {
	mu         sync.Mutex
	limiters   map[string]*clientLimiter
	rate       rate.Limit
	burst      int
	retryAfter int
	idle       time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	trusted    bool
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perMinute attempts per client with the given burst.
func NewThrottle(perMinute, burst int) *Throttle {
	perMinute = max(perMinute, 1)
	return &Throttle{
		limiters:   make(map[string]*clientLimiter),
		rate:       rate.Limit(float64(perMinute) / 60),
		burst:      max(burst, 1),
		retryAfter: (60 + perMinute - 1) / perMinute,
		idle:       3 * time.Minute,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (t *Throttle) SetClock(now func() time.Time) {
	t.now = now
}

// SetMetrics sets the metrics instance for recording rejections.
func (t *Throttle) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// TrustForwarded keys clients by the forwarding headers a fronting proxy
// sets instead of the connection address.
func (t *Throttle) TrustForwarded(trusted bool) {
	t.trusted = trusted
}

// Allow reports whether key may make another attempt now.
func (t *Throttle) Allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[key] = cl
	}
	cl.lastSeen = now
	t.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Sweep removes clients idle for longer than the idle period.
func (t *Throttle) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, cl := range t.limiters {
		if now.Sub(cl.lastSeen) > t.idle {
			delete(t.limiters, key)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests from clients over their budget with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(ClientIP(r, t.trusted)) {
			if t.metrics != nil {
				t.metrics.RecordRateLimitRejection(r.URL.Path)
			}
			w.Header().Set("Retry-After", strconv.Itoa(t.retryAfter))
			gwerrors.WriteHTTP(w, gwerrors.RateLimited("too many login attempts"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller address used as a rate-limit key: the host
// part of RemoteAddr. When the gateway sits behind a trusted proxy,
// trustForwarded selects the last X-Forwarded-For entry, the one the proxy
// appended, then X-Real-IP. Client-supplied values earlier in the chain
// are never used.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			entries := strings.Split(xff[len(xff)-1], ",")
			if ip := strings.TrimSpace(entries[len(entries)-1]); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
