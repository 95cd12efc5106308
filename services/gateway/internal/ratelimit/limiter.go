// Package ratelimit provides the fixed-window request limiter applied to
// proxied routes and the token-bucket throttle applied to logins.
package ratelimit

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
)

const shardCount = 64

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the time left in the current window when denied.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// SetHeaders writes the X-RateLimit-* headers, and Retry-After on denial.
func (d Decision) SetHeaders(h http.Header) {
	if d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

type counterKey struct {
	key   string
	route string
}

type counter struct {
	start  time.Time
	window time.Duration
	count  int
}

type shard struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
}

// Limiter counts requests per (key, route) in fixed windows aligned to
// multiples of the window length. Counters are spread over shards so
// unrelated keys do not share a lock.
type Limiter struct {
	shards [shardCount]shard
	now    func() time.Time
}

// New creates a Limiter.
func New() *Limiter {
	l := &Limiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].counters = make(map[counterKey]*counter)
	}
	return l
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) shardFor(k counterKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.key))
	h.Write([]byte{0})
	h.Write([]byte(k.route))
	return &l.shards[h.Sum32()%shardCount]
}

// Allow counts one request from key on route against limit. A zero limit
// never rejects.
func (l *Limiter) Allow(key, route string, limit config.RateLimit) Decision {
	if limit.IsZero() {
		return Decision{Allowed: true}
	}

	now := l.now()
	start := now.Truncate(limit.Window)
	reset := start.Add(limit.Window)

	k := counterKey{key: key, route: route}
	s := l.shardFor(k)

	s.mu.Lock()
	c, ok := s.counters[k]
	if !ok {
		c = &counter{}
		s.counters[k] = c
	}
	if !c.start.Equal(start) || c.window != limit.Window {
		c.start, c.window, c.count = start, limit.Window, 0
	}
	allowed := c.count < limit.Requests
	if allowed {
		c.count++
	}
	count := c.count
	s.mu.Unlock()

	d := Decision{
		Allowed:   allowed,
		Limit:     limit.Requests,
		Remaining: max(limit.Requests-count, 0),
		ResetAt:   reset,
	}
	if !allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

// Sweep drops counters whose window has ended and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, c := range s.counters {
			if !now.Before(c.start.Add(c.window)) {
				delete(s.counters, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live counters.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}
