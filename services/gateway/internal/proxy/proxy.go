// Package proxy forwards authorized requests to backend services.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

// Config holds proxy configuration.
type Config struct {
	Transport     http.RoundTripper
	FlushInterval time.Duration
	BufferPool    httputil.BufferPool
	// MaxRetries is the number of extra attempts for idempotent requests.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles after.
	RetryBackoff time.Duration
	// TrustXForwarded keeps incoming X-Forwarded-* headers.
	TrustXForwarded bool
	// OnUpstreamFailure is called when an attempt fails to get a response.
	OnUpstreamFailure func(service string, err error)
	Logger            *logger.Logger
	Metrics           *metrics.Metrics
}

// Forwarder relays requests to backends with per-attempt timeouts and
// bounded retries.
type Forwarder struct {
	transport       http.RoundTripper
	flushInterval   time.Duration
	bufferPool      httputil.BufferPool
	maxRetries      int
	retryBackoff    time.Duration
	trustXForwarded bool
	onFailure       func(string, error)
	credentials     *credentialCache
	log             *logger.Logger
	metrics         *metrics.Metrics
}

// New creates a Forwarder.
func New(cfg Config) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(nil)
	}
	bufferPool := cfg.BufferPool
	if bufferPool == nil {
		bufferPool = newBufferPool(32 << 10)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Forwarder{
		transport:       transport,
		flushInterval:   cfg.FlushInterval,
		bufferPool:      bufferPool,
		maxRetries:      cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
		trustXForwarded: cfg.TrustXForwarded,
		onFailure:       cfg.OnUpstreamFailure,
		credentials:     newCredentialCache(&http.Client{Transport: transport}),
		log:             cfg.Logger.WithComponent("proxy"),
		metrics:         cfg.Metrics,
	}
}

// Request describes one call to forward.
type Request struct {
	Service *config.ServiceDescriptor
	// Path is the path below the service prefix, starting with "/".
	Path string
	// Principal is nil on public routes.
	Principal *auth.Principal
	// Start is when the gateway received the request.
	Start time.Time
}

// Result describes a relayed response.
type Result struct {
	Status   int
	Attempts int
	Bytes    int64
}

// call carries the state of one Forward between the reverse proxy hooks.
type call struct {
	attempts int
	status   int
	err      error
}

// Forward sends r to the backend and relays the response to w. When an
// error is returned nothing has been written to w; BACKEND_TIMEOUT and
// BACKEND_UNREACHABLE describe the last failed attempt.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, req Request) (Result, error) {
	svc := req.Service
	target := targetURL(svc.BaseURL, req.Path, r.URL.RawQuery)

	token, err := f.credentials.token(r.Context(), svc)
	if err != nil {
		return Result{}, gwerrors.BackendUnreachable(
			fmt.Sprintf("could not obtain credentials for %s", svc.Name), err)
	}

	attempts := 1
	if retryable(r) {
		attempts += f.maxRetries
	}

	c := &call{}
	rp := &httputil.ReverseProxy{
		Director: f.director(req, target, token),
		Transport: &retryTransport{
			base:      f.transport,
			service:   svc,
			attempts:  attempts,
			backoff:   f.retryBackoff,
			call:      c,
			onFailure: f.onFailure,
			log:       f.log,
			metrics:   f.metrics,
		},
		FlushInterval: f.flushInterval,
		BufferPool:    f.bufferPool,
		ModifyResponse: func(resp *http.Response) error {
			c.status = resp.StatusCode
			resp.Header.Set("X-Gateway-Service", svc.Name)
			if !req.Start.IsZero() {
				resp.Header.Set("X-Gateway-Processing-Time", time.Since(req.Start).String())
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			c.err = upstreamError(svc, err)
		},
		ErrorLog: slog.NewLogLogger(f.log.Handler(), slog.LevelWarn),
	}

	cw := &countingWriter{ResponseWriter: w}
	rp.ServeHTTP(cw, r)

	result := Result{Status: c.status, Attempts: c.attempts, Bytes: cw.n}
	if c.err != nil {
		return result, c.err
	}
	return result, nil
}

// director rewrites the outbound request for the backend.
func (f *Forwarder) director(req Request, target *url.URL, token string) func(*http.Request) {
	return func(out *http.Request) {
		inboundHost := out.Host

		u := *target
		out.URL = &u
		out.Host = target.Host

		// Without trust the reverse proxy sets X-Forwarded-For to the
		// connection address alone; with it the address is appended.
		if !f.trustXForwarded {
			out.Header.Del("X-Forwarded-For")
			out.Header.Del("X-Forwarded-Proto")
			out.Header.Del("X-Forwarded-Host")
		}
		if out.TLS != nil {
			out.Header.Set("X-Forwarded-Proto", "https")
		} else if out.Header.Get("X-Forwarded-Proto") == "" {
			out.Header.Set("X-Forwarded-Proto", "http")
		}
		if out.Header.Get("X-Forwarded-Host") == "" {
			out.Header.Set("X-Forwarded-Host", inboundHost)
		}

		out.Header.Del("X-User-ID")
		out.Header.Del("X-User-Role")
		if p := req.Principal; p != nil {
			out.Header.Set("X-User-ID", p.Username)
			out.Header.Set("X-User-Role", p.Role)
		}
		if id := logger.RequestID(out.Context()); id != "" {
			out.Header.Set("X-Request-ID", id)
		}
		if token != "" {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// upstreamError maps a failed round trip to a gateway error. Attempt
// failures are already classified; anything else means the caller went
// away or the request could not be sent.
func upstreamError(svc *config.ServiceDescriptor, err error) error {
	var gwErr *gwerrors.Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return gwerrors.BackendUnreachable(fmt.Sprintf("backend %s is unreachable", svc.Name), err)
}

// retryable reports whether r may be sent more than once: GET and HEAD
// without a body.
func retryable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return r.ContentLength == 0
}

func targetURL(base *url.URL, path, rawQuery string) *url.URL {
	u := *base
	if path != "" && path != "/" {
		u.Path = singleJoiningSlash(base.Path, path)
	} else if u.Path == "" {
		u.Path = "/"
	}
	u.RawPath = ""
	switch {
	case base.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = base.RawQuery + "&" + rawQuery
	}
	return &u
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// countingWriter counts the body bytes relayed to the client.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// bufferPool reuses copy buffers across responses.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{pool: sync.Pool{New: func() any {
		b := make([]byte, size)
		return &b
	}}}
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
