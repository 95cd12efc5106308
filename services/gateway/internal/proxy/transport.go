package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
	"github.com/carlossalguero/casgate/services/shared/tracing"
)

// NewTransport returns the transport used for backend calls and health
// polls. tlsConfig may be nil.
func NewTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// retryTransport wraps the base transport with the per-service timeout,
// retries with exponential backoff, and per-attempt metrics and spans.
type retryTransport struct {
	base      http.RoundTripper
	service   *config.ServiceDescriptor
	attempts  int
	backoff   time.Duration
	call      *call
	onFailure func(string, error)
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(req.Context(), t.backoff<<(attempt-1)); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				break
			}
		}
		t.call.attempts = attempt + 1

		resp, err := t.attempt(req)
		if err != nil {
			lastErr = err
			t.log.WarnContext(req.Context(), "upstream attempt failed",
				"upstream", t.service.Name, "attempt", attempt+1, "error", err)
			if t.onFailure != nil && req.Context().Err() == nil {
				t.onFailure(t.service.Name, err)
			}
			continue
		}

		if attempt < t.attempts-1 && retryableStatus(resp.StatusCode) {
			drain(resp.Body)
			t.log.WarnContext(req.Context(), "retrying upstream status",
				"upstream", t.service.Name, "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// attempt makes one call under the service timeout. The timeout also
// covers reading the body, and is released when the body is closed.
func (t *retryTransport) attempt(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), t.service.Timeout)
	ctx, span := tracing.StartClientSpan(ctx, "upstream "+t.service.Name)
	out := req.Clone(ctx)
	tracing.InjectHTTP(ctx, out.Header)

	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if t.metrics != nil {
		t.metrics.RecordUpstreamRequest(t.service.Name, req.Method, status, time.Since(start))
	}
	tracing.EndHTTPSpan(span, status, err)

	if err != nil {
		err = classify(ctx, t.service, err)
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func classify(ctx context.Context, svc *config.ServiceDescriptor, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return gwerrors.BackendTimeout(fmt.Sprintf("backend %s timed out after %s", svc.Name, svc.Timeout), err)
	}
	return gwerrors.BackendUnreachable(fmt.Sprintf("backend %s is unreachable", svc.Name), err)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
