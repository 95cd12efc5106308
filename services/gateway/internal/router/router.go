// Package router runs the gateway's request gates and hands admitted
// requests to the proxy.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/authz"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/gateway/internal/health"
	"github.com/carlossalguero/casgate/services/gateway/internal/proxy"
	"github.com/carlossalguero/casgate/services/gateway/internal/ratelimit"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/events"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

// Prefix is the path prefix served by the router.
const Prefix = "/api/"

// UnhealthyPolicy decides what happens to requests for a backend whose
// last health record is unhealthy.
type UnhealthyPolicy string

const (
	FailFast UnhealthyPolicy = "fail_fast"
	Forward  UnhealthyPolicy = "forward"
)

// ParseUnhealthyPolicy validates a configured policy. There is no default.
func ParseUnhealthyPolicy(s string) (UnhealthyPolicy, error) {
	switch p := UnhealthyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FailFast, Forward:
		return p, nil
	default:
		return "", gwerrors.New(gwerrors.CodeConfigInvalid,
			fmt.Sprintf("health.unhealthy_policy must be %q or %q, got %q", FailFast, Forward, s))
	}
}

// Snapshots returns the current configuration snapshot.
type Snapshots interface {
	Current() *config.Snapshot
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(token string, roles auth.RoleResolver) (*auth.Principal, error)
}

// HealthView exposes the cached health of a backend without blocking.
type HealthView interface {
	Cached(name string) (health.Record, bool)
}

// Forwarder relays an admitted request to its backend.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, req proxy.Request) (proxy.Result, error)
}

// EventPublisher publishes decision records. A disconnected publisher is
// skipped.
type EventPublisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
	IsConnected() bool
}

// Config wires the router's collaborators.
type Config struct {
	Snapshots       Snapshots
	Tokens          TokenVerifier
	Limiter         *ratelimit.Limiter
	Health          HealthView
	Forwarder       Forwarder
	UnhealthyPolicy UnhealthyPolicy
	// TrustXForwarded keys anonymous callers by the address a fronting
	// proxy forwards instead of the connection address.
	TrustXForwarded bool
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
	Events          EventPublisher
}

// Router is the http.Handler for /api/{service}/...
type Router struct {
	snapshots Snapshots
	tokens    TokenVerifier
	limiter   *ratelimit.Limiter
	health    HealthView
	forwarder Forwarder
	policy    UnhealthyPolicy
	trusted   bool
	log       *logger.Logger
	metrics   *metrics.Metrics
	events    EventPublisher
	now       func() time.Time
}

// New validates cfg and creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Snapshots == nil || cfg.Tokens == nil || cfg.Limiter == nil || cfg.Forwarder == nil {
		return nil, fmt.Errorf("router: snapshots, tokens, limiter and forwarder are required")
	}
	policy, err := ParseUnhealthyPolicy(string(cfg.UnhealthyPolicy))
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Router{
		snapshots: cfg.Snapshots,
		tokens:    cfg.Tokens,
		limiter:   cfg.Limiter,
		health:    cfg.Health,
		forwarder: cfg.Forwarder,
		policy:    policy,
		trusted:   cfg.TrustXForwarded,
		log:       cfg.Logger.WithComponent("router"),
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		now:       time.Now,
	}, nil
}

// SetClock replaces the router's time source.
func (rt *Router) SetClock(now func() time.Time) {
	rt.now = now
}

// SplitPath splits /api/{service}/rest into the service segment and the
// remaining path, which always starts with "/".
func SplitPath(path string) (service, rest string, ok bool) {
	tail, found := strings.CutPrefix(path, Prefix)
	if !found {
		return "", "", false
	}
	service, rest, _ = strings.Cut(tail, "/")
	if service == "" {
		return "", "", false
	}
	return service, "/" + rest, true
}

// ServeHTTP runs the gates in order: service lookup, authentication,
// authorization, rate limit, health, forward. Exactly one decision record
// is emitted per request.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := rt.now()
	rec := Record{
		Timestamp: start.UTC(),
		RequestID: logger.RequestID(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		Principal: Anonymous,
	}
	defer func() {
		rec.Latency = rt.now().Sub(start)
		rt.emit(r.Context(), &rec)
	}()

	snap := rt.snapshots.Current()
	name, rest, ok := SplitPath(r.URL.Path)
	if !ok {
		rt.deny(w, &rec, gwerrors.RouteNotFound("no service in path"))
		return
	}
	svc, ok := snap.Registry.Lookup(name)
	if !ok || !svc.Enabled {
		rec.Service = name
		rt.deny(w, &rec, gwerrors.RouteNotFound(fmt.Sprintf("service %q not found", name)))
		return
	}
	rec.Service = svc.Name

	route, matched := snap.Policy.Match(r.URL.Path)
	public := matched && route.Public && route.Service == svc.Name && route.AllowsMethod(r.Method)
	if matched {
		rec.Route = route.Pattern
	}

	principal, err := rt.authenticate(r, snap, public)
	if err != nil {
		rt.deny(w, &rec, err)
		return
	}
	if principal != nil {
		rec.Principal = principal.Username
		rec.Role = principal.Role
		r = r.WithContext(auth.WithPrincipal(logger.WithUserID(r.Context(), principal.Username), principal))
	}

	if !public {
		d := authz.Authorize(snap.Policy, principal, r.URL.Path, r.Method, svc.Name)
		if rt.metrics != nil {
			rt.metrics.RecordAuthzDecision(d.Allowed, string(d.Reason))
		}
		if !d.Allowed {
			rt.deny(w, &rec, d.Err())
			return
		}
		route = d.Route
		if route != nil && route.Service != svc.Name {
			route = nil
		}
	}

	limitKey, routeKey := rateKeys(r, principal, route, svc, rt.trusted)
	limit := snap.RateLimitFor(route, svc)
	rl := rt.limiter.Allow(limitKey, routeKey, limit)
	rl.SetHeaders(w.Header())
	if !rl.Allowed {
		if rt.metrics != nil {
			rt.metrics.RecordRateLimitRejection(routeKey)
		}
		rt.deny(w, &rec, gwerrors.RateLimited(
			fmt.Sprintf("rate limit of %d requests per %s exceeded", limit.Requests, limit.Window)).
			WithDetails(map[string]any{"retry_after": rl.RetryAfterSeconds()}))
		return
	}

	if rt.policy == FailFast && rt.health != nil {
		if hr, ok := rt.health.Cached(svc.Name); ok && !hr.Healthy() {
			rt.deny(w, &rec, gwerrors.ServiceUnavailable(fmt.Sprintf("service %q is unhealthy", svc.Name)))
			return
		}
	}

	res, err := rt.forwarder.Forward(w, r, proxy.Request{
		Service:   svc,
		Path:      rest,
		Principal: principal,
		Start:     start,
	})
	if err != nil {
		w.Header().Set("X-Gateway-Service", svc.Name)
		rt.fail(w, &rec, err)
		return
	}
	rec.Decision = DecisionAllow
	rec.Status = res.Status
	rec.BackendStatus = res.Status
	rec.Attempts = res.Attempts
}

// authenticate returns the caller's principal. Public routes accept
// anonymous callers but still reject a token that fails verification.
func (rt *Router) authenticate(r *http.Request, snap *config.Snapshot, public bool) (*auth.Principal, error) {
	if public && r.Header.Get("Authorization") == "" {
		return nil, nil
	}
	token, err := auth.BearerToken(r)
	if err != nil {
		return nil, err
	}
	return rt.tokens.Verify(token, snap)
}

// rateKeys returns the counter identity and route key of a request.
func rateKeys(r *http.Request, p *auth.Principal, route *config.RoutePolicy, svc *config.ServiceDescriptor, trustForwarded bool) (key, routeKey string) {
	if p != nil {
		key = "user:" + p.Username
	} else {
		key = "ip:" + ratelimit.ClientIP(r, trustForwarded)
	}
	if route != nil {
		return key, route.Pattern
	}
	return key, "service:" + svc.Name
}

// deny writes a gate rejection.
func (rt *Router) deny(w http.ResponseWriter, rec *Record, err error) {
	e := gwerrors.As(err)
	rec.Decision = DecisionDeny
	rec.Reason = string(e.Code)
	rec.Status = e.HTTPStatusCode()
	gwerrors.WriteHTTP(w, e)
}

// fail writes a forwarding failure.
func (rt *Router) fail(w http.ResponseWriter, rec *Record, err error) {
	e := gwerrors.As(err)
	rec.Decision = DecisionError
	rec.Reason = string(e.Code)
	rec.Status = e.HTTPStatusCode()
	rec.Error = err.Error()
	gwerrors.WriteHTTP(w, e)
}

// emit logs, counts and optionally publishes a decision record.
func (rt *Router) emit(ctx context.Context, rec *Record) {
	attrs := rec.logAttrs()
	switch {
	case rec.Decision == DecisionError || rec.Status >= http.StatusInternalServerError:
		rt.log.WarnContext(ctx, "gateway decision", attrs...)
	case rec.Status == http.StatusUnauthorized || rec.Status == http.StatusForbidden:
		// Authentication and authorization denials form the audit trail.
		rt.log.WarnContext(ctx, "gateway decision", attrs...)
	default:
		rt.log.InfoContext(ctx, "gateway decision", attrs...)
	}

	if rt.metrics != nil {
		service := rec.Service
		if service == "" {
			service = "unknown"
		}
		rt.metrics.RecordGatewayRequest(service, rec.Method, rec.Status, string(rec.Decision), rec.Latency)
	}

	if rt.events != nil && rt.events.IsConnected() {
		event := events.NewEvent("gateway.decision", "gateway", *rec)
		go func() {
			if err := rt.events.PublishJSON(context.Background(), events.SubjectDecision, event); err != nil {
				rt.log.WithError(err).Debug("failed to publish decision event")
			}
		}()
	}
}
