// Package server assembles the gateway's HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carlossalguero/casgate/services/gateway/internal/admin"
	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/gateway/internal/health"
	"github.com/carlossalguero/casgate/services/gateway/internal/middleware"
	"github.com/carlossalguero/casgate/services/gateway/internal/ratelimit"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

// Snapshots returns the current configuration snapshot.
type Snapshots interface {
	Current() *config.Snapshot
}

// HealthService serves the aggregated and per-service health views.
type HealthService interface {
	All(ctx context.Context) *health.Snapshot
	Service(ctx context.Context, name string) (health.Record, error)
}

// Config wires the HTTP surface.
type Config struct {
	ServiceName   string
	Version       string
	Snapshots     Snapshots
	Authenticator *auth.Authenticator
	LoginThrottle *ratelimit.Throttle
	Health        HealthService
	// Gateway serves /api/{service}/...
	Gateway http.Handler
	Admin   *admin.Admin
	// Readiness serves /health/ready; nil disables it.
	Readiness http.Handler
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Tracing   bool

	// TrustXForwarded reports client addresses from forwarding headers.
	TrustXForwarded bool
}

// Server holds the gateway's HTTP handlers.
type Server struct {
	cfg       Config
	log       *logger.Logger
	startTime time.Time
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "casgate-gateway"
	}
	return &Server{cfg: cfg, log: cfg.Logger.WithComponent("server"), startTime: time.Now()}
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	quiet := []string{"/health", "/metrics"}
	if s.cfg.Tracing {
		r.Use(middleware.Tracing(middleware.TracingConfig{ServiceName: s.cfg.ServiceName, SkipPaths: quiet}))
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.Logging(s.log, quiet...))
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.HTTPMiddleware)
	}
	r.Use(middleware.Security())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		gwerrors.WriteHTTP(w, gwerrors.NotFound("no such endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		gwerrors.WriteHTTP(w, gwerrors.InvalidInput(fmt.Sprintf("method %s not allowed", r.Method)))
	})

	login := http.Handler(http.HandlerFunc(s.handleLogin))
	if s.cfg.LoginThrottle != nil {
		login = s.cfg.LoginThrottle.Middleware(login)
	}
	r.Method(http.MethodPost, "/auth/login", login)

	r.Get("/health", s.handleLiveness)
	if s.cfg.Readiness != nil {
		r.Method(http.MethodGet, "/health/ready", s.cfg.Readiness)
	}
	r.Get("/health/all", s.handleHealthAll)
	r.Get("/health/service/{name}", s.handleHealthService)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	authn := middleware.Authenticate(middleware.AuthConfig{
		Tokens:   s.cfg.Authenticator.Tokens(),
		Snapshot: s.cfg.Snapshots.Current,
		Logger:   s.log,
	})
	r.With(authn).Get("/services", s.handleServices)
	if s.cfg.Admin != nil {
		r.With(authn, middleware.RequireSuperadmin(s.log)).Mount("/admin", s.cfg.Admin.Routes())
	}

	r.Handle("/api/*", s.cfg.Gateway)
	return r
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		gwerrors.WriteHTTP(w, gwerrors.InvalidInput("body must be {\"username\": ..., \"password\": ...}"))
		return
	}

	issued, err := s.cfg.Authenticator.Login(r.Context(), req.Username, req.Password, s.cfg.Snapshots.Current())
	if err != nil {
		s.recordLogin("failure")
		s.log.WarnContext(r.Context(), "login failed",
			"user", req.Username,
			"client_ip", ratelimit.ClientIP(r, s.cfg.TrustXForwarded),
			"code", string(gwerrors.GetCode(err)),
		)
		gwerrors.WriteHTTP(w, err)
		return
	}
	s.recordLogin("success")
	s.log.InfoContext(r.Context(), "login succeeded", "user", req.Username)

	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: issued.Token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(issued.ExpiresAt).Round(time.Second).Seconds()),
		ExpiresAt:   issued.ExpiresAt,
	})
}

func (s *Server) recordLogin(result string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordLogin(result)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        s.cfg.ServiceName,
		"version":        s.cfg.Version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Health.All(r.Context()))
}

func (s *Server) handleHealthService(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Health.Service(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		gwerrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ServiceSummary is one entry of GET /services.
type ServiceSummary struct {
	URL         string  `json:"url"`
	Timeout     float64 `json:"timeout"`
	RateLimit   string  `json:"rate_limit"`
	Description string  `json:"description,omitempty"`
}

// ServicesResponse is the body of GET /services.
type ServicesResponse struct {
	Services       []string                  `json:"services"`
	ServiceConfigs map[string]ServiceSummary `json:"service_configs"`
	Aliases        map[string]string         `json:"direct_routes,omitempty"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshots.Current()
	resp := ServicesResponse{
		Services:       []string{},
		ServiceConfigs: make(map[string]ServiceSummary),
		Aliases:        snap.Registry.Aliases,
	}
	for _, svc := range snap.Registry.Enabled() {
		resp.Services = append(resp.Services, svc.Name)
		resp.ServiceConfigs[svc.Name] = ServiceSummary{
			URL:         svc.BaseURL.String(),
			Timeout:     svc.Timeout.Seconds(),
			RateLimit:   snap.RateLimitFor(nil, svc).String(),
			Description: svc.Description,
		}
	}
	sort.Strings(resp.Services)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
