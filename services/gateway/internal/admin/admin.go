// Package admin provides the superadmin REST API for editing the service
// registry, route policies and users at runtime.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/gateway/internal/health"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/events"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

const maxBodyBytes = 1 << 20

// ConfigStore is the part of *config.Store the admin API edits.
type ConfigStore interface {
	Current() *config.Snapshot
	Load(ctx context.Context) (*config.Snapshot, error)
	UpsertService(ctx context.Context, name string, entry config.ServiceEntry) (*config.Snapshot, error)
	DeleteService(ctx context.Context, name string) (*config.Snapshot, error)
	UpsertRoute(ctx context.Context, pattern string, entry config.RouteEntry) (*config.Snapshot, error)
	DeleteRoute(ctx context.Context, pattern string) (*config.Snapshot, error)
}

// HealthView exposes cached backend health.
type HealthView interface {
	Cached(name string) (health.Record, bool)
}

// EventPublisher announces configuration changes to other replicas.
type EventPublisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
	IsConnected() bool
}

// Config holds admin API configuration.
type Config struct {
	Store    ConfigStore
	Users    auth.UserStore
	Health   HealthView
	Events   EventPublisher
	HashCost int
	// Source identifies this replica in published events.
	Source  string
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Admin serves the admin endpoints.
type Admin struct {
	store     ConfigStore
	users     auth.UserStore
	health    HealthView
	events    EventPublisher
	hashCost  int
	source    string
	startTime time.Time
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// New creates a new Admin instance.
func New(cfg Config) *Admin {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Source == "" {
		cfg.Source = "gateway"
	}
	return &Admin{
		store:     cfg.Store,
		users:     cfg.Users,
		health:    cfg.Health,
		events:    cfg.Events,
		hashCost:  cfg.HashCost,
		source:    cfg.Source,
		startTime: time.Now(),
		log:       cfg.Logger.WithComponent("admin"),
		metrics:   cfg.Metrics,
	}
}

// Routes returns the admin router. Callers mount it behind authentication
// and the superadmin check.
func (a *Admin) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", a.handleOverview)
	r.Post("/reload", a.handleReload)

	r.Get("/services", a.handleListServices)
	r.Get("/services/{name}", a.handleGetService)
	r.Put("/services/{name}", a.handlePutService)
	r.Delete("/services/{name}", a.handleDeleteService)

	r.Get("/routes", a.handleListRoutes)
	r.Put("/routes", a.handlePutRoute)
	r.Delete("/routes", a.handleDeleteRoute)

	r.Get("/users", a.handleListUsers)
	r.Post("/users", a.handleCreateUser)
	r.Delete("/users/{name}", a.handleDeleteUser)
	return r
}

func (a *Admin) handleOverview(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Current()
	writeJSON(w, http.StatusOK, OverviewResponse{
		Version:       snap.Version,
		LoadedAt:      snap.LoadedAt,
		UptimeSeconds: int64(time.Since(a.startTime).Seconds()),
		Services:      len(snap.Registry.Services),
		Roles:         len(snap.Policy.Roles),
		Routes:        len(snap.Policy.Routes),
		Fallbacks:     snap.Fallbacks,
	})
}

func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := a.store.Load(r.Context())
	if err != nil {
		a.recordReload("failure")
		a.writeError(w, r, err)
		return
	}
	a.recordReload("success")
	a.audit(r, "configuration reloaded", "version", snap.Version)
	writeJSON(w, http.StatusOK, ReloadResponse{
		Version:   snap.Version,
		Services:  len(snap.Registry.Services),
		Routes:    len(snap.Policy.Routes),
		Fallbacks: snap.Fallbacks,
	})
}

func (a *Admin) handleListServices(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Current()
	aliases := aliasesByTarget(snap.Registry)
	out := make([]ServiceInfo, 0, len(snap.Registry.Services))
	for _, name := range snap.Registry.Names() {
		out = append(out, a.serviceInfo(snap.Registry.Services[name], aliases[name]))
	}
	writeJSON(w, http.StatusOK, ServicesResponse{Services: out})
}

func (a *Admin) handleGetService(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Current()
	name := chi.URLParam(r, "name")
	svc, ok := snap.Registry.Services[name]
	if !ok {
		a.writeError(w, r, gwerrors.NotFound(fmt.Sprintf("service %q not found", name)))
		return
	}
	writeJSON(w, http.StatusOK, a.serviceInfo(svc, aliasesByTarget(snap.Registry)[name]))
}

func (a *Admin) handlePutService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var entry config.ServiceEntry
	if err := decodeJSON(r, &entry); err != nil {
		a.writeError(w, r, err)
		return
	}
	snap, err := a.store.UpsertService(r.Context(), name, entry)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.changed(r, snap, "service upserted", "service", name)
	writeJSON(w, http.StatusOK, a.serviceInfo(snap.Registry.Services[name], aliasesByTarget(snap.Registry)[name]))
}

func (a *Admin) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := a.store.DeleteService(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.changed(r, snap, "service deleted", "service", name)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Current()
	out := make([]RouteInfo, 0, len(snap.Policy.Routes))
	for _, rp := range snap.Policy.Routes {
		out = append(out, routeInfo(rp))
	}
	writeJSON(w, http.StatusOK, RoutesResponse{Routes: out})
}

func (a *Admin) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		a.writeError(w, r, gwerrors.InvalidInput("pattern is required"))
		return
	}
	snap, err := a.store.UpsertRoute(r.Context(), req.Pattern, req.RouteEntry)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.changed(r, snap, "route upserted", "pattern", req.Pattern)
	for _, rp := range snap.Policy.Routes {
		if rp.Pattern == req.Pattern {
			writeJSON(w, http.StatusOK, routeInfo(rp))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		var req RouteRequest
		if err := decodeJSON(r, &req); err == nil {
			pattern = req.Pattern
		}
	}
	if pattern == "" {
		a.writeError(w, r, gwerrors.InvalidInput("pattern is required"))
		return
	}
	snap, err := a.store.DeleteRoute(r.Context(), pattern)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.changed(r, snap, "route deleted", "pattern", pattern)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, userInfo(u))
	}
	writeJSON(w, http.StatusOK, UsersResponse{Users: out})
}

func (a *Admin) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Role == "" {
		a.writeError(w, r, gwerrors.InvalidInput("username and role are required"))
		return
	}
	if _, _, ok := a.store.Current().ResolveRole(req.Role); !ok {
		a.writeError(w, r, gwerrors.InvalidInput(fmt.Sprintf("role %q is not defined", req.Role)))
		return
	}
	hash, err := auth.HashPassword(req.Password, a.hashCost)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	user := &auth.User{Username: req.Username, PasswordHash: hash, Role: req.Role}
	if err := a.users.CreateUser(r.Context(), user); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "user created", "user", user.Username, "role", user.Role)
	writeJSON(w, http.StatusCreated, userInfo(user))
}

func (a *Admin) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.users.DeleteUser(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "user deleted", "user", name)
	w.WriteHeader(http.StatusNoContent)
}

// changed logs a configuration mutation and tells other replicas to reload.
func (a *Admin) changed(r *http.Request, snap *config.Snapshot, msg string, args ...any) {
	a.audit(r, msg, append(args, "version", snap.Version)...)
	if a.events == nil || !a.events.IsConnected() {
		return
	}
	event := events.NewEvent("config.changed", a.source, map[string]any{"version": snap.Version})
	if err := a.events.PublishJSON(context.WithoutCancel(r.Context()), events.SubjectConfigChanged, event); err != nil {
		a.log.WithError(err).Warn("failed to announce configuration change")
	}
}

func (a *Admin) audit(r *http.Request, msg string, args ...any) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		args = append(args, "principal", p.Username)
	}
	a.log.InfoContext(r.Context(), msg, args...)
}

func (a *Admin) recordReload(result string) {
	if a.metrics != nil {
		a.metrics.RecordConfigReload(result)
	}
}

func (a *Admin) serviceInfo(svc *config.ServiceDescriptor, aliases []string) ServiceInfo {
	info := ServiceInfo{
		Name:        svc.Name,
		URL:         svc.BaseURL.String(),
		HealthCheck: svc.HealthPath,
		Timeout:     svc.Timeout.Seconds(),
		RateLimit:   svc.RateLimit.String(),
		Enabled:     svc.Enabled,
		Description: svc.Description,
		Aliases:     aliases,
	}
	if a.health != nil {
		if rec, ok := a.health.Cached(svc.Name); ok {
			info.Health = string(rec.Status)
		}
	}
	return info
}

func routeInfo(rp *config.RoutePolicy) RouteInfo {
	return RouteInfo{
		Pattern:   rp.Pattern,
		Methods:   rp.Methods,
		Roles:     rp.Roles,
		Service:   rp.Service,
		Public:    rp.Public,
		RateLimit: rp.RateLimit.String(),
	}
}

func userInfo(u *auth.User) UserInfo {
	return UserInfo{Username: u.Username, Role: u.Role, Disabled: u.Disabled, CreatedAt: u.CreatedAt}
}

func aliasesByTarget(reg *config.Registry) map[string][]string {
	out := make(map[string][]string)
	for alias, target := range reg.Aliases {
		out[target] = append(out[target], alias)
	}
	for _, list := range out {
		sort.Strings(list)
	}
	return out
}

// writeError maps validation failures to CONFIG_INVALID with the problem
// list and everything else through the shared error mapping.
func (a *Admin) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		err = cfgErr.AsAPIError()
	}
	e := gwerrors.As(err)
	if e.HTTPStatusCode() >= http.StatusInternalServerError {
		a.log.WithError(err).ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path)
	}
	gwerrors.WriteHTTP(w, e)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return gwerrors.InvalidInput(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
