package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/carlossalguero/casgate/services/gateway/internal/admin"
	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/gateway/internal/health"
	"github.com/carlossalguero/casgate/services/gateway/internal/proxy"
	"github.com/carlossalguero/casgate/services/gateway/internal/ratelimit"
	"github.com/carlossalguero/casgate/services/gateway/internal/router"
	"github.com/carlossalguero/casgate/services/gateway/internal/scheduler"
	"github.com/carlossalguero/casgate/services/gateway/internal/server"
	"github.com/carlossalguero/casgate/services/shared/cache"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/events"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
	"github.com/carlossalguero/casgate/services/shared/readiness"
	gwtls "github.com/carlossalguero/casgate/services/shared/tls"
	"github.com/carlossalguero/casgate/services/shared/tracing"
)

func serve(ctx context.Context, cfg *Config) error {
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = os.Getenv("ENVIRONMENT")
	}
	log := logger.Init(cfg.Log)
	log.Info("starting casgate gateway",
		"version", version,
		"host", cfg.Host,
		"port", cfg.Port,
		"tls_enabled", cfg.TLS.Enabled,
	)

	unhealthyPolicy, err := router.ParseUnhealthyPolicy(cfg.Health.UnhealthyPolicy)
	if err != nil {
		return fmt.Errorf("health.unhealthy_policy: %w", err)
	}
	defaultLimit, err := cfg.DefaultRateLimit()
	if err != nil {
		return err
	}

	// Initialize tracing
	tracingShutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.WithError(err).Error("failed to initialize tracing")
		tracingShutdown = func(context.Context) error { return nil }
	} else if cfg.Tracing.Enabled {
		log.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
	}

	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})

	// Registry and policy
	source, err := documentSource(cfg)
	if err != nil {
		return err
	}
	store := config.NewStore(config.NewLoader(defaultLimit), source, log)
	snap, err := store.Load(ctx)
	if err != nil {
		m.RecordConfigReload("failure")
		return err
	}
	m.RecordConfigReload("success")
	log.Info("configuration loaded",
		"services", len(snap.Registry.Services),
		"routes", len(snap.Policy.Routes),
		"services_document", source.Location(config.ServicesDocumentKind),
		"rbac_document", source.Location(config.RBACDocumentKind),
	)

	// Tokens and users
	tokens, err := auth.NewTokenManager(cfg.Auth.TokenConfig)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	users, closeUsers, err := userStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUsers()
	if err := seedUsers(ctx, users, cfg.Users.Seed, snap, log); err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(users, tokens, cfg.Auth.HashCost)
	if err != nil {
		return err
	}

	// Redis mirror of the health snapshot (optional)
	var mirror health.Mirror
	var cacheClient *cache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = cache.New(ctx, cfg.Redis.Config)
		if err != nil {
			log.WithError(err).Warn("failed to connect to Redis, health mirror disabled")
			cacheClient = nil
		} else {
			defer cacheClient.Close()
			mirror = health.NewRedisMirror(cacheClient, cfg.Health.TTL)
			log.Info("connected to Redis", "address", cfg.Redis.Address)
		}
	}

	// NATS events (optional)
	replica := replicaID()
	var eventsClient *events.Client
	if cfg.NATS.Enabled {
		eventsClient, err = events.New(cfg.NATS.Config, log)
		if err != nil {
			log.WithError(err).Warn("failed to connect to NATS, events disabled")
			eventsClient = nil
		} else {
			defer eventsClient.Close()
			log.Info("connected to NATS", "url", cfg.NATS.URL)
		}
	}

	upstreamTLS, err := gwtls.ClientTLSConfig(&cfg.Proxy.UpstreamTLS)
	if err != nil {
		return fmt.Errorf("proxy.upstream_tls: %w", err)
	}
	transport := proxy.NewTransport(upstreamTLS)

	aggregator := health.NewAggregator(health.Config{
		Services:    func() *config.Registry { return store.Current().Registry },
		TTL:         cfg.Health.TTL,
		Concurrency: cfg.Health.Concurrency,
		Client:      &http.Client{Transport: transport},
		Logger:      log,
		Metrics:     m,
		Mirror:      mirror,
	})
	store.Subscribe(func(s *config.Snapshot) { aggregator.Forget(s.Registry) })

	forwarder := proxy.New(proxy.Config{
		Transport:       transport,
		MaxRetries:      cfg.Proxy.MaxRetries,
		RetryBackoff:    cfg.Proxy.RetryBackoff,
		TrustXForwarded: cfg.Proxy.TrustXForwarded,
		OnUpstreamFailure: func(service string, err error) {
			aggregator.MarkUnhealthy(service, err)
		},
		Logger:  log,
		Metrics: m,
	})

	limiter := ratelimit.New()
	throttle := ratelimit.NewThrottle(cfg.Auth.LoginPerMinute, cfg.Auth.LoginBurst)
	throttle.TrustForwarded(cfg.Proxy.TrustXForwarded)
	throttle.SetMetrics(m)

	routerCfg := router.Config{
		Snapshots:       store,
		Tokens:          tokens,
		Limiter:         limiter,
		Health:          aggregator,
		Forwarder:       forwarder,
		UnhealthyPolicy: unhealthyPolicy,
		TrustXForwarded: cfg.Proxy.TrustXForwarded,
		Logger:          log,
		Metrics:         m,
	}
	adminCfg := admin.Config{
		Store:    store,
		Users:    users,
		Health:   aggregator,
		HashCost: cfg.Auth.HashCost,
		Source:   replica,
		Logger:   log,
		Metrics:  m,
	}
	if eventsClient != nil {
		routerCfg.Events = eventsClient
		adminCfg.Events = eventsClient
		if err := eventsClient.Subscribe(events.SubjectConfigChanged, reloadOnEvent(store, replica, m, log)); err != nil {
			log.WithError(err).Warn("config change subscription failed")
		}
	}
	gateway, err := router.New(routerCfg)
	if err != nil {
		return err
	}

	ready := readiness.NewChecker(readiness.WithVersion(version))
	ready.Register("config", func(context.Context) error {
		if store.Current() == nil {
			return errors.New("no configuration loaded")
		}
		return nil
	})
	if p, ok := source.(pinger); ok {
		ready.Register("consul", p.Ping)
	}
	if p, ok := users.(pinger); ok {
		ready.Register("postgres", p.Ping)
	}
	if cacheClient != nil {
		ready.Register("redis", cacheClient.Ping)
	}
	if eventsClient != nil {
		ready.Register("nats", func(context.Context) error {
			if !eventsClient.IsConnected() {
				return events.ErrNotConnected
			}
			return nil
		})
	}

	srv := server.New(server.Config{
		ServiceName:   cfg.Log.ServiceName,
		Version:       version,
		Snapshots:     store,
		Authenticator: authenticator,
		LoginThrottle: throttle,
		Health:        aggregator,
		Gateway:       gateway,
		Admin:         admin.New(adminCfg),
		Readiness:     ready.Handler(),
		Logger:        log,
		Metrics:       m,
		Tracing:       cfg.Tracing.Enabled,

		TrustXForwarded: cfg.Proxy.TrustXForwarded,
	})

	// Background jobs
	sched := scheduler.New(log)
	jobs := []struct {
		name, schedule string
		fn             func()
	}{
		{"health-poll", cfg.Health.PollSchedule, func() { aggregator.Refresh(context.Background()) }},
		{"rate-limit-sweep", cfg.RateLimit.SweepSchedule, func() { limiter.Sweep() }},
		{"login-throttle-sweep", cfg.RateLimit.SweepSchedule, func() { throttle.Sweep() }},
	}
	for _, job := range jobs {
		if err := sched.AddJob(job.name, job.schedule, job.fn); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()
	if !aggregator.Restore(ctx) {
		go aggregator.Refresh(context.Background())
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if consul, ok := source.(*config.ConsulSource); ok {
		go consul.Watch(watchCtx, func() {
			reload(watchCtx, store, m, log, "consul")
		})
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := gwtls.ServerTLSConfig(&cfg.TLS.Config)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", httpServer.Addr, "tls", cfg.TLS.Enabled)
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(quit)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-hup:
			log.Info("received SIGHUP, reloading configuration")
			reload(ctx, store, m, log, "sighup")
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
			break loop
		case <-ctx.Done():
			break loop
		case err, ok := <-serveErr:
			if ok {
				runErr = fmt.Errorf("http server: %w", err)
			}
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("tracing shutdown error")
	}
	log.Info("server stopped")
	return runErr
}

// reload re-reads both documents. A failed reload keeps the current snapshot.
func reload(ctx context.Context, store *config.Store, m *metrics.Metrics, log *logger.Logger, trigger string) {
	snap, err := store.Load(ctx)
	if err != nil {
		m.RecordConfigReload("failure")
		log.WithError(err).Error("configuration reload failed, keeping current configuration", "trigger", trigger)
		return
	}
	m.RecordConfigReload("success")
	log.Info("configuration reloaded", "trigger", trigger, "version", snap.Version)
}

// reloadOnEvent reloads when another replica announces an admin change to
// the shared documents.
func reloadOnEvent(store *config.Store, self string, m *metrics.Metrics, log *logger.Logger) events.Handler {
	return func(ctx context.Context, event events.Event) error {
		if event.Source == self {
			return nil
		}
		reload(ctx, store, m, log, "event:"+event.Source)
		return nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func userStore(ctx context.Context, cfg *Config) (auth.UserStore, func(), error) {
	switch cfg.Users.Store {
	case "memory", "":
		return auth.NewMemoryStore(), func() {}, nil
	case "postgres":
		pg, err := auth.NewPostgresStore(ctx, cfg.Users.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("users: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("users.store must be \"memory\" or \"postgres\", got %q", cfg.Users.Store)
	}
}

// seedUsers creates the configured users that do not exist yet.
func seedUsers(ctx context.Context, users auth.UserStore, seed []SeedUser, roles auth.RoleResolver, log *logger.Logger) error {
	for _, s := range seed {
		if _, _, ok := roles.ResolveRole(s.Role); !ok {
			return fmt.Errorf("users.seed: user %q has undefined role %q", s.Username, s.Role)
		}
		err := users.CreateUser(ctx, &auth.User{
			Username:     s.Username,
			PasswordHash: s.PasswordHash,
			Role:         s.Role,
			CreatedAt:    time.Now().UTC(),
		})
		switch {
		case err == nil:
			log.Info("seeded user", "user", s.Username, "role", s.Role)
		case gwerrors.IsCode(err, gwerrors.CodeAlreadyExists):
		default:
			return fmt.Errorf("users.seed: %w", err)
		}
	}
	return nil
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
