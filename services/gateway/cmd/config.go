package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/shared/cache"
	"github.com/carlossalguero/casgate/services/shared/events"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/tls"
	"github.com/carlossalguero/casgate/services/shared/tracing"
)

// Config holds the gateway process configuration. The service registry and
// RBAC policy live in their own documents, located by Documents.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TLS struct {
		Enabled    bool `mapstructure:"enabled"`
		tls.Config `mapstructure:",squash"`
	} `mapstructure:"tls"`

	Documents struct {
		// Source is "file" or "consul".
		Source       string              `mapstructure:"source"`
		ServicesFile string              `mapstructure:"services_file"`
		RBACFile     string              `mapstructure:"rbac_file"`
		Consul       config.ConsulConfig `mapstructure:"consul"`
	} `mapstructure:"documents"`

	Auth struct {
		auth.TokenConfig `mapstructure:",squash"`
		HashCost         int `mapstructure:"hash_cost"`
		LoginPerMinute   int `mapstructure:"login_per_minute"`
		LoginBurst       int `mapstructure:"login_burst"`
	} `mapstructure:"auth"`

	Users struct {
		// Store is "memory" or "postgres".
		Store       string     `mapstructure:"store"`
		DatabaseURL string     `mapstructure:"database_url"`
		Seed        []SeedUser `mapstructure:"seed"`
	} `mapstructure:"users"`

	RateLimit struct {
		Default       string `mapstructure:"default"`
		SweepSchedule string `mapstructure:"sweep_schedule"`
	} `mapstructure:"rate_limit"`

	Health struct {
		TTL             time.Duration `mapstructure:"ttl"`
		Concurrency     int           `mapstructure:"concurrency"`
		PollSchedule    string        `mapstructure:"poll_schedule"`
		UnhealthyPolicy string        `mapstructure:"unhealthy_policy"`
	} `mapstructure:"health"`

	Proxy struct {
		MaxRetries      int           `mapstructure:"max_retries"`
		RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
		TrustXForwarded bool          `mapstructure:"trust_x_forwarded"`
		UpstreamTLS     tls.Config    `mapstructure:"upstream_tls"`
	} `mapstructure:"proxy"`

	Log logger.Config `mapstructure:"log"`

	Redis struct {
		Enabled      bool `mapstructure:"enabled"`
		cache.Config `mapstructure:",squash"`
	} `mapstructure:"redis"`

	NATS struct {
		Enabled       bool `mapstructure:"enabled"`
		events.Config `mapstructure:",squash"`
	} `mapstructure:"nats"`

	Tracing tracing.Config `mapstructure:"tracing"`

	Metrics struct {
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`
}

// SeedUser is a user created in the in-memory store at startup. The hash
// comes from `casgate hash-password`.
type SeedUser struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// DefaultRateLimit parses rate_limit.default.
func (c *Config) DefaultRateLimit() (config.RateLimit, error) {
	rl, err := config.ParseRateLimit(c.RateLimit.Default)
	if err != nil {
		return config.RateLimit{}, fmt.Errorf("rate_limit.default: %w", err)
	}
	return rl, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("read_timeout", "30s")
	v.SetDefault("write_timeout", "60s")
	v.SetDefault("idle_timeout", "120s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("tls.enabled", false)

	v.SetDefault("documents.source", "file")
	v.SetDefault("documents.services_file", "configs/gateway-services.yml")
	v.SetDefault("documents.rbac_file", "configs/gateway-rbac.yml")
	v.SetDefault("documents.consul.address", "localhost:8500")
	v.SetDefault("documents.consul.key_prefix", "casgate/")

	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.issuer", "casgate")
	v.SetDefault("auth.hash_cost", 12)
	v.SetDefault("auth.login_per_minute", 10)
	v.SetDefault("auth.login_burst", 5)

	v.SetDefault("users.store", "memory")

	v.SetDefault("rate_limit.default", "100/minute")
	v.SetDefault("rate_limit.sweep_schedule", "@every 1m")

	v.SetDefault("health.ttl", "30s")
	v.SetDefault("health.concurrency", 8)
	v.SetDefault("health.poll_schedule", "@every 30s")

	v.SetDefault("proxy.max_retries", 2)
	v.SetDefault("proxy.retry_backoff", "100ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "casgate-gateway")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "casgate:")

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "casgate-gateway")
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", 60)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "casgate-gateway")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("metrics.namespace", "casgate")
}

// loadConfig reads gateway.yaml from path, or from the standard locations
// when path is empty. A missing file is fine; environment variables
// (CASGATE_AUTH_JWT_SECRET, ...) override both.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/casgate")
	}

	v.SetEnvPrefix("CASGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{"auth.jwt_secret", "auth.private_key_file", "auth.public_key_file", "users.database_url", "redis.password", "documents.consul.token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	return &cfg, nil
}

// documentSource builds the configured document source.
func documentSource(cfg *Config) (config.Source, error) {
	switch cfg.Documents.Source {
	case "file", "":
		return config.NewFileSource(cfg.Documents.ServicesFile, cfg.Documents.RBACFile), nil
	case "consul":
		return config.NewConsulSource(cfg.Documents.Consul)
	default:
		return nil, fmt.Errorf("documents.source must be \"file\" or \"consul\", got %q", cfg.Documents.Source)
	}
}
