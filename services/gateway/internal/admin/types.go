package admin

import (
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
)

// OverviewResponse summarizes the active configuration.
type OverviewResponse struct {
	Version       uint64    `json:"config_version"`
	LoadedAt      time.Time `json:"loaded_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Services      int       `json:"services"`
	Roles         int       `json:"roles"`
	Routes        int       `json:"routes"`
	Fallbacks     []string  `json:"fallbacks,omitempty"`
}

// ServiceInfo is the admin view of a registered service.
type ServiceInfo struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	HealthCheck string   `json:"health_check"`
	Timeout     float64  `json:"timeout"`
	RateLimit   string   `json:"rate_limit"`
	Enabled     bool     `json:"enabled"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Health      string   `json:"health,omitempty"`
}

// ServicesResponse lists services.
type ServicesResponse struct {
	Services []ServiceInfo `json:"services"`
}

// RouteInfo is the admin view of a route policy.
type RouteInfo struct {
	Pattern   string   `json:"pattern"`
	Methods   []string `json:"methods"`
	Roles     []string `json:"roles,omitempty"`
	Service   string   `json:"service"`
	Public    bool     `json:"public,omitempty"`
	RateLimit string   `json:"rate_limit"`
}

// RoutesResponse lists route policies, most specific first.
type RoutesResponse struct {
	Routes []RouteInfo `json:"routes"`
}

// RouteRequest creates or replaces a route policy.
type RouteRequest struct {
	Pattern string `json:"pattern"`
	config.RouteEntry
}

// UserRequest creates a user.
type UserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// UsersResponse lists users. Password hashes are never included.
type UsersResponse struct {
	Users []UserInfo `json:"users"`
}

// UserInfo is the admin view of a user.
type UserInfo struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// ReloadResponse reports the result of a reload.
type ReloadResponse struct {
	Version   uint64   `json:"config_version"`
	Services  int      `json:"services"`
	Routes    int      `json:"routes"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}
