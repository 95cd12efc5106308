package router

import (
	"time"
)

// DecisionKind is the outcome of a request at the gateway.
type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionDeny  DecisionKind = "deny"
	// DecisionError means the request was admitted but forwarding failed.
	DecisionError DecisionKind = "error"
)

// Anonymous is the principal recorded for requests without a verified token.
const Anonymous = "anonymous"

// Record is the decision record of one request.
type Record struct {
	Timestamp     time.Time     `json:"timestamp"`
	RequestID     string        `json:"request_id,omitempty"`
	Service       string        `json:"service,omitempty"`
	Route         string        `json:"route,omitempty"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	Principal     string        `json:"principal,omitempty"`
	Role          string        `json:"role,omitempty"`
	Decision      DecisionKind  `json:"decision"`
	Reason        string        `json:"reason,omitempty"`
	Status        int           `json:"status"`
	BackendStatus int           `json:"backend_status,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	Error         string        `json:"error,omitempty"`
	Latency       time.Duration `json:"latency_ns"`
}

func (r *Record) logAttrs() []any {
	attrs := []any{
		"service", r.Service,
		"route", r.Route,
		"method", r.Method,
		"path", r.Path,
		"principal", r.Principal,
		"decision", string(r.Decision),
		"status", r.Status,
		"latency_ms", float64(r.Latency.Microseconds()) / 1000,
	}
	if r.Role != "" {
		attrs = append(attrs, "role", r.Role)
	}
	if r.Reason != "" {
		attrs = append(attrs, "reason", r.Reason)
	}
	if r.BackendStatus != 0 {
		attrs = append(attrs, "backend_status", r.BackendStatus, "attempts", r.Attempts)
	}
	if r.Error != "" {
		attrs = append(attrs, "error", r.Error)
	}
	return attrs
}
