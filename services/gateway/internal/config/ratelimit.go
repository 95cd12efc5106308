package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is a fixed-window quota: Requests per Window.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// IsZero reports whether the limit is unset.
func (r RateLimit) IsZero() bool {
	return r.Requests == 0 && r.Window == 0
}

// String renders the limit in document form, e.g. "100/minute".
func (r RateLimit) String() string {
	if r.IsZero() {
		return ""
	}
	switch r.Window {
	case time.Second:
		return fmt.Sprintf("%d/second", r.Requests)
	case time.Minute:
		return fmt.Sprintf("%d/minute", r.Requests)
	case time.Hour:
		return fmt.Sprintf("%d/hour", r.Requests)
	case 24 * time.Hour:
		return fmt.Sprintf("%d/day", r.Requests)
	}
	return fmt.Sprintf("%d/%s", r.Requests, r.Window)
}

var periods = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseRateLimit parses "N/period" (period a unit name like "minute" or a
// duration like "30s") or a bare integer, which counts requests per minute.
func ParseRateLimit(s string) (RateLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RateLimit{}, fmt.Errorf("rate limit is empty")
	}

	count, period, hasPeriod := strings.Cut(s, "/")
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return RateLimit{}, fmt.Errorf("rate limit %q: request count is not an integer", s)
	}
	if n <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: request count must be positive", s)
	}
	if !hasPeriod {
		return RateLimit{Requests: n, Window: time.Minute}, nil
	}

	period = strings.ToLower(strings.TrimSpace(period))
	window, ok := periods[period]
	if !ok {
		window, err = time.ParseDuration(period)
		if err != nil {
			return RateLimit{}, fmt.Errorf("rate limit %q: unknown period %q", s, period)
		}
	}
	if window <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: period must be positive", s)
	}
	return RateLimit{Requests: n, Window: window}, nil
}

// RateLimitValue is the document form of a rate limit. It accepts either a
// string ("100/minute") or an integer (100) in YAML and JSON.
type RateLimitValue string

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *RateLimitValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rate_limit must be a string or an integer", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!str", "!!float":
		*v = RateLimitValue(node.Value)
		return nil
	case "!!null":
		*v = ""
		return nil
	}
	return fmt.Errorf("line %d: rate_limit must be a string or an integer", node.Line)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *RateLimitValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = RateLimitValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("rate_limit must be a string or an integer")
	}
	*v = RateLimitValue(n.String())
	return nil
}
