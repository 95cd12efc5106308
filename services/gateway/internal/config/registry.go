package config

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultHealthPath is used when a service does not set health_check.
const DefaultHealthPath = "/health"

// DefaultServiceTimeout is used when a service does not set timeout.
const DefaultServiceTimeout = 30 * time.Second

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ServiceDescriptor is a validated backend service.
type ServiceDescriptor struct {
	Name        string
	BaseURL     *url.URL
	HealthPath  string
	Timeout     time.Duration
	RateLimit   RateLimit // zero when the service uses the global default
	Enabled     bool
	Description string
	Credentials *CredentialsEntry
}

// HealthURL is the absolute URL polled by the health aggregator.
func (s *ServiceDescriptor) HealthURL() string {
	return strings.TrimRight(s.BaseURL.String(), "/") + s.HealthPath
}

// Registry is the validated service registry.
type Registry struct {
	Services map[string]*ServiceDescriptor
	Aliases  map[string]string
}

// Lookup resolves name, following a direct_routes alias if needed.
func (r *Registry) Lookup(name string) (*ServiceDescriptor, bool) {
	if svc, ok := r.Services[name]; ok {
		return svc, true
	}
	if target, ok := r.Aliases[name]; ok {
		svc, ok := r.Services[target]
		return svc, ok
	}
	return nil, false
}

// Names returns every service name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Services))
	for name := range r.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled services sorted by name.
func (r *Registry) Enabled() []*ServiceDescriptor {
	out := make([]*ServiceDescriptor, 0, len(r.Services))
	for _, name := range r.Names() {
		if svc := r.Services[name]; svc.Enabled {
			out = append(out, svc)
		}
	}
	return out
}

// Loader turns documents into validated registry and policy values.
type Loader struct {
	DefaultTimeout   time.Duration
	DefaultRateLimit RateLimit
}

// NewLoader returns a Loader using defaultRateLimit for services and routes
// that set none.
func NewLoader(defaultRateLimit RateLimit) *Loader {
	return &Loader{DefaultTimeout: DefaultServiceTimeout, DefaultRateLimit: defaultRateLimit}
}

// LoadServices parses and validates a service registry document.
func (l *Loader) LoadServices(raw []byte) (*Registry, error) {
	doc, err := ParseServicesDocument(raw)
	if err != nil {
		return nil, err
	}
	return l.BuildRegistry(doc)
}

// BuildRegistry validates doc. Every problem is reported; nothing is
// returned unless the whole document is valid.
func (l *Loader) BuildRegistry(doc ServicesDocument) (*Registry, error) {
	p := &problems{document: "services"}
	reg := &Registry{
		Services: make(map[string]*ServiceDescriptor, len(doc.Services)),
		Aliases:  make(map[string]string, len(doc.DirectRoutes)),
	}

	if doc.Services == nil {
		p.addf("services: section is required")
	}

	for _, name := range sortedKeys(doc.Services) {
		entry := doc.Services[name]
		field := "services." + name
		svc := &ServiceDescriptor{
			Name:        name,
			HealthPath:  DefaultHealthPath,
			Timeout:     l.DefaultTimeout,
			Enabled:     true,
			Description: entry.Description,
		}

		if !serviceNamePattern.MatchString(name) {
			p.addf("%s: name must match %s", field, serviceNamePattern)
		}

		u, err := url.Parse(entry.URL)
		switch {
		case entry.URL == "":
			p.addf("%s.url: is required", field)
		case err != nil:
			p.addf("%s.url: %v", field, err)
		case !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https"):
			p.addf("%s.url: %q is not an absolute http(s) URL", field, entry.URL)
		default:
			svc.BaseURL = u
		}

		if entry.HealthCheck != "" {
			if !strings.HasPrefix(entry.HealthCheck, "/") {
				p.addf("%s.health_check: %q must start with /", field, entry.HealthCheck)
			}
			svc.HealthPath = entry.HealthCheck
		}

		if entry.Timeout != nil {
			if *entry.Timeout <= 0 {
				p.addf("%s.timeout: must be a positive number of seconds", field)
			} else {
				svc.Timeout = time.Duration(*entry.Timeout * float64(time.Second))
			}
		}

		if entry.RateLimit != "" {
			rl, err := ParseRateLimit(string(entry.RateLimit))
			if err != nil {
				p.addf("%s.rate_limit: %v", field, err)
			}
			svc.RateLimit = rl
		}

		if entry.Enabled != nil {
			svc.Enabled = *entry.Enabled
		}

		if c := entry.Credentials; c != nil {
			if tu, err := url.Parse(c.TokenURL); err != nil || !tu.IsAbs() {
				p.addf("%s.credentials.token_url: %q is not an absolute URL", field, c.TokenURL)
			}
			if c.ClientID == "" || c.ClientSecretEnv == "" {
				p.addf("%s.credentials: client_id and client_secret_env are required", field)
			}
			cc := *c
			svc.Credentials = &cc
		}

		reg.Services[name] = svc
	}

	for _, alias := range sortedKeys(doc.DirectRoutes) {
		target := doc.DirectRoutes[alias]
		if _, clash := doc.Services[alias]; clash {
			p.addf("direct_routes.%s: alias shadows a service of the same name", alias)
		}
		if _, ok := doc.Services[target]; !ok {
			p.addf("direct_routes.%s: unknown service %q", alias, target)
		}
		reg.Aliases[alias] = target
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return reg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
