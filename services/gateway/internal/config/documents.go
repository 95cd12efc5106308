package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// ServicesDocument is the on-disk service registry.
type ServicesDocument struct {
	Services     map[string]ServiceEntry `yaml:"services" json:"services"`
	DirectRoutes map[string]string       `yaml:"direct_routes,omitempty" json:"direct_routes,omitempty"`
}

// ServiceEntry is one backend in the service registry document.
type ServiceEntry struct {
	URL         string            `yaml:"url" json:"url"`
	HealthCheck string            `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Timeout     *float64          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimit   RateLimitValue    `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Credentials *CredentialsEntry `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// CredentialsEntry configures OAuth2 client credentials for calls to a backend.
// The secret itself is read from the named environment variable.
type CredentialsEntry struct {
	TokenURL        string   `yaml:"token_url" json:"token_url"`
	ClientID        string   `yaml:"client_id" json:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env" json:"client_secret_env"`
	Scopes          []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// RBACDocument is the on-disk RBAC policy.
type RBACDocument struct {
	Roles              map[string]RoleEntry              `yaml:"roles" json:"roles"`
	Routes             map[string]RouteEntry             `yaml:"routes,omitempty" json:"routes,omitempty"`
	ServicePermissions map[string]ServicePermissionEntry `yaml:"service_permissions,omitempty" json:"service_permissions,omitempty"`
}

// RoleEntry is one role in the RBAC document.
type RoleEntry struct {
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Inherits    []string `yaml:"inherits,omitempty" json:"inherits,omitempty"`
}

// RouteEntry is one route policy in the RBAC document.
type RouteEntry struct {
	Methods   []string       `yaml:"methods" json:"methods"`
	Roles     []string       `yaml:"roles,omitempty" json:"roles,omitempty"`
	Service   string         `yaml:"service,omitempty" json:"service,omitempty"`
	Public    bool           `yaml:"public,omitempty" json:"public,omitempty"`
	RateLimit RateLimitValue `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// ServicePermissionEntry lists the roles holding each action on a service.
type ServicePermissionEntry struct {
	Read   []string `yaml:"read,omitempty" json:"read,omitempty"`
	Write  []string `yaml:"write,omitempty" json:"write,omitempty"`
	Delete []string `yaml:"delete,omitempty" json:"delete,omitempty"`
	Admin  []string `yaml:"admin,omitempty" json:"admin,omitempty"`
}

func (e ServicePermissionEntry) byAction() map[Action][]string {
	return map[Action][]string{
		ActionRead:   e.Read,
		ActionWrite:  e.Write,
		ActionDelete: e.Delete,
		ActionAdmin:  e.Admin,
	}
}

// decodeStrict decodes a YAML document, rejecting unknown keys and empty input.
func decodeStrict(doc []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("document is empty")
		}
		return err
	}
	return nil
}

// ParseServicesDocument decodes a service registry document.
func ParseServicesDocument(doc []byte) (ServicesDocument, error) {
	var d ServicesDocument
	if err := decodeStrict(doc, &d); err != nil {
		return ServicesDocument{}, &ConfigError{Document: "services", Problems: []string{"parse: " + err.Error()}}
	}
	return d, nil
}

// ParseRBACDocument decodes an RBAC policy document.
func ParseRBACDocument(doc []byte) (RBACDocument, error) {
	var d RBACDocument
	if err := decodeStrict(doc, &d); err != nil {
		return RBACDocument{}, &ConfigError{Document: "rbac", Problems: []string{"parse: " + err.Error()}}
	}
	return d, nil
}

// Marshal renders the registry document as YAML.
func (d ServicesDocument) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Marshal renders the policy document as YAML.
func (d RBACDocument) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Clone returns a deep copy safe to mutate.
func (d ServicesDocument) Clone() ServicesDocument {
	out := ServicesDocument{
		Services:     make(map[string]ServiceEntry, len(d.Services)),
		DirectRoutes: maps.Clone(d.DirectRoutes),
	}
	for name, e := range d.Services {
		out.Services[name] = e.clone()
	}
	return out
}

func (e ServiceEntry) clone() ServiceEntry {
	if e.Timeout != nil {
		t := *e.Timeout
		e.Timeout = &t
	}
	if e.Enabled != nil {
		b := *e.Enabled
		e.Enabled = &b
	}
	if e.Credentials != nil {
		c := *e.Credentials
		c.Scopes = slices.Clone(c.Scopes)
		e.Credentials = &c
	}
	return e
}

// Clone returns a deep copy safe to mutate.
func (d RBACDocument) Clone() RBACDocument {
	out := RBACDocument{
		Roles:              make(map[string]RoleEntry, len(d.Roles)),
		Routes:             make(map[string]RouteEntry, len(d.Routes)),
		ServicePermissions: make(map[string]ServicePermissionEntry, len(d.ServicePermissions)),
	}
	for name, r := range d.Roles {
		r.Permissions = slices.Clone(r.Permissions)
		r.Inherits = slices.Clone(r.Inherits)
		out.Roles[name] = r
	}
	for pattern, r := range d.Routes {
		r.Methods = slices.Clone(r.Methods)
		r.Roles = slices.Clone(r.Roles)
		out.Routes[pattern] = r
	}
	for svc, sp := range d.ServicePermissions {
		out.ServicePermissions[svc] = ServicePermissionEntry{
			Read:   slices.Clone(sp.Read),
			Write:  slices.Clone(sp.Write),
			Delete: slices.Clone(sp.Delete),
			Admin:  slices.Clone(sp.Admin),
		}
	}
	return out
}
