package config

import (
	"time"
)

// Snapshot is an immutable, consistent view of the registry and policy.
// Readers hold on to one snapshot for the whole request.
type Snapshot struct {
	Registry         *Registry
	Policy           *Policy
	DefaultRateLimit RateLimit

	// The documents the snapshot was built from, kept for admin edits.
	ServicesDoc ServicesDocument
	RBACDoc     RBACDocument

	Version  uint64
	LoadedAt time.Time
	// Fallbacks names the documents that came from embedded defaults.
	Fallbacks []string
}

// Build validates both documents together and returns a snapshot.
func (l *Loader) Build(services ServicesDocument, rbac RBACDocument) (*Snapshot, error) {
	reg, err := l.BuildRegistry(services)
	if err != nil {
		return nil, err
	}
	pol, err := l.BuildPolicy(rbac, reg)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Registry:         reg,
		Policy:           pol,
		DefaultRateLimit: l.DefaultRateLimit,
		ServicesDoc:      services,
		RBACDoc:          rbac,
		LoadedAt:         time.Now(),
	}, nil
}

// ResolveRole returns the lineage and effective permissions of a role.
func (s *Snapshot) ResolveRole(name string) (lineage []string, perms PermissionSet, ok bool) {
	r, ok := s.Policy.Role(name)
	if !ok {
		return nil, nil, false
	}
	return r.Lineage, r.Effective, true
}

// RateLimitFor returns the limit applying to a request on svc. route is nil
// when no policy matched, which only happens for superadmin callers.
func (s *Snapshot) RateLimitFor(route *RoutePolicy, svc *ServiceDescriptor) RateLimit {
	if route != nil && !route.RateLimit.IsZero() {
		return route.RateLimit
	}
	if svc != nil && !svc.RateLimit.IsZero() {
		return svc.RateLimit
	}
	return s.DefaultRateLimit
}
