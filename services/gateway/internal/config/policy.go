package config

import (
	"net/http"
	"slices"
	"sort"
	"strings"
)

// Role is a validated role with its inheritance resolved.
type Role struct {
	Name        string
	Description string
	Permissions PermissionSet // declared on this role only
	Inherits    []string

	// Lineage is the role followed by every role it inherits, transitively,
	// in depth-first order without duplicates.
	Lineage []string
	// Effective is the union of Permissions over Lineage.
	Effective PermissionSet
}

type matchKind int

const (
	// matchSubtree matches the prefix itself and everything below it. Plain
	// patterns and "/**" patterns both match this way.
	matchSubtree matchKind = iota
	// matchSegment matches exactly one path segment below the prefix.
	matchSegment
)

// RoutePolicy binds a path pattern and method set to roles and a service.
type RoutePolicy struct {
	Pattern   string
	Methods   []string
	Roles     []string
	Service   string
	Public    bool
	RateLimit RateLimit // effective limit, never zero

	prefix string
	kind   matchKind
}

// Matches reports whether path falls under the policy's pattern.
func (p *RoutePolicy) Matches(path string) bool {
	switch p.kind {
	case matchSegment:
		rest, ok := strings.CutPrefix(path, strings.TrimSuffix(p.prefix, "/")+"/")
		return ok && rest != "" && !strings.Contains(rest, "/")
	default:
		return p.prefix == "/" || path == p.prefix || strings.HasPrefix(path, p.prefix+"/")
	}
}

// AllowsMethod reports whether method is in the policy's method set.
func (p *RoutePolicy) AllowsMethod(method string) bool {
	return slices.Contains(p.Methods, strings.ToUpper(method))
}

// AllowsAnyRole reports whether any of roles is listed on the policy.
func (p *RoutePolicy) AllowsAnyRole(roles []string) bool {
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// moreSpecific orders policies so the first match is the longest prefix;
// at equal prefix length a single-segment pattern beats a subtree.
func moreSpecific(a, b *RoutePolicy) bool {
	if len(a.prefix) != len(b.prefix) {
		return len(a.prefix) > len(b.prefix)
	}
	if a.kind != b.kind {
		return a.kind == matchSegment
	}
	return a.Pattern < b.Pattern
}

// normalizePattern strips trailing "/**" and "/" and reports the match kind.
func normalizePattern(pattern string) (prefix string, kind matchKind) {
	p := strings.TrimSpace(pattern)
	switch {
	case strings.HasSuffix(p, "/**"):
		p = strings.TrimSuffix(p, "/**")
	case strings.HasSuffix(p, "/*"):
		p = strings.TrimSuffix(p, "/*")
		kind = matchSegment
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p, kind
}

// serviceFromPattern returns the <service> of an /api/<service>/... prefix.
func serviceFromPattern(prefix string) string {
	rest, ok := strings.CutPrefix(prefix, "/api/")
	if !ok {
		return ""
	}
	svc, _, _ := strings.Cut(rest, "/")
	if strings.ContainsAny(svc, "*") {
		return ""
	}
	return svc
}

// Policy is the validated RBAC policy.
type Policy struct {
	Roles map[string]*Role
	// Routes is sorted most specific first.
	Routes []*RoutePolicy
	// ServicePermissions maps service -> action -> roles holding it.
	ServicePermissions map[string]map[Action][]string
}

// Match returns the most specific policy whose pattern covers path.
func (p *Policy) Match(path string) (*RoutePolicy, bool) {
	for _, rp := range p.Routes {
		if rp.Matches(path) {
			return rp, true
		}
	}
	return nil, false
}

// Role returns the named role.
func (p *Policy) Role(name string) (*Role, bool) {
	r, ok := p.Roles[name]
	return r, ok
}

// ServiceGrants reports whether any of roles holds action on service in the
// service permission table.
func (p *Policy) ServiceGrants(service string, action Action, roles []string) bool {
	holders := p.ServicePermissions[service][action]
	for _, r := range roles {
		if slices.Contains(holders, r) {
			return true
		}
	}
	return false
}

var validMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// LoadRBAC parses and validates an RBAC document against reg.
func (l *Loader) LoadRBAC(raw []byte, reg *Registry) (*Policy, error) {
	doc, err := ParseRBACDocument(raw)
	if err != nil {
		return nil, err
	}
	return l.BuildPolicy(doc, reg)
}

// BuildPolicy validates doc against reg. Every problem is reported; nothing
// is returned unless the whole document is valid.
func (l *Loader) BuildPolicy(doc RBACDocument, reg *Registry) (*Policy, error) {
	p := &problems{document: "rbac"}
	pol := &Policy{
		Roles:              make(map[string]*Role, len(doc.Roles)),
		ServicePermissions: make(map[string]map[Action][]string, len(doc.ServicePermissions)),
	}

	if len(doc.Roles) == 0 {
		p.addf("roles: at least one role is required")
	}

	for _, name := range sortedKeys(doc.Roles) {
		entry := doc.Roles[name]
		role := &Role{Name: name, Description: entry.Description, Inherits: slices.Clone(entry.Inherits)}

		perms := make([]Permission, 0, len(entry.Permissions))
		for _, s := range entry.Permissions {
			perm, err := ParsePermission(s)
			if err != nil {
				p.addf("roles.%s.permissions: %v", name, err)
				continue
			}
			if perm.Service != Wildcard {
				if _, ok := reg.Services[perm.Service]; !ok {
					p.addf("roles.%s.permissions: %q names unknown service %q", name, s, perm.Service)
				}
			}
			perms = append(perms, perm)
		}
		role.Permissions = NewPermissionSet(perms...)

		for _, parent := range entry.Inherits {
			if _, ok := doc.Roles[parent]; !ok {
				p.addf("roles.%s.inherits: unknown role %q", name, parent)
			}
		}
		pol.Roles[name] = role
	}

	if cycle := findInheritanceCycle(doc.Roles); cycle != nil {
		p.addf("roles: inheritance cycle %s", strings.Join(cycle, " -> "))
	} else if len(p.list) == 0 {
		for _, role := range pol.Roles {
			role.Lineage = lineage(role.Name, pol.Roles)
			var eff PermissionSet
			for _, r := range role.Lineage {
				eff = eff.Union(pol.Roles[r].Permissions)
			}
			role.Effective = eff
		}
	}

	seen := make(map[string]string, len(doc.Routes))
	for _, pattern := range sortedKeys(doc.Routes) {
		entry := doc.Routes[pattern]
		field := "routes." + pattern
		prefix, kind := normalizePattern(pattern)
		rp := &RoutePolicy{Pattern: pattern, Service: entry.Service, Public: entry.Public, prefix: prefix, kind: kind}

		if !strings.HasPrefix(pattern, "/") {
			p.addf("%s: pattern must start with /", field)
		}
		key := prefix
		if kind == matchSegment {
			key += "/*"
		}
		if other, dup := seen[key]; dup {
			p.addf("%s: conflicts with route %q (same normalized pattern)", field, other)
		}
		seen[key] = pattern

		derived := serviceFromPattern(prefix)
		switch {
		case rp.Service == "" && derived == "":
			p.addf("%s: service is required when the pattern is not under /api/<service>", field)
		case rp.Service == "":
			rp.Service = derived
		case derived != "" && derived != rp.Service:
			p.addf("%s: service %q contradicts the pattern's service %q", field, rp.Service, derived)
		}
		svc, ok := reg.Lookup(rp.Service)
		if !ok {
			p.addf("%s.service: unknown service %q", field, rp.Service)
		} else {
			rp.Service = svc.Name
		}

		if len(entry.Methods) == 0 {
			p.addf("%s.methods: at least one method is required", field)
		}
		for _, m := range entry.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if !slices.Contains(validMethods, m) {
				p.addf("%s.methods: unsupported method %q", field, m)
				continue
			}
			if slices.Contains(rp.Methods, m) {
				p.addf("%s.methods: %s listed twice", field, m)
				continue
			}
			rp.Methods = append(rp.Methods, m)
		}
		sort.Strings(rp.Methods)

		if len(entry.Roles) == 0 && !entry.Public {
			p.addf("%s.roles: at least one role is required unless the route is public", field)
		}
		for _, r := range entry.Roles {
			if _, ok := doc.Roles[r]; !ok {
				p.addf("%s.roles: unknown role %q", field, r)
			}
		}
		rp.Roles = slices.Clone(entry.Roles)

		switch {
		case entry.RateLimit != "":
			rl, err := ParseRateLimit(string(entry.RateLimit))
			if err != nil {
				p.addf("%s.rate_limit: %v", field, err)
			}
			rp.RateLimit = rl
		case svc != nil && !svc.RateLimit.IsZero():
			rp.RateLimit = svc.RateLimit
		default:
			rp.RateLimit = l.DefaultRateLimit
		}

		pol.Routes = append(pol.Routes, rp)
	}
	sort.Slice(pol.Routes, func(i, j int) bool { return moreSpecific(pol.Routes[i], pol.Routes[j]) })

	for _, service := range sortedKeys(doc.ServicePermissions) {
		field := "service_permissions." + service
		if _, ok := reg.Services[service]; !ok {
			p.addf("%s: unknown service %q", field, service)
		}
		byAction := doc.ServicePermissions[service].byAction()
		table := make(map[Action][]string, len(byAction))
		for _, action := range Actions {
			for _, r := range byAction[action] {
				if _, ok := doc.Roles[r]; !ok {
					p.addf("%s.%s: unknown role %q", field, action, r)
				}
			}
			if len(byAction[action]) > 0 {
				table[action] = slices.Clone(byAction[action])
			}
		}
		pol.ServicePermissions[service] = table
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return pol, nil
}

// findInheritanceCycle runs a depth-first search over the inherits graph
// and returns the first cycle found, closed on its starting role.
func findInheritanceCycle(roles map[string]RoleEntry) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(roles))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = onStack
		stack = append(stack, name)
		for _, parent := range roles[name].Inherits {
			if _, ok := roles[parent]; !ok {
				continue
			}
			switch state[parent] {
			case onStack:
				start := slices.Index(stack, parent)
				cycle := slices.Clone(stack[start:])
				return append(cycle, parent)
			case unvisited:
				if c := visit(parent); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range sortedKeys(roles) {
		if state[name] == unvisited {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}

// lineage returns name followed by all roles it inherits. The graph must be
// acyclic.
func lineage(name string, roles map[string]*Role) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		if r, ok := roles[n]; ok {
			for _, parent := range r.Inherits {
				walk(parent)
			}
		}
	}
	walk(name)
	return out
}
