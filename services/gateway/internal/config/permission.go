package config

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Action is a right a role may hold on a service.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Wildcard matches every service or every action inside a permission.
const Wildcard = "*"

// Actions lists every valid action.
var Actions = []Action{ActionRead, ActionWrite, ActionDelete, ActionAdmin}

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// ActionForMethod returns the action an HTTP method implies on a service.
func ActionForMethod(method string) Action {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionWrite
	}
}

// Permission grants Action on Service. Either field may be Wildcard.
type Permission struct {
	Service string
	Action  Action
}

// All is the superadmin permission, written "*" in documents.
var All = Permission{Service: Wildcard, Action: Wildcard}

// ParsePermission parses "*", "<service>:<action>", "<service>:*" or
// "*:<action>".
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return All, nil
	}

	service, action, ok := strings.Cut(s, ":")
	if !ok || service == "" || action == "" {
		return Permission{}, fmt.Errorf("permission %q must be \"*\" or \"<service>:<action>\"", s)
	}
	if action == Wildcard {
		return Permission{Service: service, Action: Wildcard}, nil
	}
	a, err := ParseAction(action)
	if err != nil {
		return Permission{}, fmt.Errorf("permission %q: %w", s, err)
	}
	return Permission{Service: service, Action: a}, nil
}

// String renders the permission in document form.
func (p Permission) String() string {
	if p == All {
		return Wildcard
	}
	return p.Service + ":" + string(p.Action)
}

// Grants reports whether p covers action on service.
func (p Permission) Grants(service string, action Action) bool {
	return (p.Service == Wildcard || p.Service == service) &&
		(p.Action == Wildcard || p.Action == action)
}

// PermissionSet is a sorted, duplicate-free set of permissions.
type PermissionSet []Permission

// NewPermissionSet builds a set from ps.
func NewPermissionSet(ps ...Permission) PermissionSet {
	seen := make(map[Permission]struct{}, len(ps))
	out := make(PermissionSet, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Union returns a set holding the permissions of s and other.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	merged := make([]Permission, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewPermissionSet(merged...)
}

// IsSuperadmin reports whether the set contains "*".
func (s PermissionSet) IsSuperadmin() bool {
	for _, p := range s {
		if p == All {
			return true
		}
	}
	return false
}

// Allows reports whether any permission in the set grants action on service.
func (s PermissionSet) Allows(service string, action Action) bool {
	for _, p := range s {
		if p.Grants(service, action) {
			return true
		}
	}
	return false
}

// Contains reports whether every grant of other is covered by s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	for _, p := range other {
		if !s.Allows(p.Service, p.Action) {
			return false
		}
	}
	return true
}

// Strings renders the set in document form.
func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.String()
	}
	return out
}
