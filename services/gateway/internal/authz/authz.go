// Package authz decides whether a principal may call a route. Decisions are
// pure functions of the policy snapshot and the principal.
package authz

import (
	"fmt"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// Reason explains a denial.
type Reason string

const (
	NoMatchingRoute         Reason = "NoMatchingRoute"
	RoleNotPermitted        Reason = "RoleNotPermitted"
	ServicePermissionDenied Reason = "ServicePermissionDenied"
)

// Decision is the result of Authorize.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Route is the matched policy. It may be nil for an allowed superadmin.
	Route  *config.RoutePolicy
	Action config.Action
	detail string
}

// Err converts a denial into the caller-facing error; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var code gwerrors.Code
	switch d.Reason {
	case NoMatchingRoute:
		code = gwerrors.CodeNoMatchingRoute
	case RoleNotPermitted:
		code = gwerrors.CodeRoleNotPermitted
	default:
		code = gwerrors.CodeServicePermissionDenied
	}
	return gwerrors.New(code, d.detail)
}

// Authorize evaluates p calling method on path, targeting service:
//
//  1. "*" in the principal's permissions allows unconditionally.
//  2. The most specific route policy covering path must exist, target
//     service and list method.
//  3. The principal's role, or a role it inherits, must be listed on it.
//  4. The role lineage must hold the method's action on service, either in
//     the service permission table or through a permission grant.
func Authorize(policy *config.Policy, p *auth.Principal, path, method, service string) Decision {
	action := config.ActionForMethod(method)
	route, matched := policy.Match(path)

	if p.IsSuperadmin() {
		return Decision{Allowed: true, Route: route, Action: action}
	}

	if !matched || route.Service != service || !route.AllowsMethod(method) {
		return Decision{
			Reason: NoMatchingRoute,
			Route:  route,
			Action: action,
			detail: fmt.Sprintf("no route policy allows %s %s", method, path),
		}
	}

	if !route.AllowsAnyRole(p.Roles) {
		return Decision{
			Reason: RoleNotPermitted,
			Route:  route,
			Action: action,
			detail: fmt.Sprintf("role %q may not call %s", p.Role, route.Pattern),
		}
	}

	if !policy.ServiceGrants(service, action, p.Roles) && !p.Permissions.Allows(service, action) {
		return Decision{
			Reason: ServicePermissionDenied,
			Route:  route,
			Action: action,
			detail: fmt.Sprintf("role %q lacks %s permission on %q", p.Role, action, service),
		}
	}

	return Decision{Allowed: true, Route: route, Action: action}
}
