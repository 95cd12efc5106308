package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// Principal is the caller identity derived from a verified token. It lives
// for one request.
type Principal struct {
	Username    string
	Role        string
	Roles       []string // Role followed by every inherited role
	Permissions config.PermissionSet
	ExpiresAt   time.Time
	TokenID     string
}

// IsSuperadmin reports whether the principal holds "*".
func (p *Principal) IsSuperadmin() bool {
	return p.Permissions.IsSuperadmin()
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// It returns MISSING_CREDENTIALS when the header is absent and
// TOKEN_MALFORMED when it is not a bearer credential.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", gwerrors.MissingCredentials("missing bearer token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", gwerrors.TokenMalformed("authorization header must be \"Bearer <token>\"")
	}
	return strings.TrimSpace(token), nil
}
