package middleware

import (
	"net/http"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
)

// TokenVerifier verifies bearer tokens against the active policy.
type TokenVerifier interface {
	Verify(token string, roles auth.RoleResolver) (*auth.Principal, error)
}

// AuthConfig holds authentication middleware configuration.
type AuthConfig struct {
	Tokens TokenVerifier
	// Snapshot returns the policy snapshot roles are resolved against.
	Snapshot func() *config.Snapshot
	Logger   *logger.Logger
}

// Authenticate returns middleware that requires a valid bearer token and
// stores the principal in the request context.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err == nil {
				var p *auth.Principal
				if p, err = cfg.Tokens.Verify(token, cfg.Snapshot()); err == nil {
					ctx := logger.WithUserID(auth.WithPrincipal(r.Context(), p), p.Username)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			log.WarnContext(r.Context(), "authentication failed",
				"code", string(gwerrors.GetCode(err)),
				"path", r.URL.Path,
			)
			gwerrors.WriteHTTP(w, err)
		})
	}
}

// RequireSuperadmin rejects principals that do not hold "*". It must run
// after Authenticate.
func RequireSuperadmin(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				gwerrors.WriteHTTP(w, gwerrors.MissingCredentials("authentication required"))
				return
			}
			if !p.IsSuperadmin() {
				log.WarnContext(r.Context(), "admin access denied", "principal", p.Username, "role", p.Role)
				gwerrors.WriteHTTP(w, gwerrors.New(gwerrors.CodeRoleNotPermitted, "superadmin permission required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
