// Package auth issues and verifies the gateway's session tokens and checks
// login passwords.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// Claims are the claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenConfig configures the TokenManager. Either Secret (HS256) or both
// key paths (RS256) must be set.
type TokenConfig struct {
	Secret         string        `mapstructure:"jwt_secret"`
	PrivateKeyPath string        `mapstructure:"private_key_file"`
	PublicKeyPath  string        `mapstructure:"public_key_file"`
	TTL            time.Duration `mapstructure:"token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
}

// RoleResolver resolves a role name against the active policy.
// *config.Snapshot implements it.
type RoleResolver interface {
	ResolveRole(name string) (lineage []string, perms config.PermissionSet, ok bool)
}

// TokenManager signs and verifies stateless session tokens.
type TokenManager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	ttl       time.Duration
	issuer    string
	now       func() time.Time
}

// NewTokenManager builds a TokenManager from cfg. There is no built-in key.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}

	switch {
	case cfg.PrivateKeyPath != "" || cfg.PublicKeyPath != "":
		privateKey, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading private key: %w", err)
		}
		publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading public key: %w", err)
		}
		if !ValidateKeyPair(privateKey, publicKey) {
			return nil, fmt.Errorf("private and public keys do not match")
		}
		return NewRSATokenManager(privateKey, publicKey, cfg), nil
	case cfg.Secret != "":
		if len(cfg.Secret) < 32 {
			return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
		}
		return NewHMACTokenManager([]byte(cfg.Secret), cfg), nil
	default:
		return nil, fmt.Errorf("no signing key configured: set auth.jwt_secret or auth.private_key_file/public_key_file")
	}
}

// NewHMACTokenManager returns an HS256 manager.
func NewHMACTokenManager(secret []byte, cfg TokenConfig) *TokenManager {
	return &TokenManager{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		ttl:       cfg.TTL,
		issuer:    cfg.Issuer,
		now:       time.Now,
	}
}

// NewRSATokenManager returns an RS256 manager.
func NewRSATokenManager(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, cfg TokenConfig) *TokenManager {
	return &TokenManager{
		method:    jwt.SigningMethodRS256,
		signKey:   privateKey,
		verifyKey: publicKey,
		ttl:       cfg.TTL,
		issuer:    cfg.Issuer,
		now:       time.Now,
	}
}

// SetClock replaces the manager's time source. Tests use it.
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// TTL returns the default token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// IssuedToken is a signed token and its expiry.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
	ID        string
}

// Issue signs a token for username with role, valid for ttl. A
// non-positive ttl uses the configured default.
func (m *TokenManager) Issue(username, role string, ttl time.Duration) (*IssuedToken, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	expiresAt := now.Add(ttl)
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   username,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &IssuedToken{Token: signed, ExpiresAt: expiresAt, ID: jti}, nil
}

// Verify checks the token's signature and expiry and resolves its role
// against roles. It returns TOKEN_EXPIRED or TOKEN_MALFORMED on failure.
func (m *TokenManager) Verify(token string, roles RoleResolver) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gwerrors.TokenExpired("token has expired")
		}
		return nil, gwerrors.TokenMalformed("token is malformed or has an invalid signature").Wrap(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.Role == "" {
		return nil, gwerrors.TokenMalformed("token is missing required claims")
	}

	lineage, perms, ok := roles.ResolveRole(claims.Role)
	if !ok {
		return nil, gwerrors.TokenMalformed(fmt.Sprintf("token role %q is not defined", claims.Role))
	}

	return &Principal{
		Username:    claims.Subject,
		Role:        claims.Role,
		Roles:       lineage,
		Permissions: perms,
		ExpiresAt:   claims.ExpiresAt.Time,
		TokenID:     claims.ID,
	}, nil
}
