package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

const testServices = `
services:
  documents:
    url: http://documents:8000
  ingest:
    url: http://ingest:8000
`

const testRBAC = `
roles:
  admin:
    permissions: ["*"]
  viewer:
    permissions: ["documents:read"]
  user:
    permissions: ["ingest:write"]
    inherits: [viewer]
`

func snapshotFor(t *testing.T, rbac string) *config.Snapshot {
	t.Helper()
	services, err := config.ParseServicesDocument([]byte(testServices))
	require.NoError(t, err)
	policy, err := config.ParseRBACDocument([]byte(rbac))
	require.NoError(t, err)
	snap, err := config.NewLoader(config.RateLimit{Requests: 100, Window: time.Minute}).Build(services, policy)
	require.NoError(t, err)
	return snap
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*TokenManager, *fakeClock) {
	t.Helper()
	m := NewHMACTokenManager([]byte(testSecret), TokenConfig{TTL: time.Hour, Issuer: "casgate"})
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.SetClock(clock.Now)
	return m, clock
}

func TestTokenRoundTrip(t *testing.T) {
	snap := snapshotFor(t, testRBAC)
	m, _ := newTestManager(t)

	for _, ttl := range []time.Duration{time.Second, time.Minute, 24 * time.Hour} {
		t.Run(ttl.String(), func(t *testing.T) {
			issued, err := m.Issue("alice", "user", ttl)
			require.NoError(t, err)

			p, err := m.Verify(issued.Token, snap)
			require.NoError(t, err)
			assert.Equal(t, "alice", p.Username)
			assert.Equal(t, "user", p.Role)
			assert.Equal(t, []string{"user", "viewer"}, p.Roles)
			assert.Equal(t, []string{"documents:read", "ingest:write"}, p.Permissions.Strings())
			assert.Equal(t, issued.ExpiresAt.Unix(), p.ExpiresAt.Unix())
			assert.Equal(t, issued.ID, p.TokenID)
			assert.False(t, p.IsSuperadmin())
		})
	}
}

func TestVerify_ExpiredAfterTTL(t *testing.T) {
	snap := snapshotFor(t, testRBAC)
	m, clock := newTestManager(t)

	issued, err := m.Issue("alice", "user", time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = m.Verify(issued.Token, snap)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, err = m.Verify(issued.Token, snap)
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeTokenExpired), "got %v", err)
}

func TestVerify_Malformed(t *testing.T) {
	snap := snapshotFor(t, testRBAC)
	m, _ := newTestManager(t)
	issued, err := m.Issue("alice", "user", time.Minute)
	require.NoError(t, err)

	other := NewHMACTokenManager([]byte(strings.Repeat("x", 32)), TokenConfig{TTL: time.Hour, Issuer: "casgate"})
	forged, err := other.Issue("alice", "admin", time.Minute)
	require.NoError(t, err)

	parts := strings.Split(issued.Token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             "admin",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	unknownRole, err := m.Issue("alice", "ghost", time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":       "not-a-token",
		"wrong key":     forged.Token,
		"tampered body": tampered,
		"alg none":      noneToken,
		"unknown role":  unknownRole.Token,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Verify(token, snap)
			assert.True(t, gwerrors.IsCode(err, gwerrors.CodeTokenMalformed), "got %v", err)
		})
	}
}

func TestVerify_InheritedGrantIsVisibleWithoutTouchingChild(t *testing.T) {
	m, _ := newTestManager(t)
	issued, err := m.Issue("alice", "user", time.Hour)
	require.NoError(t, err)

	before, err := m.Verify(issued.Token, snapshotFor(t, testRBAC))
	require.NoError(t, err)
	assert.False(t, before.Permissions.Allows("documents", config.ActionWrite))

	// Only the parent role changes.
	widened := strings.Replace(testRBAC, `["documents:read"]`, `["documents:read", "documents:write"]`, 1)
	after, err := m.Verify(issued.Token, snapshotFor(t, widened))
	require.NoError(t, err)
	assert.True(t, after.Permissions.Allows("documents", config.ActionWrite))
	assert.True(t, after.Permissions.Contains(before.Permissions))
}

func TestRSATokenManager(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644))

	m, err := NewTokenManager(TokenConfig{PrivateKeyPath: privPath, PublicKeyPath: pubPath, TTL: time.Hour})
	require.NoError(t, err)

	issued, err := m.Issue("bob", "admin", 0)
	require.NoError(t, err)
	p, err := m.Verify(issued.Token, snapshotFor(t, testRBAC))
	require.NoError(t, err)
	assert.True(t, p.IsSuperadmin())

	// An HS256 token signed with the public key bytes must not verify.
	hmacWithPub := NewHMACTokenManager(pubDER, TokenConfig{TTL: time.Hour})
	confused, err := hmacWithPub.Issue("bob", "admin", 0)
	require.NoError(t, err)
	_, err = m.Verify(confused.Token, snapshotFor(t, testRBAC))
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeTokenMalformed))
}

func TestNewTokenManager_RequiresKey(t *testing.T) {
	_, err := NewTokenManager(TokenConfig{TTL: time.Hour})
	assert.Error(t, err)

	_, err = NewTokenManager(TokenConfig{Secret: "short", TTL: time.Hour})
	assert.Error(t, err)

	_, err = NewTokenManager(TokenConfig{Secret: testSecret})
	assert.Error(t, err)

	m, err := NewTokenManager(TokenConfig{Secret: testSecret, TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, m.TTL())
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		code   gwerrors.Code
	}{
		{"", "", gwerrors.CodeMissingCredentials},
		{"Bearer abc.def.ghi", "abc.def.ghi", ""},
		{"bearer abc", "abc", ""},
		{"Basic dXNlcjpwYXNz", "", gwerrors.CodeTokenMalformed},
		{"Bearer ", "", gwerrors.CodeTokenMalformed},
		{"abc", "", gwerrors.CodeTokenMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			token, err := BearerToken(r)
			if tt.code != "" {
				assert.True(t, gwerrors.IsCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.token, token)
		})
	}
}
