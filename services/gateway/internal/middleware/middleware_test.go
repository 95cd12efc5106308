package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
)

func bufferLogger() (*logger.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: buf}), buf
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-42", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\twith spaces")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "bad id\twith spaces", seen)
}

func TestRecovery(t *testing.T) {
	log, buf := bufferLogger()
	h := Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body gwerrors.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, gwerrors.CodeInternal, body.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
	assert.Contains(t, buf.String(), "boom")
}

func TestLogging(t *testing.T) {
	log, buf := bufferLogger()
	h := Logging(log, "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	out := buf.String()
	assert.Contains(t, out, `"/brew"`)
	assert.Contains(t, out, "418")

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Empty(t, buf.String())
}

func TestSecurity(t *testing.T) {
	rec := httptest.NewRecorder()
	Security()(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestTracing_PassesThrough(t *testing.T) {
	called := false
	h := Tracing(TracingConfig{ServiceName: "test", SkipPaths: []string{"/health"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusAccepted)
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

const testSecret = "0123456789abcdef0123456789abcdef"

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	services, err := config.ParseServicesDocument([]byte("services:\n  ingest:\n    url: http://ingest:8000\n"))
	require.NoError(t, err)
	rbac, err := config.ParseRBACDocument([]byte(`
roles:
  admin:
    permissions: ["*"]
  user:
    permissions: ["ingest:read"]
`))
	require.NoError(t, err)
	snap, err := config.NewLoader(config.RateLimit{Requests: 10, Window: time.Minute}).Build(services, rbac)
	require.NoError(t, err)
	return snap
}

func TestAuthenticateAndRequireSuperadmin(t *testing.T) {
	snap := testSnapshot(t)
	tokens := auth.NewHMACTokenManager([]byte(testSecret), auth.TokenConfig{TTL: time.Hour})
	log, _ := bufferLogger()

	var principal *auth.Principal
	h := Authenticate(AuthConfig{Tokens: tokens, Snapshot: func() *config.Snapshot { return snap }, Logger: log})(
		RequireSuperadmin(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ = auth.PrincipalFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/services", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	issue := func(username, role string) string {
		issued, err := tokens.Issue(username, role, 0)
		require.NoError(t, err)
		return issued.Token
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("x.y.z").Code)

	rec := call(issue("alice", "user"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), string(gwerrors.CodeRoleNotPermitted)))

	rec = call(issue("root", "admin"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "root", principal.Username)
}
