package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServices = `
services:
  ingest:
    url: http://cas_ingest:8000
    timeout: 30
    rate_limit: 2/minute
    description: Document ingestion
  documents:
    url: https://docs.internal:9000/base/
    health_check: /status
    timeout: 2.5
    rate_limit: 50
  archive:
    url: http://archive:8000
    enabled: false
direct_routes:
  upload: ingest
`

const testRBAC = `
roles:
  admin:
    permissions: ["*"]
  viewer:
    permissions: ["documents:read"]
  user:
    permissions: ["ingest:*"]
    inherits: [viewer]
  lead:
    permissions: []
    inherits: [user]
routes:
  /api/documents:
    methods: [GET, POST, DELETE]
    roles: [user]
  /api/documents/reports/**:
    methods: [GET]
    roles: [viewer]
    rate_limit: 5/second
  /api/documents/*:
    methods: [GET]
    roles: [viewer]
  /api/ingest:
    methods: [get, post]
    roles: [user]
  /api/ingest/health:
    methods: [GET]
    public: true
service_permissions:
  documents:
    read: [user, viewer]
`

func testLoader() *Loader {
	return NewLoader(RateLimit{Requests: 100, Window: time.Minute})
}

func loadTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	l := testLoader()
	reg, err := l.LoadServices([]byte(testServices))
	require.NoError(t, err)
	pol, err := l.LoadRBAC([]byte(testRBAC), reg)
	require.NoError(t, err)
	return &Snapshot{Registry: reg, Policy: pol, DefaultRateLimit: l.DefaultRateLimit}
}

func configProblems(t *testing.T, err error) []string {
	t.Helper()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %v", err)
	return cfgErr.Problems
}

func TestLoadServices(t *testing.T) {
	reg, err := testLoader().LoadServices([]byte(testServices))
	require.NoError(t, err)

	ingest := reg.Services["ingest"]
	require.NotNil(t, ingest)
	assert.Equal(t, "http://cas_ingest:8000/health", ingest.HealthURL())
	assert.Equal(t, 30*time.Second, ingest.Timeout)
	assert.Equal(t, RateLimit{Requests: 2, Window: time.Minute}, ingest.RateLimit)
	assert.True(t, ingest.Enabled)

	docs := reg.Services["documents"]
	assert.Equal(t, "https://docs.internal:9000/base/status", docs.HealthURL())
	assert.Equal(t, 2500*time.Millisecond, docs.Timeout)
	assert.Equal(t, RateLimit{Requests: 50, Window: time.Minute}, docs.RateLimit)

	archive := reg.Services["archive"]
	assert.False(t, archive.Enabled)
	assert.Equal(t, DefaultServiceTimeout, archive.Timeout)
	assert.True(t, archive.RateLimit.IsZero())

	aliased, ok := reg.Lookup("upload")
	require.True(t, ok)
	assert.Equal(t, "ingest", aliased.Name)

	enabled := reg.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "documents", enabled[0].Name)
	assert.Equal(t, "ingest", enabled[1].Name)
}

func TestLoadServices_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		problem string
	}{
		{"zero timeout", "services:\n  a:\n    url: http://a\n    timeout: 0\n", "services.a.timeout"},
		{"negative timeout", "services:\n  a:\n    url: http://a\n    timeout: -3\n", "services.a.timeout"},
		{"zero rate limit", "services:\n  a:\n    url: http://a\n    rate_limit: 0/minute\n", "services.a.rate_limit"},
		{"bad rate period", "services:\n  a:\n    url: http://a\n    rate_limit: 5/fortnight\n", "services.a.rate_limit"},
		{"relative url", "services:\n  a:\n    url: /just/a/path\n", "services.a.url"},
		{"missing url", "services:\n  a:\n    timeout: 3\n", "services.a.url"},
		{"non-http url", "services:\n  a:\n    url: ftp://files\n", "services.a.url"},
		{"bad health path", "services:\n  a:\n    url: http://a\n    health_check: health\n", "services.a.health_check"},
		{"dangling alias", "services:\n  a:\n    url: http://a\ndirect_routes:\n  b: c\n", "direct_routes.b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader().LoadServices([]byte(tt.doc))
			require.Error(t, err)
			problems := configProblems(t, err)
			require.NotEmpty(t, problems)
			assert.Contains(t, problems[0], tt.problem)
		})
	}
}

func TestLoadServices_ReportsEveryProblem(t *testing.T) {
	doc := "services:\n  a:\n    url: nope\n    timeout: 0\n  b:\n    url: http://b\n    rate_limit: -1\n"
	_, err := testLoader().LoadServices([]byte(doc))
	assert.Len(t, configProblems(t, err), 3)
}

func TestLoadServices_Malformed(t *testing.T) {
	for name, doc := range map[string]string{
		"syntax":        "services: [unclosed",
		"unknown field": "services:\n  a:\n    url: http://a\n    timout: 3\n",
		"empty":         "",
		"wrong type":    "services:\n  a:\n    url: http://a\n    timeout: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := testLoader().LoadServices([]byte(doc))
			problems := configProblems(t, err)
			assert.Contains(t, problems[0], "parse")
		})
	}
}

func TestLoadRBAC(t *testing.T) {
	snap := loadTestSnapshot(t)
	pol := snap.Policy

	t.Run("inheritance closure", func(t *testing.T) {
		lead, ok := pol.Role("lead")
		require.True(t, ok)
		assert.Equal(t, []string{"lead", "user", "viewer"}, lead.Lineage)
		assert.True(t, lead.Effective.Allows("documents", ActionRead))
		assert.True(t, lead.Effective.Allows("ingest", ActionDelete))
		assert.False(t, lead.Effective.Allows("documents", ActionDelete))

		viewer, _ := pol.Role("viewer")
		assert.True(t, lead.Effective.Contains(viewer.Effective))
	})

	t.Run("methods are normalized", func(t *testing.T) {
		rp, ok := pol.Match("/api/ingest/batch")
		require.True(t, ok)
		assert.Equal(t, []string{"GET", "POST"}, rp.Methods)
		assert.Equal(t, "ingest", rp.Service)
	})

	t.Run("effective rate limits", func(t *testing.T) {
		rp, _ := pol.Match("/api/ingest/batch")
		assert.Equal(t, RateLimit{Requests: 2, Window: time.Minute}, rp.RateLimit)

		rp, _ = pol.Match("/api/documents/reports/2024/q1")
		assert.Equal(t, RateLimit{Requests: 5, Window: time.Second}, rp.RateLimit)
	})

	t.Run("superadmin permission", func(t *testing.T) {
		admin, _ := pol.Role("admin")
		assert.True(t, admin.Effective.IsSuperadmin())
	})
}

func TestPolicyMatch_LongestPrefix(t *testing.T) {
	pol := loadTestSnapshot(t).Policy

	tests := []struct {
		path    string
		pattern string
	}{
		{"/api/documents", "/api/documents"},
		{"/api/documents/5", "/api/documents/*"},
		{"/api/documents/5/pages", "/api/documents"},
		{"/api/documents/reports", "/api/documents/reports/**"},
		{"/api/documents/reports/x/y", "/api/documents/reports/**"},
		{"/api/ingest/health", "/api/ingest/health"},
		{"/api/ingest/health/deep", "/api/ingest/health"},
		{"/api/ingest/healthz", "/api/ingest"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rp, ok := pol.Match(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.pattern, rp.Pattern)
		})
	}

	_, ok := pol.Match("/api/documentsx")
	assert.False(t, ok)
	_, ok = pol.Match("/api/archive/1")
	assert.False(t, ok)
}

func TestLoadRBAC_Validation(t *testing.T) {
	reg, err := testLoader().LoadServices([]byte(testServices))
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     string
		problem string
	}{
		{
			"unknown service on route",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/nope:\n    methods: [GET]\n    roles: [a]\n",
			`unknown service "nope"`,
		},
		{
			"unknown role on route",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/ingest:\n    methods: [GET]\n    roles: [ghost]\n",
			`unknown role "ghost"`,
		},
		{
			"unknown inherited role",
			"roles:\n  a:\n    permissions: []\n    inherits: [ghost]\n",
			`unknown role "ghost"`,
		},
		{
			"unknown action",
			"roles:\n  a:\n    permissions: [\"ingest:destroy\"]\n",
			`unknown action "destroy"`,
		},
		{
			"free-form permission string",
			"roles:\n  a:\n    permissions: [\"admin_full_access\"]\n",
			"must be",
		},
		{
			"service contradicts pattern",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/ingest:\n    methods: [GET]\n    roles: [a]\n    service: documents\n",
			"contradicts",
		},
		{
			"duplicate normalized pattern",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/ingest:\n    methods: [GET]\n    roles: [a]\n  /api/ingest/**:\n    methods: [POST]\n    roles: [a]\n",
			"conflicts with route",
		},
		{
			"unsupported method",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/ingest:\n    methods: [FETCH]\n    roles: [a]\n",
			"unsupported method",
		},
		{
			"no roles on private route",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /api/ingest:\n    methods: [GET]\n",
			"at least one role",
		},
		{
			"route outside /api without service",
			"roles:\n  a:\n    permissions: []\nroutes:\n  /internal:\n    methods: [GET]\n    roles: [a]\n",
			"service is required",
		},
		{
			"unknown service permission target",
			"roles:\n  a:\n    permissions: []\nservice_permissions:\n  nope:\n    read: [a]\n",
			`unknown service "nope"`,
		},
		{
			"no roles",
			"roles: {}\n",
			"at least one role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader().LoadRBAC([]byte(tt.doc), reg)
			require.Error(t, err)
			problems := configProblems(t, err)
			assert.Contains(t, problems[0], tt.problem)
		})
	}
}

func TestLoadRBAC_CycleIsReported(t *testing.T) {
	reg, err := testLoader().LoadServices([]byte(testServices))
	require.NoError(t, err)

	doc := `
roles:
  a:
    permissions: []
    inherits: [b]
  b:
    permissions: []
    inherits: [c]
  c:
    permissions: []
    inherits: [a]
  d:
    permissions: []
`
	_, err = testLoader().LoadRBAC([]byte(doc), reg)
	problems := configProblems(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "roles: inheritance cycle a -> b -> c -> a", problems[0])
}

func TestLoadRBAC_SelfInheritance(t *testing.T) {
	reg, err := testLoader().LoadServices([]byte(testServices))
	require.NoError(t, err)

	_, err = testLoader().LoadRBAC([]byte("roles:\n  a:\n    permissions: []\n    inherits: [a]\n"), reg)
	problems := configProblems(t, err)
	assert.Equal(t, "roles: inheritance cycle a -> a", problems[0])
}

func TestRoutePolicyRoleOrderDoesNotMatter(t *testing.T) {
	rp := &RoutePolicy{Roles: []string{"user", "admin"}}
	assert.True(t, rp.AllowsAnyRole([]string{"lead", "user"}))
	assert.False(t, rp.AllowsAnyRole([]string{"viewer"}))
}

func TestSnapshotRateLimitFor(t *testing.T) {
	snap := loadTestSnapshot(t)

	rp, _ := snap.Policy.Match("/api/documents/5")
	assert.Equal(t, RateLimit{Requests: 50, Window: time.Minute}, snap.RateLimitFor(rp, snap.Registry.Services["documents"]))
	assert.Equal(t, RateLimit{Requests: 2, Window: time.Minute}, snap.RateLimitFor(nil, snap.Registry.Services["ingest"]))
	assert.Equal(t, snap.DefaultRateLimit, snap.RateLimitFor(nil, snap.Registry.Services["archive"]))
}

func TestEmbeddedDefaultsAreValid(t *testing.T) {
	l := testLoader()
	reg, err := l.LoadServices(DefaultDocument(ServicesDocumentKind))
	require.NoError(t, err)
	require.Len(t, reg.Services, 1)

	pol, err := l.LoadRBAC(DefaultDocument(RBACDocumentKind), reg)
	require.NoError(t, err)
	require.Len(t, pol.Roles, 1)
	admin, ok := pol.Role("admin")
	require.True(t, ok)
	assert.True(t, admin.Effective.IsSuperadmin())
}
