package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
)

func newTestStore(t *testing.T, source Source) *Store {
	t.Helper()
	return NewStore(testLoader(), source, logger.Nop())
}

func TestStore_Load(t *testing.T) {
	store := newTestStore(t, NewMemorySource([]byte(testServices), []byte(testRBAC)))
	assert.Nil(t, store.Current())

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, store.Current())
	assert.Equal(t, uint64(1), snap.Version)
	assert.Empty(t, snap.Fallbacks)
	assert.Len(t, snap.Registry.Services, 3)
}

func TestStore_MissingDocumentsFallBack(t *testing.T) {
	store := newTestStore(t, NewMemorySource(nil, nil))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"services", "rbac"}, snap.Fallbacks)
	assert.Contains(t, snap.Registry.Services, "ingest")
	admin, ok := snap.Policy.Role("admin")
	require.True(t, ok)
	assert.True(t, admin.Effective.IsSuperadmin())
}

func TestStore_MalformedDocumentAborts(t *testing.T) {
	src := NewMemorySource([]byte(testServices), []byte(testRBAC))
	store := newTestStore(t, src)
	first, err := store.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, src.Write(context.Background(), RBACDocumentKind, []byte("roles: [")))
	_, err = store.Load(context.Background())
	require.Error(t, err)

	assert.Same(t, first, store.Current(), "a failed reload must keep the previous snapshot")
}

func TestStore_UpsertServicePersistsAndSwaps(t *testing.T) {
	dir := t.TempDir()
	servicesPath := filepath.Join(dir, "services.yml")
	rbacPath := filepath.Join(dir, "rbac.yml")
	require.NoError(t, os.WriteFile(servicesPath, []byte(testServices), 0o644))
	require.NoError(t, os.WriteFile(rbacPath, []byte(testRBAC), 0o644))

	store := newTestStore(t, NewFileSource(servicesPath, rbacPath))
	before, err := store.Load(context.Background())
	require.NoError(t, err)

	var notified *Snapshot
	store.Subscribe(func(s *Snapshot) { notified = s })

	timeout := 5.0
	after, err := store.UpsertService(context.Background(), "billing", ServiceEntry{
		URL:       "http://billing:8080",
		Timeout:   &timeout,
		RateLimit: "10/minute",
	})
	require.NoError(t, err)
	assert.Same(t, after, notified)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Contains(t, after.Registry.Services, "billing")
	assert.NotContains(t, before.Registry.Services, "billing", "old snapshot must be untouched")

	// The rewritten document reloads to the same registry.
	reloaded, err := newTestStore(t, NewFileSource(servicesPath, rbacPath)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, after.Registry.Names(), reloaded.Registry.Names())
	assert.Equal(t, "10/minute", reloaded.Registry.Services["billing"].RateLimit.String())
}

func TestStore_InvalidUpdateIsRejected(t *testing.T) {
	src := NewMemorySource([]byte(testServices), []byte(testRBAC))
	store := newTestStore(t, src)
	before, err := store.Load(context.Background())
	require.NoError(t, err)

	t.Run("bad url", func(t *testing.T) {
		_, err := store.UpsertService(context.Background(), "broken", ServiceEntry{URL: "not a url"})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, gwerrors.CodeConfigInvalid, cfgErr.AsAPIError().Code)
	})

	t.Run("service still referenced by routes", func(t *testing.T) {
		_, err := store.DeleteService(context.Background(), "documents")
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("unknown route", func(t *testing.T) {
		_, err := store.DeleteRoute(context.Background(), "/api/nothing")
		assert.True(t, gwerrors.IsCode(err, gwerrors.CodeNotFound))
	})

	assert.Same(t, before, store.Current())
	raw, err := src.Read(context.Background(), ServicesDocumentKind)
	require.NoError(t, err)
	assert.Equal(t, testServices, string(raw), "nothing may be persisted on failure")
}

func TestStore_RouteLifecycle(t *testing.T) {
	store := newTestStore(t, NewMemorySource([]byte(testServices), []byte(testRBAC)))
	_, err := store.Load(context.Background())
	require.NoError(t, err)

	snap, err := store.UpsertRoute(context.Background(), "/api/documents/drafts", RouteEntry{
		Methods: []string{"GET"},
		Roles:   []string{"user"},
	})
	require.NoError(t, err)
	rp, ok := snap.Policy.Match("/api/documents/drafts/7")
	require.True(t, ok)
	assert.Equal(t, "/api/documents/drafts", rp.Pattern)

	snap, err = store.DeleteRoute(context.Background(), "/api/documents/drafts")
	require.NoError(t, err)
	rp, _ = snap.Policy.Match("/api/documents/drafts/7")
	assert.Equal(t, "/api/documents", rp.Pattern)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	store := newTestStore(t, NewMemorySource([]byte(testServices), []byte(testRBAC)))
	_, err := store.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				snap := store.Current()
				// Every route in a snapshot resolves against that snapshot's registry.
				for _, rp := range snap.Policy.Routes {
					_, ok := snap.Registry.Services[rp.Service]
					assert.True(t, ok)
				}
			}
		}()
	}

	timeout := 1.0
	for i := 0; i < 20; i++ {
		_, err := store.UpsertService(ctx, "temp", ServiceEntry{URL: "http://temp", Timeout: &timeout})
		require.NoError(t, err)
		_, err = store.UpsertRoute(ctx, "/api/temp", RouteEntry{Methods: []string{"GET"}, Roles: []string{"user"}})
		require.NoError(t, err)
		_, err = store.DeleteRoute(ctx, "/api/temp")
		require.NoError(t, err)
		_, err = store.DeleteService(ctx, "temp")
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
}

func TestFileSource_Missing(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "none.yml"), filepath.Join(t.TempDir(), "none.yml"))
	_, err := src.Read(context.Background(), ServicesDocumentKind)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
