package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/shared/cache"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

type backend struct {
	url  string
	hits *atomic.Int64
}

func newBackend(t *testing.T, status int) backend {
	t.Helper()
	hits := new(atomic.Int64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return backend{url: srv.URL, hits: hits}
}

func newHangingBackend(t *testing.T) backend {
	t.Helper()
	release := make(chan struct{})
	hits := new(atomic.Int64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return backend{url: srv.URL, hits: hits}
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

type svcDef struct {
	url      string
	timeout  string
	disabled bool
}

func registry(t *testing.T, defs map[string]svcDef, aliases map[string]string) *config.Registry {
	t.Helper()
	var b strings.Builder
	b.WriteString("services:\n")
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := defs[name]
		fmt.Fprintf(&b, "  %s:\n    url: %s\n", name, d.url)
		if d.timeout != "" {
			fmt.Fprintf(&b, "    timeout: %s\n", d.timeout)
		}
		if d.disabled {
			b.WriteString("    enabled: false\n")
		}
	}
	if len(aliases) > 0 {
		b.WriteString("direct_routes:\n")
		for alias, target := range aliases {
			fmt.Fprintf(&b, "  %s: %s\n", alias, target)
		}
	}
	reg, err := config.NewLoader(config.RateLimit{Requests: 10, Window: time.Minute}).LoadServices([]byte(b.String()))
	require.NoError(t, err)
	return reg
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newAggregator(reg *config.Registry, ttl time.Duration) (*Aggregator, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := NewAggregator(Config{
		Services: func() *config.Registry { return reg },
		TTL:      ttl,
	})
	a.SetClock(clock.Now)
	return a, clock
}

func TestAggregate(t *testing.T) {
	up := Record{Status: StatusHealthy}
	down := Record{Status: StatusUnhealthy}

	assert.Equal(t, StatusHealthy, Aggregate(nil))
	assert.Equal(t, StatusHealthy, Aggregate([]Record{up, up}))
	assert.Equal(t, StatusDegraded, Aggregate([]Record{up, down}))
	assert.Equal(t, StatusUnhealthy, Aggregate([]Record{down, down}))
}

func TestAll_ServesCacheWithinTTL(t *testing.T) {
	docs := newBackend(t, http.StatusOK)
	ingest := newBackend(t, http.StatusServiceUnavailable)
	reg := registry(t, map[string]svcDef{
		"documents": {url: docs.url},
		"ingest":    {url: ingest.url},
	}, nil)
	a, clock := newAggregator(reg, 30*time.Second)
	ctx := context.Background()

	first := a.All(ctx)
	clock.Advance(29 * time.Second)
	second := a.All(ctx)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), docs.hits.Load())
	assert.Equal(t, int64(1), ingest.hits.Load())

	clock.Advance(time.Second)
	third := a.All(ctx)
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(2), docs.hits.Load())
	assert.Equal(t, int64(2), ingest.hits.Load())

	assert.Equal(t, StatusDegraded, third.Status)
	assert.Equal(t, 1, third.HealthyCount)
	assert.Equal(t, 2, third.Total)
	assert.Equal(t, "HTTP 503", third.Services["ingest"].Error)
	assert.Equal(t, http.StatusServiceUnavailable, third.Services["ingest"].StatusCode)
}

func TestAll_ConcurrentStaleReadersShareOnePoll(t *testing.T) {
	docs := newBackend(t, http.StatusOK)
	reg := registry(t, map[string]svcDef{"documents": {url: docs.url}}, nil)
	a, _ := newAggregator(reg, time.Minute)

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 20)
	for i := range snaps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snaps[i] = a.All(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), docs.hits.Load())
	for _, s := range snaps {
		assert.Same(t, snaps[0], s)
	}
}

func TestPollAll_HungServiceDoesNotDelayOthers(t *testing.T) {
	hung := newHangingBackend(t)
	defs := map[string]svcDef{"stuck": {url: hung.url, timeout: "0.3"}}
	fast := make([]backend, 5)
	for i := range fast {
		fast[i] = newBackend(t, http.StatusOK)
		defs[fmt.Sprintf("svc%d", i)] = svcDef{url: fast[i].url, timeout: "5"}
	}
	reg := registry(t, defs, nil)
	a := NewAggregator(Config{Services: func() *config.Registry { return reg }, Concurrency: 8})

	start := time.Now()
	snap := a.PollAll(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StatusDegraded, snap.Status)
	for i := range fast {
		rec := snap.Services[fmt.Sprintf("svc%d", i)]
		assert.True(t, rec.Healthy())
		assert.Less(t, rec.ResponseTime, 0.3)
	}

	stuck := snap.Services["stuck"]
	assert.Equal(t, StatusUnhealthy, stuck.Status)
	assert.Equal(t, "timeout after 300ms", stuck.Error)
	assert.GreaterOrEqual(t, stuck.ResponseTime, 0.3)
}

func TestService_UnreachableBackend(t *testing.T) {
	reg := registry(t, map[string]svcDef{"ingest": {url: deadURL(t), timeout: "1"}}, nil)
	a, _ := newAggregator(reg, time.Minute)

	rec, err := a.Service(context.Background(), "ingest")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Zero(t, rec.StatusCode)
	assert.False(t, rec.LastChecked.IsZero())
}

func TestService_CachesAndResolvesAliases(t *testing.T) {
	ingest := newBackend(t, http.StatusOK)
	reg := registry(t, map[string]svcDef{
		"ingest":  {url: ingest.url},
		"archive": {url: ingest.url, disabled: true},
	}, map[string]string{"upload": "ingest"})
	a, clock := newAggregator(reg, 10*time.Second)
	ctx := context.Background()

	rec, err := a.Service(ctx, "upload")
	require.NoError(t, err)
	assert.Equal(t, "ingest", rec.Service)
	assert.True(t, rec.Healthy())

	_, err = a.Service(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ingest.hits.Load())

	clock.Advance(10 * time.Second)
	_, err = a.Service(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ingest.hits.Load())

	_, err = a.Service(ctx, "nope")
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeNotFound))
	_, err = a.Service(ctx, "archive")
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeNotFound))
}

func TestMarkUnhealthyAndForget(t *testing.T) {
	reg := registry(t, map[string]svcDef{"ingest": {url: "http://ingest:8000"}}, nil)
	a, _ := newAggregator(reg, time.Minute)

	_, ok := a.Cached("ingest")
	assert.False(t, ok)

	a.MarkUnhealthy("ingest", errors.New("connection refused"))
	a.MarkUnhealthy("gone", nil)
	rec, ok := a.Cached("ingest")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, rec.Status)
	assert.Equal(t, "connection refused", rec.Error)

	a.Forget(reg)
	_, ok = a.Cached("gone")
	assert.False(t, ok)
	_, ok = a.Cached("ingest")
	assert.True(t, ok)
}

type memoryJSON struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry time.Duration
}

func (m *memoryJSON) SetJSON(_ context.Context, key string, value any, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.values == nil {
		m.values = make(map[string][]byte)
	}
	m.values[key] = data
	m.expiry = expiration
	return nil
}

func (m *memoryJSON) GetJSON(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.values[key]
	if !ok {
		return cache.ErrKeyNotFound
	}
	return json.Unmarshal(data, dest)
}

func TestRedisMirror(t *testing.T) {
	docs := newBackend(t, http.StatusOK)
	reg := registry(t, map[string]svcDef{"documents": {url: docs.url}}, nil)

	store := &memoryJSON{}
	mirror := NewRedisMirror(store, 20*time.Second)
	_, err := mirror.Latest(context.Background())
	assert.ErrorIs(t, err, cache.ErrKeyNotFound)

	a := NewAggregator(Config{Services: func() *config.Registry { return reg }, Mirror: mirror})
	snap := a.PollAll(context.Background())

	got, err := mirror.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Status, got.Status)
	assert.Equal(t, snap.Services["documents"].Status, got.Services["documents"].Status)
	assert.Equal(t, time.Minute, store.expiry)
}

func TestRestore_AdoptsFreshMirroredSnapshot(t *testing.T) {
	docs := newBackend(t, http.StatusOK)
	reg := registry(t, map[string]svcDef{"documents": {url: docs.url}}, nil)
	store := &memoryJSON{}

	// Another replica polled and published.
	other, clock := newAggregator(reg, 30*time.Second)
	other.mirror = NewRedisMirror(store, 30*time.Second)
	published := other.PollAll(context.Background())
	require.Equal(t, int64(1), docs.hits.Load())

	starting, _ := newAggregator(reg, 30*time.Second)
	starting.SetClock(clock.Now)
	starting.mirror = NewRedisMirror(store, 30*time.Second)
	clock.Advance(10 * time.Second)

	require.True(t, starting.Restore(context.Background()))
	snap := starting.All(context.Background())
	assert.Equal(t, published.Status, snap.Status)
	assert.Equal(t, int64(1), docs.hits.Load(), "restored snapshot is served without polling")
	rec, ok := starting.Cached("documents")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, rec.Status)

	clock.Advance(25 * time.Second)
	late, _ := newAggregator(reg, 30*time.Second)
	late.SetClock(clock.Now)
	late.mirror = NewRedisMirror(store, 30*time.Second)
	assert.False(t, late.Restore(context.Background()), "stale snapshots are not adopted")

	bare, _ := newAggregator(reg, 30*time.Second)
	assert.False(t, bare.Restore(context.Background()))
}

func TestRefresh_SharesInFlightPollWithStaleReaders(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))
	defer srv.Close()

	reg := registry(t, map[string]svcDef{"documents": {url: srv.URL, timeout: "5"}}, nil)
	a, _ := newAggregator(reg, time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		a.All(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
}
