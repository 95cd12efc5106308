// Package health polls backend health endpoints and caches the results.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
	"github.com/carlossalguero/casgate/services/shared/metrics"
)

// Status is the health of one service or of the whole set.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Record is the last known health of one service.
type Record struct {
	Service string `json:"service_name"`
	Status  Status `json:"status"`
	// ResponseTime is in seconds.
	ResponseTime float64   `json:"response_time"`
	StatusCode   int       `json:"status_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	LastChecked  time.Time `json:"last_checked"`
}

// Healthy reports whether the record is healthy.
func (r Record) Healthy() bool {
	return r.Status == StatusHealthy
}

// Snapshot is the result of polling every enabled service.
type Snapshot struct {
	Status       Status            `json:"status"`
	HealthyCount int               `json:"healthy_count"`
	Total        int               `json:"total"`
	Services     map[string]Record `json:"services"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// Aggregate derives the overall status: healthy when every record is
// healthy, unhealthy when none is, degraded otherwise. An empty set is
// healthy.
func Aggregate(records []Record) Status {
	healthy := 0
	for _, r := range records {
		if r.Healthy() {
			healthy++
		}
	}
	switch {
	case healthy == len(records):
		return StatusHealthy
	case healthy == 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// Mirror shares snapshots between replicas: each fresh snapshot is
// published, and a starting replica reads the latest one.
type Mirror interface {
	Publish(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
}

// Config holds aggregator configuration.
type Config struct {
	// Services returns the registry to poll. It is called on every poll so
	// reloads take effect.
	Services func() *config.Registry
	// TTL is how long cached results are served. Default 30s.
	TTL time.Duration
	// Concurrency bounds the number of polls in flight. Default 8.
	Concurrency int
	Client      *http.Client
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	Mirror      Mirror
}

// Aggregator polls services and caches their health.
type Aggregator struct {
	services    func() *config.Registry
	ttl         time.Duration
	concurrency int
	client      *http.Client
	log         *logger.Logger
	metrics     *metrics.Metrics
	mirror      Mirror
	now         func() time.Time

	mu      sync.RWMutex
	records map[string]Record

	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Aggregator{
		services:    cfg.Services,
		ttl:         cfg.TTL,
		concurrency: cfg.Concurrency,
		client:      cfg.Client,
		log:         cfg.Logger.WithComponent("health"),
		metrics:     cfg.Metrics,
		mirror:      cfg.Mirror,
		now:         time.Now,
		records:     make(map[string]Record),
	}
}

// SetClock replaces the time source. Tests only.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// TTL returns the cache lifetime.
func (a *Aggregator) TTL() time.Duration {
	return a.ttl
}

// PollOne checks a single service with its own timeout and records the
// result.
func (a *Aggregator) PollOne(ctx context.Context, svc *config.ServiceDescriptor) Record {
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	rec := Record{Service: svc.Name, Status: StatusUnhealthy}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL(), nil)
	if err != nil {
		rec.Error = err.Error()
	} else {
		var resp *http.Response
		resp, err = a.client.Do(req)
		switch {
		case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			rec.Error = fmt.Sprintf("timeout after %s", svc.Timeout)
		case err != nil:
			rec.Error = err.Error()
		default:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			rec.StatusCode = resp.StatusCode
			if resp.StatusCode == http.StatusOK {
				rec.Status = StatusHealthy
			} else {
				rec.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
		}
	}
	rec.ResponseTime = time.Since(start).Seconds()
	rec.LastChecked = a.now()

	a.store(rec)
	if a.metrics != nil {
		a.metrics.RecordHealthPoll(svc.Name, string(rec.Status))
	}
	if !rec.Healthy() {
		a.log.Warn("health check failed", "upstream", svc.Name, "error", rec.Error)
	}
	return rec
}

// PollAll checks every enabled service concurrently. A slow service delays
// only its own record.
func (a *Aggregator) PollAll(ctx context.Context) *Snapshot {
	services := a.services().Enabled()
	records := make([]Record, len(services))

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for i, svc := range services {
		g.Go(func() error {
			records[i] = a.PollOne(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	snap := &Snapshot{
		Status:    Aggregate(records),
		Total:     len(records),
		Services:  make(map[string]Record, len(records)),
		CheckedAt: a.now(),
	}
	for _, r := range records {
		snap.Services[r.Service] = r
		if r.Healthy() {
			snap.HealthyCount++
		}
	}
	a.snapshot.Store(snap)

	if a.mirror != nil {
		if err := a.mirror.Publish(ctx, snap); err != nil {
			a.log.WithError(err).Warn("publishing health snapshot")
		}
	}
	return snap
}

// Refresh polls every service now. It shares the in-flight poll of a
// concurrent stale All call instead of starting a second one.
func (a *Aggregator) Refresh(ctx context.Context) *Snapshot {
	v, _, _ := a.group.Do("all", func() (any, error) {
		return a.PollAll(context.WithoutCancel(ctx)), nil
	})
	return v.(*Snapshot)
}

// Restore adopts the mirrored snapshot when it is still fresh, so a
// starting replica serves health without polling first. Records for
// services missing from the current registry are ignored.
func (a *Aggregator) Restore(ctx context.Context) bool {
	if a.mirror == nil {
		return false
	}
	snap, err := a.mirror.Latest(ctx)
	if err != nil {
		a.log.Debug("no mirrored health snapshot", "error", err)
		return false
	}
	if !a.fresh(snap.CheckedAt) {
		return false
	}

	reg := a.services()
	for name, rec := range snap.Services {
		if svc, ok := reg.Services[name]; ok && svc.Enabled {
			a.store(rec)
		}
	}
	a.snapshot.Store(snap)
	a.log.Info("restored mirrored health snapshot",
		"checked_at", snap.CheckedAt, "status", string(snap.Status))
	return true
}

// All returns the cached snapshot while it is fresh and polls otherwise.
// Concurrent callers with a stale cache share one poll.
func (a *Aggregator) All(ctx context.Context) *Snapshot {
	if snap := a.snapshot.Load(); snap != nil && a.fresh(snap.CheckedAt) {
		return snap
	}
	v, _, _ := a.group.Do("all", func() (any, error) {
		if snap := a.snapshot.Load(); snap != nil && a.fresh(snap.CheckedAt) {
			return snap, nil
		}
		return a.PollAll(context.WithoutCancel(ctx)), nil
	})
	return v.(*Snapshot)
}

// Service returns the health of one service, polling it when the cached
// record is missing or stale. Aliases resolve to their target.
func (a *Aggregator) Service(ctx context.Context, name string) (Record, error) {
	svc, ok := a.services().Lookup(name)
	if !ok {
		return Record{}, gwerrors.NotFound(fmt.Sprintf("service %q not found", name))
	}
	if !svc.Enabled {
		return Record{}, gwerrors.NotFound(fmt.Sprintf("service %q is disabled", svc.Name))
	}

	if rec, ok := a.Cached(svc.Name); ok && a.fresh(rec.LastChecked) {
		return rec, nil
	}
	v, _, _ := a.group.Do("service:"+svc.Name, func() (any, error) {
		return a.PollOne(context.WithoutCancel(ctx), svc), nil
	})
	return v.(Record), nil
}

// Cached returns the last known record for a service without blocking,
// however old it is.
func (a *Aggregator) Cached(name string) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[name]
	return rec, ok
}

// MarkUnhealthy records a failure observed outside a poll, such as a
// failed proxy attempt.
func (a *Aggregator) MarkUnhealthy(name string, cause error) {
	rec := Record{Service: name, Status: StatusUnhealthy, LastChecked: a.now()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	a.store(rec)
}

// Forget drops records for services no longer in the registry.
func (a *Aggregator) Forget(reg *config.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.records {
		if _, ok := reg.Services[name]; !ok {
			delete(a.records, name)
		}
	}
}

func (a *Aggregator) store(rec Record) {
	a.mu.Lock()
	a.records[rec.Service] = rec
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SetUpstreamHealthy(rec.Service, rec.Healthy())
	}
}

func (a *Aggregator) fresh(t time.Time) bool {
	return a.now().Sub(t) < a.ttl
}
