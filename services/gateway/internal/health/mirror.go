package health

import (
	"context"
	"time"

	"github.com/carlossalguero/casgate/services/shared/cache"
)

// SnapshotKey is the key, before the client prefix, the latest snapshot is
// stored under.
const SnapshotKey = "health:snapshot"

// JSONStore is the subset of the cache client the mirror needs.
type JSONStore interface {
	SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
}

var _ JSONStore = (*cache.Client)(nil)

// RedisMirror stores each snapshot in Redis with an expiry of a few TTLs so
// a stopped gateway's view ages out.
type RedisMirror struct {
	store  JSONStore
	expiry time.Duration
}

// NewRedisMirror creates a mirror. ttl is the aggregator TTL.
func NewRedisMirror(store JSONStore, ttl time.Duration) *RedisMirror {
	return &RedisMirror{store: store, expiry: 3 * ttl}
}

// Publish implements Mirror.
func (m *RedisMirror) Publish(ctx context.Context, snap *Snapshot) error {
	return m.store.SetJSON(ctx, SnapshotKey, snap, m.expiry)
}

// Latest reads the most recently mirrored snapshot.
func (m *RedisMirror) Latest(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := m.store.GetJSON(ctx, SnapshotKey, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
