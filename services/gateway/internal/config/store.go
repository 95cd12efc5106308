package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
	"github.com/carlossalguero/casgate/services/shared/logger"
)

// Store publishes the current Snapshot. Reads are lock-free; loads and
// admin updates are serialized and swap in a fully validated snapshot.
type Store struct {
	loader *Loader
	source Source
	log    *logger.Logger

	mu          sync.Mutex
	version     uint64
	current     atomic.Pointer[Snapshot]
	subscribers []func(*Snapshot)
}

// NewStore creates a Store. Call Load before serving.
func NewStore(loader *Loader, source Source, log *logger.Logger) *Store {
	return &Store{loader: loader, source: source, log: log.WithComponent("config")}
}

// Current returns the active snapshot, or nil before the first Load.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe registers fn to run after every swap, including the first Load.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Load reads both documents and swaps in the result. A missing document is
// replaced by its embedded default with a warning; an unreadable, malformed
// or inconsistent document is an error and leaves the current snapshot in
// place.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fallbacks []string

	servicesRaw, fellBack, err := s.read(ctx, ServicesDocumentKind)
	if err != nil {
		return nil, err
	}
	if fellBack {
		fallbacks = append(fallbacks, string(ServicesDocumentKind))
	}
	rbacRaw, fellBack, err := s.read(ctx, RBACDocumentKind)
	if err != nil {
		return nil, err
	}
	if fellBack {
		fallbacks = append(fallbacks, string(RBACDocumentKind))
	}

	servicesDoc, err := ParseServicesDocument(servicesRaw)
	if err != nil {
		return nil, err
	}
	rbacDoc, err := ParseRBACDocument(rbacRaw)
	if err != nil {
		return nil, err
	}

	snap, err := s.loader.Build(servicesDoc, rbacDoc)
	if err != nil {
		return nil, err
	}
	snap.Fallbacks = fallbacks
	s.publish(snap)

	s.log.Info("configuration loaded",
		slog.Uint64("version", snap.Version),
		slog.Int("services", len(snap.Registry.Services)),
		slog.Int("roles", len(snap.Policy.Roles)),
		slog.Int("routes", len(snap.Policy.Routes)),
	)
	return snap, nil
}

func (s *Store) read(ctx context.Context, kind DocumentKind) ([]byte, bool, error) {
	data, err := s.source.Read(ctx, kind)
	if errors.Is(err, ErrDocumentNotFound) {
		s.log.Warn("config document missing, using embedded default",
			slog.String("document", string(kind)),
			slog.String("location", s.source.Location(kind)),
		)
		return DefaultDocument(kind), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// publish must be called with mu held.
func (s *Store) publish(snap *Snapshot) {
	s.version++
	snap.Version = s.version
	s.current.Store(snap)
	for _, fn := range s.subscribers {
		fn(snap)
	}
}

// Update applies fn to copies of the current documents, validates the
// result, persists whichever documents changed and swaps. Nothing is
// persisted or swapped if fn or validation fails.
func (s *Store) Update(ctx context.Context, fn func(services *ServicesDocument, rbac *RBACDocument) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return nil, gwerrors.Internal("configuration not loaded")
	}

	services := cur.ServicesDoc.Clone()
	rbac := cur.RBACDoc.Clone()
	if err := fn(&services, &rbac); err != nil {
		return nil, err
	}

	snap, err := s.loader.Build(services, rbac)
	if err != nil {
		return nil, err
	}

	if err := s.persistIfChanged(ctx, ServicesDocumentKind, cur.ServicesDoc, services); err != nil {
		return nil, err
	}
	if err := s.persistIfChanged(ctx, RBACDocumentKind, cur.RBACDoc, rbac); err != nil {
		return nil, err
	}

	s.publish(snap)
	s.log.Info("configuration updated", slog.Uint64("version", snap.Version))
	return snap, nil
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (s *Store) persistIfChanged(ctx context.Context, kind DocumentKind, before, after marshaler) error {
	old, err := before.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling %s document: %w", kind, err)
	}
	data, err := after.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling %s document: %w", kind, err)
	}
	if bytes.Equal(old, data) {
		return nil
	}
	return s.source.Write(ctx, kind, data)
}

// UpsertService creates or replaces a service entry.
func (s *Store) UpsertService(ctx context.Context, name string, entry ServiceEntry) (*Snapshot, error) {
	return s.Update(ctx, func(services *ServicesDocument, _ *RBACDocument) error {
		if services.Services == nil {
			services.Services = make(map[string]ServiceEntry)
		}
		services.Services[name] = entry
		return nil
	})
}

// DeleteService removes a service. Routes or permissions still naming it
// make the update fail validation.
func (s *Store) DeleteService(ctx context.Context, name string) (*Snapshot, error) {
	return s.Update(ctx, func(services *ServicesDocument, _ *RBACDocument) error {
		if _, ok := services.Services[name]; !ok {
			return gwerrors.NotFound(fmt.Sprintf("service %q not found", name))
		}
		delete(services.Services, name)
		return nil
	})
}

// UpsertRoute creates or replaces a route policy.
func (s *Store) UpsertRoute(ctx context.Context, pattern string, entry RouteEntry) (*Snapshot, error) {
	return s.Update(ctx, func(_ *ServicesDocument, rbac *RBACDocument) error {
		if rbac.Routes == nil {
			rbac.Routes = make(map[string]RouteEntry)
		}
		rbac.Routes[pattern] = entry
		return nil
	})
}

// DeleteRoute removes a route policy.
func (s *Store) DeleteRoute(ctx context.Context, pattern string) (*Snapshot, error) {
	return s.Update(ctx, func(_ *ServicesDocument, rbac *RBACDocument) error {
		if _, ok := rbac.Routes[pattern]; !ok {
			return gwerrors.NotFound(fmt.Sprintf("route %q not found", pattern))
		}
		delete(rbac.Routes, pattern)
		return nil
	})
}
