package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// User is a gateway account allowed to log in.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists gateway accounts.
type UserStore interface {
	// GetUser returns NOT_FOUND when the user does not exist.
	GetUser(ctx context.Context, username string) (*User, error)
	// CreateUser returns ALREADY_EXISTS when the username is taken.
	CreateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]*User, error)
	// DeleteUser returns NOT_FOUND when the user does not exist.
	DeleteUser(ctx context.Context, username string) error
}

// MemoryStore is an in-process UserStore, seeded from configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

// GetUser returns a copy of the stored user.
func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, gwerrors.NotFound("user not found")
	}
	return &u, nil
}

// CreateUser stores a copy of user.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	if user.Username == "" || user.PasswordHash == "" || user.Role == "" {
		return gwerrors.InvalidInput("username, password hash and role are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return gwerrors.AlreadyExists(fmt.Sprintf("user %q already exists", user.Username))
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = *user
	return nil
}

// ListUsers returns every user sorted by username.
func (s *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return gwerrors.NotFound("user not found")
	}
	delete(s.users, username)
	return nil
}
