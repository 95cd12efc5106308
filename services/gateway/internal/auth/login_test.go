package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *MemoryStore) {
	t.Helper()
	users := NewMemoryStore()
	for _, u := range []struct {
		name, password, role string
		disabled             bool
	}{
		{"alice", "wonderland", "user", false},
		{"mallory", "hunter2", "user", true},
		{"ghost", "boo", "poltergeist", false},
	} {
		hash, err := HashPassword(u.password, bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, users.CreateUser(context.Background(), &User{
			Username: u.name, PasswordHash: hash, Role: u.role, Disabled: u.disabled,
		}))
	}

	m, _ := newTestManager(t)
	a, err := NewAuthenticator(users, m, bcrypt.MinCost)
	require.NoError(t, err)
	return a, users
}

func TestLogin(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	snap := snapshotFor(t, testRBAC)

	t.Run("valid credentials", func(t *testing.T) {
		issued, err := a.Login(context.Background(), "alice", "wonderland", snap)
		require.NoError(t, err)

		p, err := a.Tokens().Verify(issued.Token, snap)
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Username)
		assert.Equal(t, issued.ExpiresAt.Unix(), p.ExpiresAt.Unix())
	})

	failures := map[string][2]string{
		"wrong password": {"alice", "looking-glass"},
		"unknown user":   {"nobody", "wonderland"},
		"disabled user":  {"mallory", "hunter2"},
		"undefined role": {"ghost", "boo"},
		"empty password": {"alice", ""},
	}
	for name, creds := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := a.Login(context.Background(), creds[0], creds[1], snap)
			var gwErr *gwerrors.Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, gwerrors.CodeInvalidCredentials, gwErr.Code)
			assert.Equal(t, "invalid username or password", gwErr.Message)
		})
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) GetUser(context.Context, string) (*User, error) {
	return nil, errors.New("connection reset")
}

func TestLogin_StoreFailureIsInternal(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := NewAuthenticator(&failingStore{}, m, bcrypt.MinCost)
	require.NoError(t, err)

	_, err = a.Login(context.Background(), "alice", "x", snapshotFor(t, testRBAC))
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeInternal))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotContains(t, hash, "s3cret")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = HashPassword("", bcrypt.MinCost)
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeInvalidInput))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateUser(ctx, &User{Username: "b", PasswordHash: "h", Role: "user"}))
	require.NoError(t, s.CreateUser(ctx, &User{Username: "a", PasswordHash: "h", Role: "admin"}))

	err := s.CreateUser(ctx, &User{Username: "a", PasswordHash: "h", Role: "admin"})
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeAlreadyExists))

	err = s.CreateUser(ctx, &User{Username: "c"})
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeInvalidInput))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].Username)
	assert.False(t, users[0].CreatedAt.IsZero())

	// Returned users are copies.
	users[0].Role = "tampered"
	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)

	require.NoError(t, s.DeleteUser(ctx, "a"))
	_, err = s.GetUser(ctx, "a")
	assert.True(t, gwerrors.IsCode(err, gwerrors.CodeNotFound))
	assert.True(t, gwerrors.IsCode(s.DeleteUser(ctx, "a"), gwerrors.CodeNotFound))
}
