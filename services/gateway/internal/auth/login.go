package auth

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// HashPassword returns a bcrypt hash of password. cost 0 uses bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", gwerrors.InvalidInput("password must not be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Authenticator checks login credentials and issues tokens.
type Authenticator struct {
	users  UserStore
	tokens *TokenManager
	// dummyHash is compared against when the user does not exist, so a
	// miss costs the same bcrypt work as a wrong password.
	dummyHash []byte
}

// NewAuthenticator creates an Authenticator. cost must match the cost of
// stored hashes; 0 uses bcrypt.DefaultCost.
func NewAuthenticator(users UserStore, tokens *TokenManager, cost int) (*Authenticator, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generating dummy password: %w", err)
	}
	dummy, err := HashPassword(fmt.Sprintf("%x", random), cost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{users: users, tokens: tokens, dummyHash: []byte(dummy)}, nil
}

// Tokens returns the token manager.
func (a *Authenticator) Tokens() *TokenManager {
	return a.tokens
}

// Users returns the user store.
func (a *Authenticator) Users() UserStore {
	return a.users
}

// Login verifies username and password and issues a token. Every failure,
// whichever check failed, is INVALID_CREDENTIALS.
func (a *Authenticator) Login(ctx context.Context, username, password string, roles RoleResolver) (*IssuedToken, error) {
	user, err := a.users.GetUser(ctx, username)
	if err != nil && !gwerrors.IsCode(err, gwerrors.CodeNotFound) {
		return nil, gwerrors.InternalWrap("user lookup failed", err)
	}

	hash := a.dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	mismatch := bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil

	if user == nil || mismatch || user.Disabled {
		return nil, gwerrors.InvalidCredentials("invalid username or password")
	}
	if _, _, ok := roles.ResolveRole(user.Role); !ok {
		return nil, gwerrors.InvalidCredentials("invalid username or password").
			Wrap(fmt.Errorf("user %q has undefined role %q", user.Username, user.Role))
	}

	return a.tokens.Issue(user.Username, user.Role, 0)
}
