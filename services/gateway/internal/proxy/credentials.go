package proxy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/carlossalguero/casgate/services/gateway/internal/config"
)

// credentialCache holds one token source per service credential block.
// Token sources cache and refresh their tokens.
type credentialCache struct {
	client  *http.Client
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newCredentialCache(client *http.Client) *credentialCache {
	return &credentialCache{client: client, sources: make(map[string]oauth2.TokenSource)}
}

func credentialKey(svc string, c *config.CredentialsEntry) string {
	return strings.Join([]string{svc, c.TokenURL, c.ClientID, c.ClientSecretEnv, strings.Join(c.Scopes, " ")}, "\x00")
}

// token returns an access token for svc, or "" when the service has no
// credentials configured.
func (c *credentialCache) token(ctx context.Context, svc *config.ServiceDescriptor) (string, error) {
	creds := svc.Credentials
	if creds == nil {
		return "", nil
	}

	key := credentialKey(svc.Name, creds)
	c.mu.Lock()
	src, ok := c.sources[key]
	if !ok {
		secret := os.Getenv(creds.ClientSecretEnv)
		if secret == "" {
			c.mu.Unlock()
			return "", fmt.Errorf("environment variable %s is empty", creds.ClientSecretEnv)
		}
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: secret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}
		// Sources outlive the request that created them.
		base := context.WithValue(context.Background(), oauth2.HTTPClient, c.client)
		src = cc.TokenSource(base)
		c.sources[key] = src
	}
	c.mu.Unlock()

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("fetching token: %w", res.err)
		}
		return res.tok.AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
