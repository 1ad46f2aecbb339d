// Package credentials resolves bearer tokens for backends configured with an
// OAuth2 client-credentials grant, before the Backend Registry spawns them.
//
// Grounded on mcp-scooter/internal/domain/integration/oauth.go, which drives
// a PKCE authorization-code flow for a desktop login. A gateway spawning
// unattended child processes has no user to redirect to a browser, so this
// package keeps the teacher's golang.org/x/oauth2 dependency but swaps the
// grant type for the headless client-credentials flow
// (golang.org/x/oauth2/clientcredentials), the one OAuth2 grant meant for
// service-to-service provisioning with no human in the loop.
package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/relaymcp/gateway/internal/config"
)

// Provider fetches and caches access tokens for backends configured with an
// OAuthCredential block, one clientcredentials.Config per backend.
type Provider struct {
	mu     sync.Mutex
	tokens map[string]string // backend name -> cached access token
}

// New constructs an empty token Provider.
func New() *Provider {
	return &Provider{tokens: make(map[string]string)}
}

// Resolve returns the env overlay a backend should be spawned with: its
// configured Env map, plus the OAuth access token (if any) under OAuth.EnvVar.
// Resolve does not mutate cfg.Env; it returns a copy.
func (p *Provider) Resolve(ctx context.Context, name string, cfg *config.BackendConfig) (map[string]string, error) {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cfg.OAuth == nil {
		return env, nil
	}

	token, err := p.token(ctx, name, cfg.OAuth, false)
	if err != nil {
		return nil, fmt.Errorf("credentials: resolve token for backend %q: %w", name, err)
	}
	env[cfg.OAuth.EnvVar] = token
	return env, nil
}

// Refresh discards any cached token for name and fetches a new one. Used by
// the Registry's retry-once-with-forced-refresh policy when a freshly spawned
// backend rejects its credentials.
func (p *Provider) Refresh(ctx context.Context, name string, oauthCfg *config.OAuthCredential) (string, error) {
	return p.token(ctx, name, oauthCfg, true)
}

func (p *Provider) token(ctx context.Context, name string, oauthCfg *config.OAuthCredential, forceRefresh bool) (string, error) {
	p.mu.Lock()
	if !forceRefresh {
		if tok, ok := p.tokens[name]; ok {
			p.mu.Unlock()
			return tok, nil
		}
	}
	p.mu.Unlock()

	secret := os.Getenv(oauthCfg.ClientSecretEnv)
	cc := &clientcredentials.Config{
		ClientID:     oauthCfg.ClientID,
		ClientSecret: secret,
		TokenURL:     oauthCfg.TokenURL,
		Scopes:       oauthCfg.Scopes,
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("client_credentials grant failed: %w", err)
	}

	p.mu.Lock()
	p.tokens[name] = tok.AccessToken
	p.mu.Unlock()
	return tok.AccessToken, nil
}
