// Package cloudauth exchanges stored OAuth refresh tokens for short-lived
// access tokens on behalf of subscription-backed providers. Token sources
// are cached per provider and auto-refresh through oauth2.ReuseTokenSource.
package cloudauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	relay "github.com/llmrelay/llmrelay/internal"
)

// OAuth endpoints and public client IDs of the supported CLIs.
const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	googleTokenURL = "https://oauth2.googleapis.com/token"
	geminiClientID = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
)

// cachedSource pairs a token source with the credential it was built
// from, so a credential rotation invalidates the cache entry.
type cachedSource struct {
	credential string
	source     oauth2.TokenSource
}

// TokenManager resolves provider credentials to bearer access tokens.
// API-key providers never reach here; only the OAuth-backed types do.
type TokenManager struct {
	mu      sync.Mutex
	sources map[string]*cachedSource // provider ID -> source
}

// NewTokenManager returns an empty manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{sources: make(map[string]*cachedSource)}
}

// AccessToken returns a valid access token for the provider, refreshing
// through the provider type's OAuth endpoint when the cached one expired.
func (m *TokenManager) AccessToken(ctx context.Context, p *relay.Provider) (string, error) {
	src, err := m.sourceFor(ctx, p)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("cloudauth: refresh token for provider %s: %w", p.Name, err)
	}
	return tok.AccessToken, nil
}

func (m *TokenManager) sourceFor(ctx context.Context, p *relay.Provider) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.sources[p.ID]; ok && entry.credential == p.Credential {
		return entry.source, nil
	}

	cfg, err := oauthConfig(p.Type)
	if err != nil {
		return nil, err
	}
	refresh := refreshToken(p.Credential)
	if refresh == "" {
		return nil, fmt.Errorf("cloudauth: provider %s has no refresh token", p.Name)
	}

	// The background context outlives the request; token refresh must not
	// be cancelled by one caller's deadline.
	base := cfg.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: refresh})
	src := oauth2.ReuseTokenSource(nil, base)
	m.sources[p.ID] = &cachedSource{credential: p.Credential, source: src}
	return src, nil
}

// Forget drops the cached source after a provider mutation.
func (m *TokenManager) Forget(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, providerID)
}

func oauthConfig(t relay.ProviderType) (*oauth2.Config, error) {
	switch t {
	case relay.ProviderClaudeAuth:
		return &oauth2.Config{
			ClientID: anthropicClientID,
			Endpoint: oauth2.Endpoint{TokenURL: anthropicTokenURL},
		}, nil
	case relay.ProviderGeminiCLI:
		return &oauth2.Config{
			ClientID: geminiClientID,
			Endpoint: oauth2.Endpoint{TokenURL: googleTokenURL},
		}, nil
	default:
		return nil, fmt.Errorf("cloudauth: provider type %s does not use oauth", t)
	}
}

// refreshToken accepts either a bare refresh token or a credential JSON
// blob carrying a refresh_token field.
func refreshToken(credential string) string {
	if gjson.Valid(credential) {
		if rt := gjson.Get(credential, "refresh_token"); rt.Exists() {
			return rt.String()
		}
	}
	return credential
}
