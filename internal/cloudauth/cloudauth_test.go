package cloudauth

import (
	"context"
	"testing"

	relay "github.com/llmrelay/llmrelay/internal"
)

func TestRefreshTokenParsing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		credential string
		want       string
	}{
		{"bare token", "rt-abc123", "rt-abc123"},
		{"json blob", `{"refresh_token":"rt-from-json","scope":"full"}`, "rt-from-json"},
		{"json without field", `{"access_token":"at-only"}`, `{"access_token":"at-only"}`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		if got := refreshToken(tt.credential); got != tt.want {
			t.Errorf("%s: refreshToken = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestOAuthConfigPerType(t *testing.T) {
	t.Parallel()
	cfg, err := oauthConfig(relay.ProviderClaudeAuth)
	if err != nil || cfg.Endpoint.TokenURL != anthropicTokenURL {
		t.Errorf("claude-auth config = %+v, %v", cfg, err)
	}
	cfg, err = oauthConfig(relay.ProviderGeminiCLI)
	if err != nil || cfg.Endpoint.TokenURL != googleTokenURL {
		t.Errorf("gemini-cli config = %+v, %v", cfg, err)
	}
	if _, err := oauthConfig(relay.ProviderClaude); err == nil {
		t.Errorf("api-key provider type accepted for oauth")
	}
}

func TestSourceCachedUntilCredentialRotates(t *testing.T) {
	t.Parallel()
	m := NewTokenManager()
	ctx := context.Background()
	p := &relay.Provider{ID: "p1", Name: "claude-sub", Type: relay.ProviderClaudeAuth, Credential: "rt-1"}

	first, err := m.sourceFor(ctx, p)
	if err != nil {
		t.Fatalf("sourceFor: %v", err)
	}
	again, err := m.sourceFor(ctx, p)
	if err != nil {
		t.Fatalf("sourceFor: %v", err)
	}
	if first != again {
		t.Errorf("source rebuilt for an unchanged credential")
	}

	p.Credential = "rt-2"
	rotated, err := m.sourceFor(ctx, p)
	if err != nil {
		t.Fatalf("sourceFor after rotation: %v", err)
	}
	if rotated == first {
		t.Errorf("cache served a source built from the old credential")
	}

	m.Forget(p.ID)
	fresh, err := m.sourceFor(ctx, p)
	if err != nil {
		t.Fatalf("sourceFor after Forget: %v", err)
	}
	if fresh == rotated {
		t.Errorf("Forget did not drop the cached source")
	}
}

func TestSourceForMissingRefreshToken(t *testing.T) {
	t.Parallel()
	m := NewTokenManager()
	p := &relay.Provider{ID: "p1", Name: "empty", Type: relay.ProviderClaudeAuth}
	if _, err := m.sourceFor(context.Background(), p); err == nil {
		t.Fatal("empty credential accepted")
	}
}
