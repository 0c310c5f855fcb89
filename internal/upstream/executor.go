package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rs/dnscache"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/redirect"
	"github.com/llmrelay/llmrelay/internal/translate"
)

// maxErrorBody caps how much of a failed upstream response is retained for
// error rules and the client reply.
const maxErrorBody = 1 << 20

// anthropicVersion is sent when the client did not supply one.
const anthropicVersion = "2023-06-01"

// TokenSource exchanges a provider's stored credential for a short-lived
// access token. Used by the OAuth-backed provider types.
type TokenSource interface {
	AccessToken(ctx context.Context, p *relay.Provider) (string, error)
}

// Result summarizes a completed relay for accounting.
type Result struct {
	StatusCode int
	Usage      *relay.Usage
}

// Executor runs the provider attempt loop for one request.
type Executor struct {
	pool     *clientPool
	breakers *circuitbreaker.Registry
	tokens   TokenSource
}

// NewExecutor wires the executor to the breaker registry and an optional
// token source for OAuth providers.
func NewExecutor(resolver *dnscache.Resolver, breakers *circuitbreaker.Registry, tokens TokenSource) *Executor {
	return &Executor{
		pool:     newClientPool(resolver),
		breakers: breakers,
		tokens:   tokens,
	}
}

// Execute tries eligible providers in order until one succeeds, streaming
// the winning response to w. On exhaustion it returns the last upstream
// failure as a *relay.ProxyError.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, s *relay.ProxySession, providers []*relay.Provider) (*Result, error) {
	cands := Candidates(providers, s, func(p *relay.Provider) bool {
		return e.breakers.StateOf(ctx, p) == circuitbreaker.StateOpen
	})
	if len(cands) == 0 {
		return nil, relay.ErrNoProvider
	}
	ordered := Order(cands, s.OriginalFormat, nil)

	var lastErr *relay.ProxyError
	for _, p := range ordered {
		if ctx.Err() != nil {
			break
		}
		// Allow elects the half-open probe; a provider that opened since
		// candidate selection is skipped here.
		if !e.breakers.Allow(ctx, p) {
			continue
		}

		s.Provider = p
		entry := s.AppendChainEntry(relay.ChainEntry{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			ProviderType:   p.Type,
			DecisionReason: "priority",
		})
		redirect.Apply(s, p)

		body := s.Body
		var tr translate.Transformer
		translated := false
		if from, to := s.OriginalFormat, p.Type.WireFormat(); from != to {
			if t, ok := translate.Lookup(from, to); ok && t.Request != nil {
				b, err := t.Request(s.Body)
				if err != nil {
					slog.WarnContext(ctx, "request translation failed",
						slog.String("from", string(from)), slog.String("to", string(to)), slog.Any("error", err))
				} else {
					body = b
					tr = t
					translated = true
				}
			}
		}

		resp, err := e.roundTrip(ctx, p, s, body)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			_, cat := classifyErr(err)
			e.breakers.OnFailure(ctx, p)
			lastErr = &relay.ProxyError{
				StatusCode: cat.DefaultStatus(),
				Category:   cat,
				Message:    err.Error(),
			}
			entry.StatusCode = lastErr.StatusCode
			slog.WarnContext(ctx, "upstream attempt failed",
				slog.String("provider", p.Name), slog.Any("error", err))
			continue
		}

		entry.StatusCode = resp.StatusCode
		switch ClassifyStatus(resp.StatusCode) {
		case OutcomeSuccess:
			e.breakers.OnSuccess(ctx, p)
			return e.respond(ctx, w, s, resp, tr, translated)

		case OutcomeRetryable:
			e.breakers.OnFailure(ctx, p)
			lastErr = upstreamFailure(resp)
			continue

		case OutcomeRateLimited:
			// Quota exhaustion is not a provider fault; try the next
			// candidate, surface the 429 if none remains.
			lastErr = upstreamFailure(resp)
			continue

		default: // OutcomeFatal
			lastErr = upstreamFailure(resp)
			return nil, lastErr
		}
	}

	if lastErr == nil {
		return nil, relay.ErrNoProvider
	}
	return nil, lastErr
}

// upstreamFailure drains a failed response into a ProxyError.
func upstreamFailure(resp *http.Response) *relay.ProxyError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &relay.ProxyError{
		StatusCode:        resp.StatusCode,
		Category:          statusCategory(resp.StatusCode),
		UpstreamBody:      body,
		UpstreamRequestID: upstreamRequestID(resp.Header),
	}
}

func upstreamRequestID(h http.Header) string {
	if id := h.Get("Request-Id"); id != "" {
		return id
	}
	return h.Get("X-Request-Id")
}

// roundTrip forwards the request, optionally through the provider's egress
// proxy with a single direct retry on proxy transport failure.
func (e *Executor) roundTrip(ctx context.Context, p *relay.Provider, s *relay.ProxySession, body []byte) (*http.Response, error) {
	client, err := e.pool.clientFor(p.ProxyURL)
	if err != nil {
		if !p.ProxyFallbackToDirect {
			return nil, err
		}
		slog.WarnContext(ctx, "bad proxy url, using direct", slog.String("provider", p.Name), slog.Any("error", err))
		client = e.pool.direct
	}

	req, err := e.buildRequest(ctx, p, s, body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil && client != e.pool.direct && p.ProxyFallbackToDirect && ctx.Err() == nil {
		slog.WarnContext(ctx, "proxy transport failed, retrying direct",
			slog.String("provider", p.Name), slog.Any("error", err))
		req, rerr := e.buildRequest(ctx, p, s, body)
		if rerr != nil {
			return nil, rerr
		}
		return e.pool.direct.Do(req)
	}
	return resp, err
}

func (e *Executor) buildRequest(ctx context.Context, p *relay.Provider, s *relay.ProxySession, body []byte) (*http.Request, error) {
	target := strings.TrimRight(p.URL, "/") + s.RequestURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req.Header, s.Headers)
	req.Header.Set("Content-Type", "application/json")
	if err := e.setAuth(ctx, p, req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// hopByHop headers never forwarded in either direction.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyRequestHeaders copies client headers, dropping hop-by-hop and inbound
// auth headers; setAuth injects the provider credential afterwards.
func copyRequestHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "x-goog-api-key", "api-key", "host", "content-length", "accept-encoding":
			continue
		}
		dst[key] = vals
	}
}

// setAuth injects provider credentials, exchanging OAuth refresh tokens
// for access tokens where the provider type requires it.
func (e *Executor) setAuth(ctx context.Context, p *relay.Provider, h http.Header) error {
	cred := p.Credential
	if e.tokens != nil && (p.Type == relay.ProviderClaudeAuth || p.Type == relay.ProviderGeminiCLI) {
		token, err := e.tokens.AccessToken(ctx, p)
		if err != nil {
			return err
		}
		cred = token
	}

	switch p.Type {
	case relay.ProviderClaude:
		h.Set("X-Api-Key", cred)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", anthropicVersion)
		}
	case relay.ProviderClaudeAuth:
		h.Set("Authorization", "Bearer "+cred)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", anthropicVersion)
		}
	case relay.ProviderGemini:
		h.Set("X-Goog-Api-Key", cred)
	default: // codex, openai-compatible, gemini-cli
		h.Set("Authorization", "Bearer "+cred)
	}
	return nil
}
