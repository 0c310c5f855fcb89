// Package redirect rewrites the client-requested model to the upstream
// model a provider expects, including the model segment embedded in Gemini
// URL paths. Billing always keeps the original model name.
package redirect

import (
	"log/slog"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// urlModelPattern matches the model segment of Gemini-style paths:
// /models/{model} optionally followed by :action.
var urlModelPattern = regexp.MustCompile(`(/models/)([^/:?]+)`)

// Apply rewrites the session for the given provider. When the provider
// maps the original model, the request model, body buffer and (for Gemini
// types) URL path are rewritten; otherwise any previous provider's rewrite
// is undone so the next upstream sees what the client sent.
func Apply(s *relay.ProxySession, p *relay.Provider) {
	// Always redirect from the model the client first asked for, never a
	// previous provider's rewrite.
	original := s.OriginalModel

	target, ok := p.ModelRedirects[original]
	if !ok || target == "" {
		restore(s)
		return
	}

	setModel(s, target)
	if isGeminiType(p.Type) {
		s.RequestURL = rewriteURLModel(s.RequestURL, target)
	}

	if e := s.LastChainEntry(); e != nil {
		e.OriginalModel = original
		e.RedirectedModel = target
		e.BillingModel = original
	}
}

func restore(s *relay.ProxySession) {
	if s.Model == s.OriginalModel && s.RequestURL == s.OriginalURLPath {
		return
	}
	setModel(s, s.OriginalModel)
	s.RequestURL = s.OriginalURLPath
	if e := s.LastChainEntry(); e != nil {
		e.OriginalModel = s.OriginalModel
		e.BillingModel = s.OriginalModel
	}
}

// setModel updates both the tracked model and the raw buffer. Bodies
// without a model field (Gemini puts it in the URL) are left alone.
func setModel(s *relay.ProxySession, model string) {
	s.Model = model
	if len(s.Body) == 0 || !gjson.GetBytes(s.Body, "model").Exists() {
		return
	}
	out, err := sjson.SetBytes(s.Body, "model", model)
	if err != nil {
		slog.Warn("model redirect: body rewrite failed", "error", err)
		return
	}
	s.Body = out
}

func rewriteURLModel(url, model string) string {
	return urlModelPattern.ReplaceAllString(url, "${1}"+model)
}

func isGeminiType(t relay.ProviderType) bool {
	return t == relay.ProviderGemini || t == relay.ProviderGeminiCLI
}
