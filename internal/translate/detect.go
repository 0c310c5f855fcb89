// Package translate detects client wire formats and converts requests,
// responses and SSE streams between the protocols the gateway relays:
// Anthropic Messages ("claude"), OpenAI Chat Completions ("openai"),
// OpenAI Responses ("codex") and Gemini-CLI.
package translate

import (
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// DetectFormat resolves the client wire format, preferring the endpoint
// path and falling back to body sniffing for unknown paths.
func DetectFormat(path string, body []byte) relay.Format {
	if f, ok := detectByPath(path); ok {
		return f
	}
	return detectByBody(body)
}

func detectByPath(path string) (relay.Format, bool) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return relay.FormatClaude, true
	case path == "/v1/responses":
		return relay.FormatCodex, true
	case path == "/v1/chat/completions":
		return relay.FormatOpenAI, true
	case strings.HasPrefix(path, "/v1beta/models/"):
		return relay.FormatGemini, true
	case strings.HasPrefix(path, "/v1internal/models/"):
		return relay.FormatGeminiCLI, true
	}
	return "", false
}

// detectByBody sniffs the payload shape. The order matters: a gemini-cli
// envelope wraps a gemini request, and a claude body is an openai body
// plus a top-level system array.
func detectByBody(body []byte) relay.Format {
	r := gjson.ParseBytes(body)
	switch {
	case r.Get("contents").IsArray() && !r.Get("request").Exists():
		return relay.FormatGemini
	case r.Get("request").Exists():
		return relay.FormatGeminiCLI
	case r.Get("input").IsArray():
		return relay.FormatCodex
	case r.Get("messages").IsArray() && r.Get("system").IsArray():
		return relay.FormatClaude
	case r.Get("messages").IsArray():
		return relay.FormatOpenAI
	default:
		return relay.FormatClaude
	}
}
