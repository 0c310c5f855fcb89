package translate

import (
	relay "github.com/llmrelay/llmrelay/internal"
)

// RequestTransform converts a request body from one format to another.
// Parse failures yield an empty but structurally valid target payload; the
// upstream decides whether to reject it.
type RequestTransform func(body []byte) ([]byte, error)

// StreamFunc processes one upstream SSE event and returns client-ready,
// SSE-framed bytes (possibly empty, possibly several events).
type StreamFunc func(st *StreamState, event, data string) []byte

// FinishFunc emits whatever terminal events the stream still owes the
// client (message_stop / [DONE] equivalents), exactly once.
type FinishFunc func(st *StreamState) []byte

// ResponseTransform converts upstream responses back to the client format.
type ResponseTransform struct {
	NonStream func(body []byte) ([]byte, error)
	Stream    StreamFunc
	Finish    FinishFunc
}

// Transformer bundles the request and response directions for one
// (clientFormat, providerFormat) pair.
type Transformer struct {
	Request  RequestTransform
	Response ResponseTransform
}

type pair struct {
	from relay.Format // client format
	to   relay.Format // provider format
}

// registry is populated at init and read-only afterwards.
var registry = map[pair]Transformer{}

func register(from, to relay.Format, t Transformer) {
	registry[pair{from, to}] = t
}

// Lookup returns the transformer for a (client, provider) format pair.
// Unregistered pairs pass payloads through untouched.
func Lookup(from, to relay.Format) (Transformer, bool) {
	t, ok := registry[pair{from, to}]
	return t, ok
}

// Registered reports whether a native translation exists for the pair.
// The selector prefers providers that need no translation at all, then
// ones with a registered transform.
func Registered(from, to relay.Format) bool {
	_, ok := Lookup(from, to)
	return ok
}

func init() {
	// Direct pairs.
	register(relay.FormatOpenAI, relay.FormatClaude, Transformer{
		Request: OpenAIToClaudeRequest,
		Response: ResponseTransform{
			NonStream: ClaudeToOpenAIResponse,
			Stream:    claudeToOpenAIStream,
			Finish:    claudeToOpenAIFinish,
		},
	})
	register(relay.FormatClaude, relay.FormatOpenAI, Transformer{
		Request: ClaudeToOpenAIRequest,
		Response: ResponseTransform{
			NonStream: OpenAIToClaudeResponse,
			Stream:    openAIToClaudeStream,
			Finish:    openAIToClaudeFinish,
		},
	})
	register(relay.FormatOpenAI, relay.FormatCodex, Transformer{
		Request: OpenAIToCodexRequest,
		Response: ResponseTransform{
			Stream: codexToOpenAIStream,
			Finish: codexToOpenAIFinish,
		},
	})
	register(relay.FormatCodex, relay.FormatOpenAI, Transformer{
		Request: CodexToOpenAIRequest,
		Response: ResponseTransform{
			NonStream: openAIToCodexResponse,
			Stream:    openAIToCodexStream,
			Finish:    openAIToCodexFinish,
		},
	})
	register(relay.FormatGeminiCLI, relay.FormatOpenAI, Transformer{
		Request: GeminiCLIToOpenAIRequest,
		Response: ResponseTransform{
			NonStream: OpenAIToGeminiCLIResponse,
			Stream:    openAIToGeminiCLIStream,
			Finish:    openAIToGeminiCLIFinish,
		},
	})

	// Composed pairs route through the OpenAI representation.
	register(relay.FormatClaude, relay.FormatCodex, compose(
		pair{relay.FormatClaude, relay.FormatOpenAI},
		pair{relay.FormatOpenAI, relay.FormatCodex},
	))
	register(relay.FormatGeminiCLI, relay.FormatClaude, compose(
		pair{relay.FormatGeminiCLI, relay.FormatOpenAI},
		pair{relay.FormatOpenAI, relay.FormatClaude},
	))
	register(relay.FormatGeminiCLI, relay.FormatCodex, compose(
		pair{relay.FormatGeminiCLI, relay.FormatOpenAI},
		pair{relay.FormatOpenAI, relay.FormatCodex},
	))
}
