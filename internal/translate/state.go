package translate

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"strings"

	relay "github.com/llmrelay/llmrelay/internal"
)

// BlockKind tracks what kind of content block a stream is currently
// emitting.
type BlockKind string

const (
	BlockNone     BlockKind = ""
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// ToolCallState is the per-tool-call bookkeeping inside one stream.
type ToolCallState struct {
	Index int
	ID    string
	Name  string
	Args  strings.Builder
}

// StreamState is the cross-chunk bookkeeping for one streaming response.
// It is confined to a single request's goroutine.
type StreamState struct {
	MessageID string
	Model     string
	Created   int64

	BlockIndex   int
	BlockKind    BlockKind
	HasToolCall  bool
	EmittedStart bool
	EmittedStop  bool
	StopReason   string

	Usage     *relay.Usage
	ToolCalls []*ToolCallState

	inner *StreamState // second stage of a composed transform
}

// NewStreamState returns a fresh state for one response stream.
func NewStreamState() *StreamState {
	return &StreamState{BlockIndex: -1}
}

// ToolCall returns the bookkeeping entry for a tool call index, creating
// it on first sight.
func (st *StreamState) ToolCall(index int) *ToolCallState {
	for _, tc := range st.ToolCalls {
		if tc.Index == index {
			return tc
		}
	}
	tc := &ToolCallState{Index: index}
	st.ToolCalls = append(st.ToolCalls, tc)
	st.HasToolCall = true
	return tc
}

// --- SSE framing ---

// sseData frames a JSON-marshalable value as a data-only SSE event.
func sseData(v any) []byte {
	b, _ := json.Marshal(v)
	return append(append([]byte("data: "), b...), '\n', '\n')
}

// sseRaw frames a pre-serialized payload as a data-only SSE event.
func sseRaw(data string) []byte {
	return []byte("data: " + data + "\n\n")
}

// sseEvent frames a named SSE event, the Anthropic stream convention.
func sseEvent(name string, v any) []byte {
	b, _ := json.Marshal(v)
	var buf bytes.Buffer
	buf.Grow(len(name) + len(b) + 20)
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteString("\ndata: ")
	buf.Write(b)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// sseDone is the OpenAI terminal sentinel.
var sseDone = []byte("data: [DONE]\n\n")

// --- IDs ---

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewToolCallID mints an OpenAI-style tool call id: "call_" + 24 base62.
func NewToolCallID() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = base62[int(b[i])%len(base62)]
	}
	return "call_" + string(b[:])
}

// newMessageID mints a chat completion id for synthesized responses.
func newMessageID(prefix string) string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = base62[int(b[i])%len(base62)]
	}
	return prefix + string(b[:])
}
