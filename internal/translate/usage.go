package translate

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// UsageFromResponse extracts token usage from a non-streaming response
// body in the given wire format. Returns nil when the body carries none.
func UsageFromResponse(format relay.Format, body []byte) *relay.Usage {
	r := gjson.ParseBytes(body)
	switch format {
	case relay.FormatClaude:
		return claudeUsage(r.Get("usage"))
	case relay.FormatOpenAI:
		u := r.Get("usage")
		if !u.Exists() {
			return nil
		}
		return &relay.Usage{
			InputTokens:     u.Get("prompt_tokens").Int(),
			OutputTokens:    u.Get("completion_tokens").Int(),
			CacheReadTokens: u.Get("prompt_tokens_details.cached_tokens").Int(),
		}
	case relay.FormatCodex:
		u := r.Get("usage")
		if !u.Exists() {
			u = r.Get("response.usage")
		}
		if !u.Exists() {
			return nil
		}
		return &relay.Usage{
			InputTokens:     u.Get("input_tokens").Int(),
			OutputTokens:    u.Get("output_tokens").Int(),
			CacheReadTokens: u.Get("input_tokens_details.cached_tokens").Int(),
		}
	case relay.FormatGemini, relay.FormatGeminiCLI:
		u := r.Get("usageMetadata")
		if !u.Exists() {
			u = r.Get("response.usageMetadata")
		}
		if !u.Exists() {
			return nil
		}
		return &relay.Usage{
			InputTokens:     u.Get("promptTokenCount").Int(),
			OutputTokens:    u.Get("candidatesTokenCount").Int(),
			CacheReadTokens: u.Get("cachedContentTokenCount").Int(),
		}
	}
	return nil
}

// UsageFromStreamEvent sniffs usage out of a single passthrough SSE event.
// Streams relayed without translation still need accounting; the caller
// keeps the last non-nil result.
func UsageFromStreamEvent(format relay.Format, event, data string) *relay.Usage {
	switch format {
	case relay.FormatClaude:
		r := gjson.Parse(data)
		switch event {
		case "message_start":
			return claudeUsage(r.Get("message.usage"))
		case "message_delta":
			if u := r.Get("usage"); u.Exists() {
				return &relay.Usage{OutputTokens: u.Get("output_tokens").Int()}
			}
		}
		return nil
	case relay.FormatCodex:
		if event != "response.completed" {
			return nil
		}
		return UsageFromResponse(relay.FormatCodex, []byte(data))
	default:
		return UsageFromResponse(format, []byte(data))
	}
}

// MergeStreamUsage folds a later usage snapshot into an earlier one.
// Claude splits input tokens (message_start) from output tokens
// (message_delta) across events.
func MergeStreamUsage(acc, next *relay.Usage) *relay.Usage {
	if acc == nil {
		return next
	}
	if next == nil {
		return acc
	}
	if next.InputTokens > 0 {
		acc.InputTokens = next.InputTokens
	}
	if next.OutputTokens > 0 {
		acc.OutputTokens = next.OutputTokens
	}
	if next.CacheReadTokens > 0 {
		acc.CacheReadTokens = next.CacheReadTokens
	}
	if next.CacheCreationTotal > 0 {
		acc.CacheCreationTotal = next.CacheCreationTotal
	}
	if next.CacheCreation5m > 0 {
		acc.CacheCreation5m = next.CacheCreation5m
	}
	if next.CacheCreation1h > 0 {
		acc.CacheCreation1h = next.CacheCreation1h
	}
	return acc
}

// AggregateOpenAIChunks assembles SSE-framed chat.completion.chunk events
// into one chat.completion response. Used when the client asked for a
// non-streaming reply but the upstream only streams.
func AggregateOpenAIChunks(framed []byte) ([]byte, error) {
	agg := struct {
		id, model, finish, content string
		created                    int64
		usage                      *relay.Usage
		toolCalls                  []*ToolCallState
	}{}

	toolByIndex := func(idx int) *ToolCallState {
		for _, tc := range agg.toolCalls {
			if tc.Index == idx {
				return tc
			}
		}
		tc := &ToolCallState{Index: idx}
		agg.toolCalls = append(agg.toolCalls, tc)
		return tc
	}

	forEachSSE(framed, func(_, data string) {
		r := gjson.Parse(data)
		if agg.id == "" {
			agg.id = r.Get("id").String()
			agg.model = r.Get("model").String()
			agg.created = r.Get("created").Int()
		}
		if u := r.Get("usage"); u.Exists() {
			agg.usage = &relay.Usage{
				InputTokens:  u.Get("prompt_tokens").Int(),
				OutputTokens: u.Get("completion_tokens").Int(),
			}
		}
		delta := r.Get("choices.0.delta")
		agg.content += delta.Get("content").String()
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			entry := toolByIndex(int(tc.Get("index").Int()))
			if id := tc.Get("id").String(); id != "" {
				entry.ID = id
			}
			if name := tc.Get("function.name").String(); name != "" {
				entry.Name = name
			}
			entry.Args.WriteString(tc.Get("function.arguments").String())
			return true
		})
		if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			agg.finish = fr.String()
		}
	})

	msg := map[string]any{"role": "assistant", "content": agg.content}
	if len(agg.toolCalls) > 0 {
		var calls []any
		for _, tc := range agg.toolCalls {
			args := tc.Args.String()
			if args == "" {
				args = "{}"
			}
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": args,
				},
			})
		}
		msg["tool_calls"] = calls
		if agg.finish == "" {
			agg.finish = "tool_calls"
		}
	}
	if agg.finish == "" {
		agg.finish = "stop"
	}

	out := map[string]any{
		"id":      agg.id,
		"object":  "chat.completion",
		"created": agg.created,
		"model":   agg.model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       msg,
			"finish_reason": agg.finish,
		}},
	}
	if agg.usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     agg.usage.InputTokens,
			"completion_tokens": agg.usage.OutputTokens,
			"total_tokens":      agg.usage.InputTokens + agg.usage.OutputTokens,
		}
	}
	return json.Marshal(out)
}
