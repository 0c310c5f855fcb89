package translate

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// defaultMaxTokens is applied when an OpenAI request carries no max_tokens;
// the Anthropic API requires the field.
const defaultMaxTokens = 32000

// OpenAIToClaudeRequest converts an OpenAI Chat Completions request body to
// an Anthropic Messages request.
func OpenAIToClaudeRequest(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	out := map[string]any{
		"model":      r.Get("model").String(),
		"max_tokens": defaultMaxTokens,
	}
	if v := r.Get("max_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	for _, f := range []string{"temperature", "top_p", "stream"} {
		if v := r.Get(f); v.Exists() {
			out[f] = v.Value()
		}
	}
	if v := r.Get("stop"); v.Exists() {
		out["stop_sequences"] = toStringSlice(v)
	}

	var systems []string
	var messages []map[string]any
	msgs := r.Get("messages")
	if !msgs.IsArray() {
		slog.Warn("openai request has no messages array")
	}
	msgs.ForEach(func(_, m gjson.Result) bool {
		switch m.Get("role").String() {
		case "system":
			systems = append(systems, contentText(m.Get("content")))
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": m.Get("tool_call_id").String(),
					"content":     contentText(m.Get("content")),
				}},
			})
		case "assistant":
			messages = append(messages, assistantToClaude(m))
		default: // user
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": userContentToClaude(m.Get("content")),
			})
		}
		return true
	})
	if len(systems) > 0 {
		out["system"] = strings.Join(systems, "\n")
	}
	out["messages"] = messages

	if tools := r.Get("tools"); tools.IsArray() {
		var ct []map[string]any
		tools.ForEach(func(_, t gjson.Result) bool {
			fn := t.Get("function")
			tool := map[string]any{
				"name":         fn.Get("name").String(),
				"input_schema": jsonValue(fn.Get("parameters")),
			}
			if d := fn.Get("description"); d.Exists() {
				tool["description"] = d.String()
			}
			ct = append(ct, tool)
			return true
		})
		out["tools"] = ct
	}
	if tc := claudeToolChoice(r.Get("tool_choice")); tc != nil {
		out["tool_choice"] = tc
	}

	return json.Marshal(out)
}

// assistantToClaude maps an assistant message, expanding tool_calls into
// tool_use content parts.
func assistantToClaude(m gjson.Result) map[string]any {
	var parts []any
	if text := contentText(m.Get("content")); text != "" {
		parts = append(parts, map[string]any{"type": "text", "text": text})
	}
	m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		fn := tc.Get("function")
		parts = append(parts, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  fn.Get("name").String(),
			"input": toolArguments(fn.Get("arguments")),
		})
		return true
	})
	if parts == nil {
		parts = []any{}
	}
	return map[string]any{"role": "assistant", "content": parts}
}

// userContentToClaude maps string or multi-part user content, decoding
// data: image URLs to base64 sources.
func userContentToClaude(content gjson.Result) any {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []any
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": p.Get("text").String()})
		case "image_url":
			parts = append(parts, imageToClaude(p.Get("image_url.url").String()))
		}
		return true
	})
	if parts == nil {
		return ""
	}
	return parts
}

func imageToClaude(url string) map[string]any {
	if media, data, ok := parseDataURL(url); ok {
		return map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "base64", "media_type": media, "data": data},
		}
	}
	return map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "url", "url": url},
	}
}

// parseDataURL splits a data:{media};base64,{data} URL.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, payload, true
}

// claudeToolChoice maps the OpenAI tool_choice field: auto stays auto,
// required becomes any, a typed function choice names the tool, none is
// omitted entirely.
func claudeToolChoice(v gjson.Result) map[string]any {
	switch {
	case !v.Exists():
		return nil
	case v.Type == gjson.String:
		switch v.String() {
		case "auto":
			return map[string]any{"type": "auto"}
		case "required":
			return map[string]any{"type": "any"}
		default: // "none" or unknown
			return nil
		}
	case v.IsObject():
		if name := v.Get("function.name").String(); name != "" {
			return map[string]any{"type": "tool", "name": name}
		}
	}
	return nil
}

// toolArguments parses stringified arguments, passing objects through.
func toolArguments(v gjson.Result) any {
	if v.Type == gjson.String {
		var parsed any
		if err := json.Unmarshal([]byte(v.String()), &parsed); err == nil {
			return parsed
		}
		return map[string]any{}
	}
	return jsonValue(v)
}

// contentText flattens string-or-parts content into plain text.
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var sb strings.Builder
		v.ForEach(func(_, p gjson.Result) bool {
			if p.Get("type").String() == "text" || p.Get("text").Exists() {
				sb.WriteString(p.Get("text").String())
			}
			return true
		})
		return sb.String()
	}
	return ""
}

// jsonValue decodes a gjson node into plain Go values; missing nodes
// become an empty object.
func jsonValue(v gjson.Result) any {
	if !v.Exists() {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// toStringSlice renders a string-or-array node as a string slice.
func toStringSlice(v gjson.Result) []string {
	if v.Type == gjson.String {
		return []string{v.String()}
	}
	var out []string
	v.ForEach(func(_, s gjson.Result) bool {
		out = append(out, s.String())
		return true
	})
	return out
}

// --- Claude responses back to OpenAI ---

// ClaudeToOpenAIResponse converts a non-streaming Anthropic Messages
// response to a Chat Completions response.
func ClaudeToOpenAIResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var text strings.Builder
	var toolCalls []map[string]any
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
		return true
	})

	msg := map[string]any{"role": "assistant", "content": text.String()}
	finish := claudeStopToOpenAI(r.Get("stop_reason").String())
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		if finish == "" {
			finish = "tool_calls"
		}
	}

	out := map[string]any{
		"id":      r.Get("id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   r.Get("model").String(),
		"choices": []any{map[string]any{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	}
	if u := r.Get("usage"); u.Exists() {
		in, outTok := u.Get("input_tokens").Int(), u.Get("output_tokens").Int()
		out["usage"] = map[string]any{
			"prompt_tokens":     in,
			"completion_tokens": outTok,
			"total_tokens":      in + outTok,
		}
	}
	return json.Marshal(out)
}

// claudeStopToOpenAI converts Anthropic stop reasons to OpenAI finish
// reasons.
func claudeStopToOpenAI(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// openAIStopToClaude is the inverse mapping.
func openAIStopToClaude(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return reason
	}
}

// claudeUsage decodes an Anthropic usage object including the cache
// breakdown.
func claudeUsage(u gjson.Result) *relay.Usage {
	if !u.Exists() {
		return nil
	}
	usage := &relay.Usage{
		InputTokens:        u.Get("input_tokens").Int(),
		OutputTokens:       u.Get("output_tokens").Int(),
		CacheCreationTotal: u.Get("cache_creation_input_tokens").Int(),
		CacheReadTokens:    u.Get("cache_read_input_tokens").Int(),
		CacheCreation5m:    u.Get("cache_creation.ephemeral_5m_input_tokens").Int(),
		CacheCreation1h:    u.Get("cache_creation.ephemeral_1h_input_tokens").Int(),
	}
	return usage
}
