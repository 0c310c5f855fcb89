package translate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// ClaudeToOpenAIRequest converts an Anthropic Messages request body to a
// Chat Completions request, for Claude-speaking clients in front of
// OpenAI-compatible upstreams.
func ClaudeToOpenAIRequest(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	out := map[string]any{
		"model": r.Get("model").String(),
	}
	for _, f := range []string{"temperature", "top_p", "stream"} {
		if v := r.Get(f); v.Exists() {
			out[f] = v.Value()
		}
	}
	if v := r.Get("max_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	if v := r.Get("stop_sequences"); v.IsArray() {
		out["stop"] = toStringSlice(v)
	}

	var messages []map[string]any
	if sys := systemText(r.Get("system")); sys != "" {
		messages = append(messages, map[string]any{"role": "system", "content": sys})
	}
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		messages = append(messages, claudeMessageToOpenAI(m)...)
		return true
	})
	if messages == nil {
		messages = []map[string]any{}
	}
	out["messages"] = messages

	if tools := r.Get("tools"); tools.IsArray() {
		var ot []map[string]any
		tools.ForEach(func(_, t gjson.Result) bool {
			fn := map[string]any{
				"name":       t.Get("name").String(),
				"parameters": jsonValue(t.Get("input_schema")),
			}
			if d := t.Get("description"); d.Exists() {
				fn["description"] = d.String()
			}
			ot = append(ot, map[string]any{"type": "function", "function": fn})
			return true
		})
		out["tools"] = ot
	}
	if tc := openAIToolChoice(r.Get("tool_choice")); tc != nil {
		out["tool_choice"] = tc
	}

	return json.Marshal(out)
}

// claudeMessageToOpenAI expands one Anthropic message. Messages mixing
// tool results with other content fan out into several OpenAI messages,
// since tool results are top-level messages there.
func claudeMessageToOpenAI(m gjson.Result) []map[string]any {
	role := m.Get("role").String()
	content := m.Get("content")

	if content.Type == gjson.String {
		return []map[string]any{{"role": role, "content": content.String()}}
	}

	var out []map[string]any
	var text strings.Builder
	var parts []any // multimodal user parts
	var toolCalls []map[string]any

	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			text.WriteString(p.Get("text").String())
			parts = append(parts, map[string]any{"type": "text", "text": p.Get("text").String()})
		case "image":
			parts = append(parts, claudeImageToOpenAI(p.Get("source")))
		case "tool_use":
			args, _ := json.Marshal(jsonValue(p.Get("input")))
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      p.Get("name").String(),
					"arguments": string(args),
				},
			})
		case "tool_result":
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": p.Get("tool_use_id").String(),
				"content":      contentText(p.Get("content")),
			})
		}
		return true
	})

	hasImage := false
	for _, p := range parts {
		if mp, ok := p.(map[string]any); ok && mp["type"] == "image_url" {
			hasImage = true
		}
	}

	switch {
	case role == "assistant" && len(toolCalls) > 0:
		msg := map[string]any{"role": "assistant", "content": text.String(), "tool_calls": toolCalls}
		out = append(out, msg)
	case hasImage:
		out = append(out, map[string]any{"role": role, "content": parts})
	case text.Len() > 0:
		out = append(out, map[string]any{"role": role, "content": text.String()})
	}
	return out
}

func claudeImageToOpenAI(source gjson.Result) map[string]any {
	var url string
	if source.Get("type").String() == "base64" {
		url = "data:" + source.Get("media_type").String() + ";base64," + source.Get("data").String()
	} else {
		url = source.Get("url").String()
	}
	return map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}}
}

// openAIToolChoice maps the Anthropic tool_choice to OpenAI's: any
// becomes required, a named tool becomes a typed function choice.
func openAIToolChoice(v gjson.Result) any {
	if !v.Exists() {
		return nil
	}
	switch v.Get("type").String() {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{"type": "function", "function": map[string]any{"name": v.Get("name").String()}}
	case "none":
		return "none"
	}
	return nil
}

// systemText flattens a Claude system field (string or text parts).
func systemText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var lines []string
		v.ForEach(func(_, p gjson.Result) bool {
			if t := p.Get("text").String(); t != "" {
				lines = append(lines, t)
			}
			return true
		})
		return strings.Join(lines, "\n")
	}
	return ""
}

// --- OpenAI responses back to Claude ---

// OpenAIToClaudeResponse converts a non-streaming Chat Completions
// response to an Anthropic Messages response.
func OpenAIToClaudeResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	msg := choice.Get("message")

	var content []any
	if text := contentText(msg.Get("content")); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": toolArguments(tc.Get("function.arguments")),
		})
		return true
	})
	if content == nil {
		content = []any{}
	}

	out := map[string]any{
		"id":          r.Get("id").String(),
		"type":        "message",
		"role":        "assistant",
		"model":       r.Get("model").String(),
		"content":     content,
		"stop_reason": openAIStopToClaude(choice.Get("finish_reason").String()),
	}
	if u := r.Get("usage"); u.Exists() {
		out["usage"] = map[string]any{
			"input_tokens":  u.Get("prompt_tokens").Int(),
			"output_tokens": u.Get("completion_tokens").Int(),
		}
	}
	return json.Marshal(out)
}

// --- OpenAI stream back to Claude events ---

// openAIToClaudeStream converts chat.completion.chunk events into the
// Anthropic event stream, opening and closing content blocks as the
// delta kind changes.
func openAIToClaudeStream(st *StreamState, _ string, data string) []byte {
	r := gjson.Parse(data)
	var out []byte

	if !st.EmittedStart {
		st.EmittedStart = true
		st.MessageID = r.Get("id").String()
		if st.MessageID == "" {
			st.MessageID = newMessageID("msg_")
		}
		st.Model = r.Get("model").String()
		out = append(out, sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      st.MessageID,
				"type":    "message",
				"role":    "assistant",
				"model":   st.Model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	}

	if u := r.Get("usage"); u.Exists() {
		st.Usage = &relay.Usage{
			InputTokens:  u.Get("prompt_tokens").Int(),
			OutputTokens: u.Get("completion_tokens").Int(),
		}
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		out = append(out, st.openBlock(BlockText, map[string]any{"type": "text", "text": ""})...)
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": st.BlockIndex,
			"delta": map[string]any{"type": "text_delta", "text": text.String()},
		})...)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if id := tc.Get("id").String(); id != "" {
			// New tool call: open a tool_use block.
			out = append(out, st.closeBlock()...)
			st.BlockIndex++
			st.BlockKind = BlockToolUse
			st.HasToolCall = true
			call := st.ToolCall(st.BlockIndex)
			call.ID = id
			call.Name = tc.Get("function.name").String()
			out = append(out, sseEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": st.BlockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": map[string]any{},
				},
			})...)
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, sseEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": st.BlockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
			})...)
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		st.StopReason = openAIStopToClaude(fr.String())
	}
	return out
}

// openAIToClaudeFinish closes the open block and flushes message_delta and
// message_stop exactly once.
func openAIToClaudeFinish(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true

	out := st.closeBlock()
	stop := st.StopReason
	if stop == "" {
		stop = "end_turn"
	}
	usage := map[string]any{"output_tokens": int64(0)}
	if st.Usage != nil {
		usage["output_tokens"] = st.Usage.OutputTokens
		usage["input_tokens"] = st.Usage.InputTokens
	}
	out = append(out, sseEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop},
		"usage": usage,
	})...)
	out = append(out, sseEvent("message_stop", map[string]any{"type": "message_stop"})...)
	return out
}

// openBlock ensures a block of the wanted kind is open, closing any other
// kind first.
func (st *StreamState) openBlock(kind BlockKind, blockPayload map[string]any) []byte {
	if st.BlockKind == kind {
		return nil
	}
	out := st.closeBlock()
	st.BlockIndex++
	st.BlockKind = kind
	out = append(out, sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         st.BlockIndex,
		"content_block": blockPayload,
	})...)
	return out
}

// closeBlock emits content_block_stop for the open block, if any.
func (st *StreamState) closeBlock() []byte {
	if st.BlockKind == BlockNone {
		return nil
	}
	idx := st.BlockIndex
	st.BlockKind = BlockNone
	return sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}
