package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// codexInstructions is the default system prompt the Responses API expects;
// the upstream rejects sessions that replace it, so admin or client system
// text rides inside the message list instead.
const codexInstructions = "You are a coding agent running in the Codex CLI, a terminal-based coding assistant. Codex CLI is an open source project led by OpenAI. You are expected to be precise, safe, and helpful."

// OpenAIToCodexRequest converts a Chat Completions request to a Responses
// API request. Codex upstreams always stream and reject the sampling
// fields, so those are forced and stripped here regardless of what the
// client sent.
func OpenAIToCodexRequest(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	out := map[string]any{
		"model":               r.Get("model").String(),
		"stream":              true,
		"store":               false,
		"parallel_tool_calls": true,
		"include":             []string{"reasoning.encrypted_content"},
		"instructions":        codexInstructions,
	}

	var systems []string
	var input []any
	systemMerged := false

	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		switch m.Get("role").String() {
		case "system":
			systems = append(systems, contentText(m.Get("content")))
		case "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.Get("tool_call_id").String(),
				"output":  contentText(m.Get("content")),
			})
		case "assistant":
			if text := contentText(m.Get("content")); text != "" {
				input = append(input, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": []any{map[string]any{"type": "output_text", "text": text}},
				})
			}
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.Get("id").String(),
					"name":      tc.Get("function.name").String(),
					"arguments": codexArguments(tc.Get("function.arguments")),
				})
				return true
			})
		default: // user
			parts := codexUserParts(m.Get("content"))
			if !systemMerged && len(systems) > 0 {
				sys := map[string]any{"type": "input_text", "text": strings.Join(systems, "\n\n")}
				parts = append([]any{sys}, parts...)
				systemMerged = true
			}
			input = append(input, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": parts,
			})
		}
		return true
	})

	// No user message to carry the system text: synthesize one.
	if !systemMerged && len(systems) > 0 {
		input = append(input, map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{
				map[string]any{"type": "input_text", "text": strings.Join(systems, "\n\n")},
			},
		})
	}
	if input == nil {
		input = []any{}
	}
	out["input"] = input

	if tools := r.Get("tools"); tools.IsArray() {
		var ct []map[string]any
		tools.ForEach(func(_, t gjson.Result) bool {
			fn := t.Get("function")
			tool := map[string]any{
				"type":       "function",
				"name":       fn.Get("name").String(),
				"parameters": jsonValue(fn.Get("parameters")),
			}
			if d := fn.Get("description"); d.Exists() {
				tool["description"] = d.String()
			}
			ct = append(ct, tool)
			return true
		})
		out["tools"] = ct
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		out["tool_choice"] = jsonValue(tc)
	}

	return json.Marshal(out)
}

// codexUserParts maps user content to Responses input parts.
func codexUserParts(content gjson.Result) []any {
	var parts []any
	if content.Type == gjson.String {
		if content.String() != "" {
			parts = append(parts, map[string]any{"type": "input_text", "text": content.String()})
		}
		return parts
	}
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "input_text", "text": p.Get("text").String()})
		case "image_url":
			parts = append(parts, map[string]any{"type": "input_image", "image_url": p.Get("image_url.url").String()})
		}
		return true
	})
	return parts
}

// codexArguments keeps stringified arguments as-is and passes objects
// through.
func codexArguments(v gjson.Result) any {
	if v.Type == gjson.String {
		return v.String()
	}
	return jsonValue(v)
}

// CodexToOpenAIRequest converts a Responses API request to Chat
// Completions, for Codex-speaking clients in front of OpenAI-compatible
// upstreams.
func CodexToOpenAIRequest(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	out := map[string]any{
		"model": r.Get("model").String(),
	}
	for _, f := range []string{"temperature", "top_p", "stream"} {
		if v := r.Get(f); v.Exists() {
			out[f] = v.Value()
		}
	}
	if v := r.Get("max_output_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}

	var messages []map[string]any
	if ins := r.Get("instructions"); ins.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": ins.String()})
	}

	input := r.Get("input")
	if input.Type == gjson.String {
		messages = append(messages, map[string]any{"role": "user", "content": input.String()})
	}
	input.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id":   item.Get("call_id").String(),
					"type": "function",
					"function": map[string]any{
						"name":      item.Get("name").String(),
						"arguments": stringifyArguments(item.Get("arguments")),
					},
				}},
			})
		case "function_call_output":
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": item.Get("call_id").String(),
				"content":      item.Get("output").String(),
			})
		case "message", "":
			messages = append(messages, codexMessageToOpenAI(item))
		}
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
				"parameters": jsonValue(t.Get("parameters")),
			}
			if d := t.Get("description"); d.Exists() {
				fn["description"] = d.String()
			}
			ot = append(ot, map[string]any{"type": "function", "function": fn})
			return true
		})
		out["tools"] = ot
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		switch {
		case tc.Type == gjson.String:
			out["tool_choice"] = tc.String()
		case tc.Get("name").Exists():
			out["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": tc.Get("name").String()},
			}
		default:
			out["tool_choice"] = jsonValue(tc)
		}
	}

	return json.Marshal(out)
}

func codexMessageToOpenAI(item gjson.Result) map[string]any {
	role := item.Get("role").String()
	content := item.Get("content")
	if content.Type == gjson.String {
		return map[string]any{"role": role, "content": content.String()}
	}

	var text strings.Builder
	var parts []any
	hasImage := false
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "input_text", "output_text", "text":
			text.WriteString(p.Get("text").String())
			parts = append(parts, map[string]any{"type": "text", "text": p.Get("text").String()})
		case "input_image":
			hasImage = true
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.Get("image_url").String()},
			})
		}
		return true
	})
	if hasImage {
		return map[string]any{"role": role, "content": parts}
	}
	return map[string]any{"role": role, "content": text.String()}
}

// stringifyArguments renders function arguments as the JSON string the
// Chat Completions schema requires.
func stringifyArguments(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.Exists() {
		return "{}"
	}
	return v.Raw
}

// --- Codex stream to OpenAI chunks ---

// codexToOpenAIStream converts Responses API SSE events into Chat
// Completions chunks. Codex upstreams always stream; when the client asked
// for a non-streaming completion, the caller aggregates these chunks.
func codexToOpenAIStream(st *StreamState, event, data string) []byte {
	r := gjson.Parse(data)
	switch event {
	case "response.created":
		st.MessageID = r.Get("response.id").String()
		st.Model = r.Get("response.model").String()
		st.Created = time.Now().Unix()
		st.EmittedStart = true
		return openAIChunk(st, map[string]any{"role": "assistant"}, nil)

	case "response.output_text.delta":
		return openAIChunk(st, map[string]any{"content": r.Get("delta").String()}, nil)

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		idx := int(r.Get("output_index").Int())
		tc := st.ToolCall(idx)
		tc.ID = item.Get("call_id").String()
		tc.Name = item.Get("name").String()
		st.BlockKind = BlockToolUse
		return openAIChunk(st, map[string]any{
			"tool_calls": []any{map[string]any{
				"index": len(st.ToolCalls) - 1,
				"id":    tc.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": "",
				},
			}},
		}, nil)

	case "response.function_call_arguments.delta":
		idx := int(r.Get("output_index").Int())
		partial := r.Get("delta").String()
		tc := st.ToolCall(idx)
		tc.Args.WriteString(partial)
		return openAIChunk(st, map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    toolPosition(st, idx),
				"function": map[string]any{"arguments": partial},
			}},
		}, nil)

	case "response.completed":
		if u := r.Get("response.usage"); u.Exists() {
			st.Usage = &relay.Usage{
				InputTokens:     u.Get("input_tokens").Int(),
				OutputTokens:    u.Get("output_tokens").Int(),
				CacheReadTokens: u.Get("input_tokens_details.cached_tokens").Int(),
			}
		}
		return codexToOpenAIFinal(st)
	}
	return nil
}

// codexToOpenAIFinish flushes the final chunk and [DONE] exactly once.
func codexToOpenAIFinish(st *StreamState) []byte {
	out := codexToOpenAIFinal(st)
	return append(out, sseDone...)
}

func codexToOpenAIFinal(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true
	finish := "stop"
	if st.HasToolCall {
		finish = "tool_calls"
	}
	return openAIChunk(st, map[string]any{}, &finish)
}

// --- OpenAI responses back to Codex ---

// openAIToCodexResponse converts a non-streaming Chat Completions response
// to a completed Responses API object.
func openAIToCodexResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	msg := choice.Get("message")

	var output []any
	if text := contentText(msg.Get("content")); text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []any{
				map[string]any{"type": "output_text", "text": text},
			},
		})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		output = append(output, map[string]any{
			"type":      "function_call",
			"status":    "completed",
			"call_id":   tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"arguments": tc.Get("function.arguments").String(),
		})
		return true
	})
	if output == nil {
		output = []any{}
	}

	out := map[string]any{
		"id":         r.Get("id").String(),
		"object":     "response",
		"created_at": r.Get("created").Int(),
		"status":     "completed",
		"model":      r.Get("model").String(),
		"output":     output,
	}
	if u := r.Get("usage"); u.Exists() {
		in, outTok := u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int()
		out["usage"] = map[string]any{
			"input_tokens":  in,
			"output_tokens": outTok,
			"total_tokens":  in + outTok,
		}
	}
	return json.Marshal(out)
}

// openAIToCodexStream converts chat.completion.chunk events into Responses
// API SSE events for Codex-speaking clients.
func openAIToCodexStream(st *StreamState, _ string, data string) []byte {
	r := gjson.Parse(data)
	var out []byte

	if !st.EmittedStart {
		st.EmittedStart = true
		st.MessageID = r.Get("id").String()
		if st.MessageID == "" {
			st.MessageID = newMessageID("resp_")
		}
		st.Model = r.Get("model").String()
		st.Created = r.Get("created").Int()
		out = append(out, sseEvent("response.created", map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":         st.MessageID,
				"object":     "response",
				"created_at": st.Created,
				"status":     "in_progress",
				"model":      st.Model,
				"output":     []any{},
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
		out = append(out, sseEvent("response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"output_index": 0,
			"delta":        text.String(),
		})...)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if id := tc.Get("id").String(); id != "" {
			st.BlockIndex++
			tcs := st.ToolCall(st.BlockIndex)
			tcs.ID = id
			tcs.Name = tc.Get("function.name").String()
			out = append(out, sseEvent("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": st.BlockIndex,
				"item": map[string]any{
					"type":      "function_call",
					"status":    "in_progress",
					"call_id":   tcs.ID,
					"name":      tcs.Name,
					"arguments": "",
				},
			})...)
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, sseEvent("response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": st.BlockIndex,
				"delta":        args,
			})...)
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		st.StopReason = fr.String()
	}
	return out
}

// openAIToCodexFinish flushes response.completed exactly once.
func openAIToCodexFinish(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true
	resp := map[string]any{
		"id":         st.MessageID,
		"object":     "response",
		"created_at": st.Created,
		"status":     "completed",
		"model":      st.Model,
	}
	if st.Usage != nil {
		resp["usage"] = map[string]any{
			"input_tokens":  st.Usage.InputTokens,
			"output_tokens": st.Usage.OutputTokens,
			"total_tokens":  st.Usage.InputTokens + st.Usage.OutputTokens,
		}
	}
	return sseEvent("response.completed", map[string]any{
		"type":     "response.completed",
		"response": resp,
	})
}
