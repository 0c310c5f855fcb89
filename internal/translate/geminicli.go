package translate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// GeminiCLIToOpenAIRequest unwraps the Gemini-CLI envelope and converts
// the inner GenerateContent request to Chat Completions.
func GeminiCLIToOpenAIRequest(body []byte) ([]byte, error) {
	env := gjson.ParseBytes(body)
	r := env.Get("request")
	out := map[string]any{
		"model": env.Get("model").String(),
	}

	gc := r.Get("generationConfig")
	if v := gc.Get("temperature"); v.Exists() {
		out["temperature"] = v.Float()
	}
	if v := gc.Get("topP"); v.Exists() {
		out["top_p"] = v.Float()
	}
	if v := gc.Get("topK"); v.Exists() {
		out["top_k"] = v.Int()
	}
	if v := gc.Get("maxOutputTokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	if v := gc.Get("stopSequences"); v.IsArray() {
		out["stop"] = toStringSlice(v)
	}
	if effort, ok := reasoningEffort(gc.Get("thinkingConfig")); ok {
		out["reasoning_effort"] = effort
	}

	var messages []map[string]any
	if sys := geminiSystemText(r.Get("systemInstruction")); sys != "" {
		messages = append(messages, map[string]any{"role": "system", "content": sys})
	}

	// Gemini function responses carry no call id; pair each with the most
	// recent outstanding id minted for a functionCall.
	var outstanding []string
	r.Get("contents").ForEach(func(_, c gjson.Result) bool {
		messages = append(messages, geminiContentToOpenAI(c, &outstanding)...)
		return true
	})
	if messages == nil {
		messages = []map[string]any{}
	}
	out["messages"] = messages

	if decls := r.Get("tools.0.functionDeclarations"); decls.IsArray() {
		var tools []map[string]any
		decls.ForEach(func(_, d gjson.Result) bool {
			fn := map[string]any{
				"name":       d.Get("name").String(),
				"parameters": geminiToolSchema(d),
			}
			if desc := d.Get("description"); desc.Exists() {
				fn["description"] = desc.String()
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
			return true
		})
		out["tools"] = tools
	}

	return json.Marshal(out)
}

// geminiContentToOpenAI expands one contents[] entry. Function calls and
// responses fan out into their own messages.
func geminiContentToOpenAI(c gjson.Result, outstanding *[]string) []map[string]any {
	role := c.Get("role").String()
	if role == "model" {
		role = "assistant"
	}
	if role == "" {
		role = "user"
	}

	var out []map[string]any
	var text strings.Builder
	var parts []any
	var toolCalls []map[string]any
	hasImage := false

	c.Get("parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("text").Exists():
			t := p.Get("text").String()
			text.WriteString(t)
			parts = append(parts, map[string]any{"type": "text", "text": t})
		case p.Get("inlineData").Exists():
			hasImage = true
			d := p.Get("inlineData")
			url := "data:" + d.Get("mimeType").String() + ";base64," + d.Get("data").String()
			parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			id := NewToolCallID()
			*outstanding = append(*outstanding, id)
			args, _ := json.Marshal(jsonValue(fc.Get("args")))
			toolCalls = append(toolCalls, map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": string(args),
				},
			})
		case p.Get("functionResponse").Exists():
			// Some CLIs replay a functionResponse without its call; mint an
			// id so the tool message still carries a well-formed reference.
			var id string
			if n := len(*outstanding); n > 0 {
				id = (*outstanding)[n-1]
				*outstanding = (*outstanding)[:n-1]
			} else {
				id = NewToolCallID()
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": id,
				"content":      geminiFunctionResult(p.Get("functionResponse.response")),
			})
		}
		return true
	})

	switch {
	case len(toolCalls) > 0:
		out = append(out, map[string]any{"role": "assistant", "content": text.String(), "tool_calls": toolCalls})
	case hasImage:
		out = append(out, map[string]any{"role": role, "content": parts})
	case text.Len() > 0:
		out = append(out, map[string]any{"role": role, "content": text.String()})
	}
	return out
}

// geminiFunctionResult renders a functionResponse payload: a string result
// passes through, anything else is serialized whole.
func geminiFunctionResult(response gjson.Result) string {
	if res := response.Get("result"); res.Type == gjson.String {
		return res.String()
	}
	if !response.Exists() {
		return ""
	}
	return response.Raw
}

func geminiSystemText(v gjson.Result) string {
	var lines []string
	v.Get("parts").ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text").String(); t != "" {
			lines = append(lines, t)
		}
		return true
	})
	return strings.Join(lines, "\n")
}

// geminiToolSchema prefers parametersJsonSchema over the legacy
// parameters field.
func geminiToolSchema(decl gjson.Result) any {
	if s := decl.Get("parametersJsonSchema"); s.Exists() {
		return jsonValue(s)
	}
	return jsonValue(decl.Get("parameters"))
}

// reasoningEffort buckets a thinkingConfig into the OpenAI effort scale.
func reasoningEffort(tc gjson.Result) (string, bool) {
	if !tc.Exists() {
		return "", false
	}
	if inc := tc.Get("include_thoughts"); inc.Exists() && !inc.Bool() {
		return "none", true
	}
	if inc := tc.Get("includeThoughts"); inc.Exists() && !inc.Bool() {
		return "none", true
	}
	budget := tc.Get("thinkingBudget")
	if !budget.Exists() {
		return "", false
	}
	switch b := budget.Int(); {
	case b == 0:
		return "none", true
	case b == -1:
		return "auto", true
	case b <= 1024:
		return "low", true
	case b <= 8192:
		return "medium", true
	default:
		return "high", true
	}
}

// --- OpenAI responses back to Gemini-CLI ---

// OpenAIToGeminiCLIResponse converts a non-streaming Chat Completions
// response to a Gemini-CLI response envelope.
func OpenAIToGeminiCLIResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	msg := choice.Get("message")

	var parts []any
	if text := contentText(msg.Get("content")); text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Get("function.name").String(),
				"args": toolArguments(tc.Get("function.arguments")),
			},
		})
		return true
	})
	if parts == nil {
		parts = []any{}
	}

	resp := map[string]any{
		"responseId":   r.Get("id").String(),
		"modelVersion": r.Get("model").String(),
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": geminiFinishReason(choice.Get("finish_reason").String()),
			"index":        0,
		}},
	}
	if u := r.Get("usage"); u.Exists() {
		in, outTok := u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int()
		resp["usageMetadata"] = map[string]any{
			"promptTokenCount":     in,
			"candidatesTokenCount": outTok,
			"totalTokenCount":      in + outTok,
		}
	}
	return json.Marshal(map[string]any{"response": resp})
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// openAIToGeminiCLIStream converts chat.completion.chunk events into
// Gemini-CLI stream chunks. Tool-call argument deltas are accumulated and
// emitted whole at finish, since Gemini functionCall parts carry parsed
// args rather than partial JSON.
func openAIToGeminiCLIStream(st *StreamState, _ string, data string) []byte {
	r := gjson.Parse(data)

	if !st.EmittedStart {
		st.EmittedStart = true
		st.MessageID = r.Get("id").String()
		st.Model = r.Get("model").String()
	}
	if u := r.Get("usage"); u.Exists() {
		st.Usage = &relay.Usage{
			InputTokens:  u.Get("prompt_tokens").Int(),
			OutputTokens: u.Get("completion_tokens").Int(),
		}
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		st.StopReason = fr.String()
	}

	delta := r.Get("choices.0.delta")
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if id := tc.Get("id").String(); id != "" {
			st.BlockIndex++
			tcs := st.ToolCall(st.BlockIndex)
			tcs.ID = id
			tcs.Name = tc.Get("function.name").String()
		}
		if args := tc.Get("function.arguments").String(); args != "" && st.BlockIndex >= 0 {
			st.ToolCall(st.BlockIndex).Args.WriteString(args)
		}
		return true
	})

	text := delta.Get("content")
	if !text.Exists() || text.String() == "" {
		return nil
	}
	return sseData(st.geminiChunk([]any{map[string]any{"text": text.String()}}, ""))
}

// openAIToGeminiCLIFinish flushes accumulated function calls, the finish
// reason and usage in one terminal chunk.
func openAIToGeminiCLIFinish(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true

	var parts []any
	for _, tc := range st.ToolCalls {
		var args any = map[string]any{}
		if raw := tc.Args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{}
			}
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": tc.Name, "args": args},
		})
	}
	if parts == nil {
		parts = []any{}
	}
	return sseData(st.geminiChunk(parts, geminiFinishReason(st.StopReason)))
}

// geminiChunk frames one streaming envelope.
func (st *StreamState) geminiChunk(parts []any, finish string) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	resp := map[string]any{
		"responseId":   st.MessageID,
		"modelVersion": st.Model,
		"candidates":   []any{candidate},
	}
	if finish != "" && st.Usage != nil {
		resp["usageMetadata"] = map[string]any{
			"promptTokenCount":     st.Usage.InputTokens,
			"candidatesTokenCount": st.Usage.OutputTokens,
			"totalTokenCount":      st.Usage.InputTokens + st.Usage.OutputTokens,
		}
	}
	return map[string]any{"response": resp}
}
