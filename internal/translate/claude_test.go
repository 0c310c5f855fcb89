package translate

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// decodeSSE splits framed SSE bytes into (event, data) pairs. Data-only
// events get an empty event name.
func decodeSSE(t *testing.T, framed []byte) [][2]string {
	t.Helper()
	var out [][2]string
	for _, block := range strings.Split(string(framed), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev, data string
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		out = append(out, [2]string{ev, data})
	}
	return out
}

func TestOpenAIToClaudeRequest(t *testing.T) {
	t.Parallel()
	in := `{
		"model": "claude-sonnet-4",
		"temperature": 0.7,
		"stop": ["END"],
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "system", "content": "be kind"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"tools": [
			{"type": "function", "function": {"name": "lookup", "description": "d", "parameters": {"type": "object"}}}
		],
		"tool_choice": "required"
	}`
	out, err := OpenAIToClaudeRequest([]byte(in))
	if err != nil {
		t.Fatalf("OpenAIToClaudeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("max_tokens").Int(); got != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want the default", got)
	}
	if got := r.Get("system").String(); got != "be terse\nbe kind" {
		t.Errorf("system = %q", got)
	}
	if got := r.Get("stop_sequences.0").String(); got != "END" {
		t.Errorf("stop_sequences = %s", r.Get("stop_sequences").Raw)
	}

	msgs := r.Get("messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (system lifted out)", len(msgs))
	}
	asst := msgs[1]
	if got := asst.Get("content.1.type").String(); got != "tool_use" {
		t.Errorf("assistant part 1 = %q, want tool_use", got)
	}
	if got := asst.Get("content.1.input.q").String(); got != "x" {
		t.Errorf("tool input not parsed: %s", asst.Get("content.1.input").Raw)
	}
	toolRes := msgs[2]
	if toolRes.Get("role").String() != "user" ||
		toolRes.Get("content.0.type").String() != "tool_result" ||
		toolRes.Get("content.0.tool_use_id").String() != "call_1" {
		t.Errorf("tool result message = %s", toolRes.Raw)
	}

	if got := r.Get("tools.0.input_schema.type").String(); got != "object" {
		t.Errorf("tool schema = %s", r.Get("tools.0").Raw)
	}
	if got := r.Get("tool_choice.type").String(); got != "any" {
		t.Errorf("tool_choice = %s, want any", r.Get("tool_choice").Raw)
	}
}

func TestOpenAIToClaudeRequestExplicitMaxTokens(t *testing.T) {
	t.Parallel()
	out, err := OpenAIToClaudeRequest([]byte(`{"model":"m","max_tokens":512,"messages":[{"role":"user","content":"q"}]}`))
	if err != nil {
		t.Fatalf("OpenAIToClaudeRequest: %v", err)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 512 {
		t.Fatalf("max_tokens = %d, want 512", got)
	}
}

func TestOpenAIToClaudeRequestImageDataURL(t *testing.T) {
	t.Parallel()
	in := `{"model":"m","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}
	]}]}`
	out, err := OpenAIToClaudeRequest([]byte(in))
	if err != nil {
		t.Fatalf("OpenAIToClaudeRequest: %v", err)
	}
	img := gjson.GetBytes(out, "messages.0.content.1")
	if img.Get("source.type").String() != "base64" ||
		img.Get("source.media_type").String() != "image/png" ||
		img.Get("source.data").String() != "AAAA" {
		t.Fatalf("image part = %s", img.Raw)
	}
}

func TestClaudeToOpenAIResponse(t *testing.T) {
	t.Parallel()
	in := `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "here: "},
			{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`
	out, err := ClaudeToOpenAIResponse([]byte(in))
	if err != nil {
		t.Fatalf("ClaudeToOpenAIResponse: %v", err)
	}
	r := gjson.ParseBytes(out)

	if r.Get("object").String() != "chat.completion" || r.Get("id").String() != "msg_1" {
		t.Errorf("envelope = %s", out)
	}
	choice := r.Get("choices.0")
	if got := choice.Get("message.content").String(); got != "here: " {
		t.Errorf("content = %q", got)
	}
	tc := choice.Get("message.tool_calls.0")
	if tc.Get("id").String() != "toolu_1" || tc.Get("function.name").String() != "lookup" {
		t.Errorf("tool call = %s", tc.Raw)
	}
	if gjson.Get(tc.Get("function.arguments").String(), "q").String() != "x" {
		t.Errorf("arguments = %q, want stringified JSON", tc.Get("function.arguments").String())
	}
	if got := choice.Get("finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %q", got)
	}
	if got := r.Get("usage.total_tokens").Int(); got != 15 {
		t.Errorf("total_tokens = %d", got)
	}
}

func TestClaudeToOpenAIRequestRoundTripFields(t *testing.T) {
	t.Parallel()
	in := `{
		"model": "claude-sonnet-4",
		"max_tokens": 100,
		"system": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}],
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "call_9", "content": "ok"},
				{"type": "text", "text": "next"}
			]}
		],
		"tool_choice": {"type": "tool", "name": "lookup"}
	}`
	out, err := ClaudeToOpenAIRequest([]byte(in))
	if err != nil {
		t.Fatalf("ClaudeToOpenAIRequest: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("messages.0.content").String(); got != "a\nb" {
		t.Errorf("system = %q", got)
	}
	// The tool result becomes its own top-level tool message, ahead of the
	// remaining user text.
	if r.Get("messages.1.role").String() != "tool" || r.Get("messages.1.tool_call_id").String() != "call_9" {
		t.Errorf("tool message = %s", r.Get("messages.1").Raw)
	}
	if r.Get("messages.2.role").String() != "user" || r.Get("messages.2.content").String() != "next" {
		t.Errorf("user message = %s", r.Get("messages.2").Raw)
	}
	if got := r.Get("tool_choice.function.name").String(); got != "lookup" {
		t.Errorf("tool_choice = %s", r.Get("tool_choice").Raw)
	}
	if got := r.Get("max_tokens").Int(); got != 100 {
		t.Errorf("max_tokens = %d", got)
	}
}

func TestStopReasonMappings(t *testing.T) {
	t.Parallel()
	claudeToOpenAI := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"refusal":       "refusal",
	}
	for in, want := range claudeToOpenAI {
		if got := claudeStopToOpenAI(in); got != want {
			t.Errorf("claudeStopToOpenAI(%q) = %q, want %q", in, got, want)
		}
	}
	openAIToClaude := map[string]string{
		"stop":       "end_turn",
		"length":     "max_tokens",
		"tool_calls": "tool_use",
		"":           "end_turn",
	}
	for in, want := range openAIToClaude {
		if got := openAIStopToClaude(in); got != want {
			t.Errorf("openAIStopToClaude(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenAIToClaudeStream(t *testing.T) {
	t.Parallel()
	st := NewStreamState()
	var framed []byte
	chunks := []string{
		`{"id":"c1","model":"m","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2}}`,
	}
	for _, c := range chunks {
		framed = append(framed, openAIToClaudeStream(st, "", c)...)
	}
	framed = append(framed, openAIToClaudeFinish(st)...)

	events := decodeSSE(t, framed)
	var names []string
	for _, e := range events {
		names = append(names, e[0])
	}
	want := []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_stop", "message_delta", "message_stop",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", names, want)
	}

	start := gjson.Parse(events[0][1])
	if start.Get("message.id").String() != "c1" || start.Get("message.model").String() != "m" {
		t.Errorf("message_start = %s", events[0][1])
	}
	var text strings.Builder
	for _, e := range events {
		if e[0] == "content_block_delta" {
			text.WriteString(gjson.Get(e[1], "delta.text").String())
		}
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	md := gjson.Parse(events[5][1])
	if md.Get("delta.stop_reason").String() != "end_turn" || md.Get("usage.output_tokens").Int() != 2 {
		t.Errorf("message_delta = %s", events[5][1])
	}

	if again := openAIToClaudeFinish(st); again != nil {
		t.Fatalf("second finish emitted %q", again)
	}
}

func TestOpenAIToClaudeStreamToolCall(t *testing.T) {
	t.Parallel()
	st := NewStreamState()
	var framed []byte
	chunks := []string{
		`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	for _, c := range chunks {
		framed = append(framed, openAIToClaudeStream(st, "", c)...)
	}
	framed = append(framed, openAIToClaudeFinish(st)...)

	events := decodeSSE(t, framed)
	var bs gjson.Result
	var partial strings.Builder
	for _, e := range events {
		switch e[0] {
		case "content_block_start":
			bs = gjson.Parse(e[1])
		case "content_block_delta":
			partial.WriteString(gjson.Get(e[1], "delta.partial_json").String())
		}
	}
	if bs.Get("content_block.type").String() != "tool_use" ||
		bs.Get("content_block.id").String() != "call_1" ||
		bs.Get("content_block.name").String() != "lookup" {
		t.Fatalf("content_block_start = %s", bs.Raw)
	}
	if partial.String() != `{"q":"x"}` {
		t.Errorf("partial json = %q", partial.String())
	}

	last := events[len(events)-2]
	if last[0] != "message_delta" || gjson.Get(last[1], "delta.stop_reason").String() != "tool_use" {
		t.Errorf("message_delta = %v", last)
	}
}

func TestOpenAIToClaudeResponseNonStream(t *testing.T) {
	t.Parallel()
	in := `{
		"id": "chatcmpl-1", "model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 9}
	}`
	out, err := OpenAIToClaudeResponse([]byte(in))
	if err != nil {
		t.Fatalf("OpenAIToClaudeResponse: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("type").String() != "message" || r.Get("role").String() != "assistant" {
		t.Errorf("envelope = %s", out)
	}
	if got := r.Get("content.0.text").String(); got != "hi" {
		t.Errorf("content = %q", got)
	}
	if got := r.Get("stop_reason").String(); got != "max_tokens" {
		t.Errorf("stop_reason = %q", got)
	}
	if r.Get("usage.input_tokens").Int() != 3 || r.Get("usage.output_tokens").Int() != 9 {
		t.Errorf("usage = %s", r.Get("usage").Raw)
	}
}
