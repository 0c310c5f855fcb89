package translate

import (
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// claudeToOpenAIStream converts Anthropic SSE events into Chat Completions
// chunks. One upstream event may emit zero or more client chunks.
func claudeToOpenAIStream(st *StreamState, event, data string) []byte {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		st.MessageID = r.Get("message.id").String()
		st.Model = r.Get("message.model").String()
		st.Created = time.Now().Unix()
		st.Usage = claudeUsage(r.Get("message.usage"))
		st.EmittedStart = true
		return openAIChunk(st, map[string]any{"role": "assistant"}, nil)

	case "content_block_start":
		r := gjson.Parse(data)
		idx := int(r.Get("index").Int())
		switch r.Get("content_block.type").String() {
		case "tool_use":
			st.BlockKind = BlockToolUse
			tc := st.ToolCall(idx)
			tc.ID = r.Get("content_block.id").String()
			tc.Name = r.Get("content_block.name").String()
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
		case "thinking":
			st.BlockKind = BlockThinking
		default:
			st.BlockKind = BlockText
		}
		st.BlockIndex = idx
		return nil

	case "content_block_delta":
		r := gjson.Parse(data)
		switch r.Get("delta.type").String() {
		case "text_delta":
			return openAIChunk(st, map[string]any{"content": r.Get("delta.text").String()}, nil)
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			tc := st.ToolCall(idx)
			partial := r.Get("delta.partial_json").String()
			tc.Args.WriteString(partial)
			return openAIChunk(st, map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    toolPosition(st, idx),
					"function": map[string]any{"arguments": partial},
				}},
			}, nil)
		}
		return nil

	case "message_delta":
		r := gjson.Parse(data)
		if st.Usage == nil {
			st.Usage = &relay.Usage{}
		}
		st.Usage.OutputTokens = r.Get("usage.output_tokens").Int()
		st.StopReason = claudeStopToOpenAI(r.Get("delta.stop_reason").String())
		return nil

	case "message_stop":
		return claudeToOpenAIFinal(st)
	}
	return nil
}

// claudeToOpenAIFinish flushes the final chunk and the [DONE] sentinel
// exactly once, covering streams truncated before message_stop.
func claudeToOpenAIFinish(st *StreamState) []byte {
	out := claudeToOpenAIFinal(st)
	return append(out, sseDone...)
}

func claudeToOpenAIFinal(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true
	finish := st.StopReason
	if finish == "" {
		if st.HasToolCall {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}
	return openAIChunk(st, map[string]any{}, &finish)
}

// toolPosition maps an upstream content-block index to the sequential
// OpenAI tool_calls index.
func toolPosition(st *StreamState, blockIndex int) int {
	for i, tc := range st.ToolCalls {
		if tc.Index == blockIndex {
			return i
		}
	}
	return 0
}

// openAIChunk frames a single chat.completion.chunk SSE event.
func openAIChunk(st *StreamState, delta map[string]any, finish *string) []byte {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	chunk := map[string]any{
		"id":      st.MessageID,
		"object":  "chat.completion.chunk",
		"created": st.Created,
		"model":   st.Model,
		"choices": []any{choice},
	}
	if finish != nil && st.Usage != nil {
		chunk["usage"] = map[string]any{
			"prompt_tokens":     st.Usage.InputTokens,
			"completion_tokens": st.Usage.OutputTokens,
			"total_tokens":      st.Usage.InputTokens + st.Usage.OutputTokens,
		}
	}
	return sseData(chunk)
}
