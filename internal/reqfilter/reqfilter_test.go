package reqfilter

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

func engine(t *testing.T, filters ...relay.RequestFilter) *Engine {
	t.Helper()
	for i := range filters {
		filters[i].Enabled = true
	}
	e := NewEngine()
	e.Reload(filters)
	return e
}

func TestHeaderRemoveAndSet(t *testing.T) {
	t.Parallel()
	e := engine(t,
		relay.RequestFilter{ID: 1, Scope: relay.ScopeHeader, Action: relay.ActionRemove, Target: "X-Forwarded-For"},
		relay.RequestFilter{ID: 2, Scope: relay.ScopeHeader, Action: relay.ActionSet, Target: "X-Injected", Replacement: json.RawMessage(`"yes"`)},
	)

	h := http.Header{"X-Forwarded-For": {"1.2.3.4"}}
	e.Apply(h, nil)

	if h.Get("X-Forwarded-For") != "" {
		t.Errorf("header not removed")
	}
	if got := h.Get("X-Injected"); got != "yes" {
		t.Errorf("injected header = %q", got)
	}
}

func TestJSONPathSet(t *testing.T) {
	t.Parallel()
	e := engine(t, relay.RequestFilter{
		ID: 1, Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
		Target: "metadata.user_id", Replacement: json.RawMessage(`"scrubbed"`),
	})

	out := e.Apply(http.Header{}, []byte(`{"model":"m","metadata":{"user_id":"u-123"}}`))
	if got := gjson.GetBytes(out, "metadata.user_id").String(); got != "scrubbed" {
		t.Fatalf("user_id = %q", got)
	}
}

func TestJSONPathBracketIndex(t *testing.T) {
	t.Parallel()
	e := engine(t, relay.RequestFilter{
		ID: 1, Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
		Target: "messages[0].content", Replacement: json.RawMessage(`"replaced"`),
	})

	out := e.Apply(http.Header{}, []byte(`{"messages":[{"content":"original"}]}`))
	if got := gjson.GetBytes(out, "messages.0.content").String(); got != "replaced" {
		t.Fatalf("content = %q", got)
	}
}

func TestTextReplace(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		matchType relay.MatchType
		target    string
		repl      string
		in        string
		want      string
	}{
		{"contains", relay.MatchContains, "secret", "[redacted]", "my secret value", "my [redacted] value"},
		{"exact whole string", relay.MatchExact, "drop me", "kept", "drop me", "kept"},
		{"exact no partial", relay.MatchExact, "drop", "x", "drop me", "drop me"},
		{"regex", relay.MatchRegex, `sk-[a-z0-9]+`, "sk-***", "key sk-abc123 leaked", "key sk-*** leaked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := engine(t, relay.RequestFilter{
				ID: 1, Scope: relay.ScopeBody, Action: relay.ActionTextReplace,
				Target: tt.target, MatchType: tt.matchType,
				Replacement: json.RawMessage(`"` + tt.repl + `"`),
			})
			body, _ := json.Marshal(map[string]any{"messages": []any{map[string]any{"content": tt.in}}})
			out := e.Apply(http.Header{}, body)
			if got := gjson.GetBytes(out, "messages.0.content").String(); got != tt.want {
				t.Fatalf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyOrderIsPriorityThenID(t *testing.T) {
	t.Parallel()
	e := engine(t,
		relay.RequestFilter{ID: 2, Priority: 1, Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
			Target: "v", Replacement: json.RawMessage(`"second"`)},
		relay.RequestFilter{ID: 1, Priority: 0, Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
			Target: "v", Replacement: json.RawMessage(`"first"`)},
	)
	out := e.Apply(http.Header{}, []byte(`{"v":"orig"}`))
	if got := gjson.GetBytes(out, "v").String(); got != "second" {
		t.Fatalf("v = %q, want the later filter to win", got)
	}
}

func TestNonJSONBodySkipped(t *testing.T) {
	t.Parallel()
	e := engine(t, relay.RequestFilter{
		ID: 1, Scope: relay.ScopeBody, Action: relay.ActionTextReplace,
		Target: "x", MatchType: relay.MatchContains, Replacement: json.RawMessage(`"y"`),
	})
	in := []byte("not json at all")
	if out := e.Apply(http.Header{}, in); string(out) != string(in) {
		t.Fatalf("non-json body mutated: %s", out)
	}
}

func TestValidateFilter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		f       relay.RequestFilter
		wantErr bool
	}{
		{"header remove", relay.RequestFilter{Scope: relay.ScopeHeader, Action: relay.ActionRemove, Target: "X"}, false},
		{"header json_path invalid", relay.RequestFilter{Scope: relay.ScopeHeader, Action: relay.ActionJSONPath, Target: "X"}, true},
		{"body text_replace", relay.RequestFilter{Scope: relay.ScopeBody, Action: relay.ActionTextReplace, Target: "x", MatchType: relay.MatchContains}, false},
		{"body remove invalid", relay.RequestFilter{Scope: relay.ScopeBody, Action: relay.ActionRemove, Target: "x"}, true},
		{"empty target", relay.RequestFilter{Scope: relay.ScopeBody, Action: relay.ActionJSONPath}, true},
		{"bad regex", relay.RequestFilter{Scope: relay.ScopeBody, Action: relay.ActionTextReplace, Target: "([", MatchType: relay.MatchRegex}, true},
		{"unknown scope", relay.RequestFilter{Scope: "query", Action: relay.ActionSet, Target: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateFilter(&tt.f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
