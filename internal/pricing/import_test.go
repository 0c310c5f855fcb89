package pricing

import (
	"errors"
	"testing"

	relay "github.com/llmrelay/llmrelay/internal"
)

func TestParseImport(t *testing.T) {
	t.Parallel()
	doc := []byte(`{
		"sample_spec": {"anything": true},
		"claude-sonnet-4": {
			"mode": "chat",
			"input_cost_per_token": 0.000003,
			"output_cost_per_token": 0.000015,
			"cache_read_input_token_cost": 0.0000003
		},
		"gpt-4o": {
			"mode": "chat",
			"input_cost_per_token": 0.0000025,
			"output_cost_per_token": 0.00001
		}
	}`)

	prices, err := ParseImport(doc)
	if err != nil {
		t.Fatalf("ParseImport: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d prices, want 2 (metadata skipped)", len(prices))
	}

	byName := map[string]relay.ModelPrice{}
	for _, p := range prices {
		byName[p.ModelName] = p
	}
	claude := byName["claude-sonnet-4"]
	if claude.InputPerToken != 0.000003 {
		t.Errorf("input rate = %v", claude.InputPerToken)
	}
	if claude.CacheReadPerToken == nil || *claude.CacheReadPerToken != 0.0000003 {
		t.Errorf("cache read rate = %v", claude.CacheReadPerToken)
	}
	if claude.Cache1hPerToken != nil {
		t.Errorf("cache 1h rate should be nil when absent")
	}
	if len(claude.Raw) == 0 {
		t.Errorf("raw payload not preserved")
	}
}

func TestParseImportRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid json", `{`},
		{"top level array", `[]`},
		{"entry without mode", `{"m": {"input_cost_per_token": 1}}`},
		{"entry not an object", `{"m": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseImport([]byte(tt.doc))
			if !errors.Is(err, relay.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}
