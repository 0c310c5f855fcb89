package errorrule

import (
	"encoding/json"
	"errors"
	"testing"

	relay "github.com/llmrelay/llmrelay/internal"
)

func TestReloadAndMatchOrder(t *testing.T) {
	t.Parallel()
	table := NewTable()
	err := table.Reload([]relay.ErrorRule{
		{ID: 1, Pattern: "quota", MatchType: relay.MatchContains, Category: "late", Priority: 10, Enabled: true},
		{ID: 2, Pattern: "quota exceeded", MatchType: relay.MatchContains, Category: "early", Priority: 1, Enabled: true},
		{ID: 3, Pattern: "disabled", MatchType: relay.MatchContains, Category: "off", Priority: 0, Enabled: false},
	})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := table.Match("upstream quota exceeded for key")
	if got == nil || got.Category != "early" {
		t.Fatalf("match = %+v, want the lower-priority-number rule", got)
	}
	if table.Match("disabled") != nil {
		t.Fatalf("disabled rule matched")
	}
	if table.Match("") != nil {
		t.Fatalf("empty text matched")
	}
}

func TestMatchTypes(t *testing.T) {
	t.Parallel()
	table := NewTable()
	if err := table.Reload([]relay.ErrorRule{
		{ID: 1, Pattern: "^exact only$", MatchType: relay.MatchRegex, Category: "re", Enabled: true},
		{ID: 2, Pattern: "whole text", MatchType: relay.MatchExact, Category: "exact", Enabled: true},
	}); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got := table.Match("exact only"); got == nil || got.Category != "re" {
		t.Errorf("regex match = %+v", got)
	}
	if got := table.Match("whole text"); got == nil || got.Category != "exact" {
		t.Errorf("exact match = %+v", got)
	}
	if table.Match("whole text plus") != nil {
		t.Errorf("exact matched a superstring")
	}
}

func TestReloadDropsBadRegex(t *testing.T) {
	t.Parallel()
	table := NewTable()
	err := table.Reload([]relay.ErrorRule{
		{ID: 1, Pattern: "([", MatchType: relay.MatchRegex, Enabled: true},
		{ID: 2, Pattern: "fine", MatchType: relay.MatchContains, Category: "ok", Enabled: true},
	})
	if err == nil {
		t.Fatalf("want compile error reported")
	}
	if got := table.Match("this is fine"); got == nil || got.Category != "ok" {
		t.Fatalf("healthy rule dropped alongside the bad one")
	}
}

func TestValidateRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rule    relay.ErrorRule
		wantErr bool
	}{
		{"valid contains", relay.ErrorRule{Pattern: "x", MatchType: relay.MatchContains}, false},
		{"valid regex", relay.ErrorRule{Pattern: "^a+$", MatchType: relay.MatchRegex}, false},
		{"empty pattern", relay.ErrorRule{MatchType: relay.MatchContains}, true},
		{"bad regex", relay.ErrorRule{Pattern: "([", MatchType: relay.MatchRegex}, true},
		{"unknown match type", relay.ErrorRule{Pattern: "x", MatchType: "glob"}, true},
		{"status below range", relay.ErrorRule{Pattern: "x", MatchType: relay.MatchExact, OverrideStatus: 200}, true},
		{"status in range", relay.ErrorRule{Pattern: "x", MatchType: relay.MatchExact, OverrideStatus: 503}, false},
		{
			"valid override body",
			relay.ErrorRule{Pattern: "x", MatchType: relay.MatchExact,
				OverrideBody: json.RawMessage(`{"error":{"type":"api_error","message":"m"}}`)},
			false,
		},
		{
			"invalid override body",
			relay.ErrorRule{Pattern: "x", MatchType: relay.MatchExact,
				OverrideBody: json.RawMessage(`{"unrelated":true}`)},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRule(&tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, relay.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}
