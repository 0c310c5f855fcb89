// Package errorrule implements the admin-defined error rule table: pattern
// rules mapping upstream error text to a category, an optional status
// override and an optional validated body override.
//
// The active rule set is an immutable snapshot swapped atomically on
// reload; one atomic load gives a request a consistent view.
package errorrule

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	relay "github.com/llmrelay/llmrelay/internal"
)

// maxPatternLen caps rule patterns; anything longer is rejected on write.
const maxPatternLen = 1024

// compiledRule pairs a rule with its pre-compiled regex (regex match type
// only). Go's regexp is RE2: no backtracking, so a compiled pattern cannot
// be pathological at runtime.
type compiledRule struct {
	rule relay.ErrorRule
	re   *regexp.Regexp
}

// Table is the active rule set.
type Table struct {
	rules atomic.Pointer[[]compiledRule]
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	empty := []compiledRule{}
	t.rules.Store(&empty)
	return t
}

// Reload replaces the rule set. Disabled rules and rules whose regex fails
// to compile are dropped; the remainder is ordered by (priority asc, id
// asc), which is also the match order.
func (t *Table) Reload(rules []relay.ErrorRule) error {
	compiled := make([]compiledRule, 0, len(rules))
	var firstErr error
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{rule: r}
		if r.MatchType == relay.MatchRegex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("rule %d: %w", r.ID, err)
				}
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	t.rules.Store(&compiled)
	return firstErr
}

// Match returns the first rule matching the error text, or nil. Rules are
// tried in their ordered sequence; first match wins.
func (t *Table) Match(text string) *relay.ErrorRule {
	if text == "" {
		return nil
	}
	for _, cr := range *t.rules.Load() {
		if cr.matches(text) {
			r := cr.rule
			return &r
		}
	}
	return nil
}

func (cr *compiledRule) matches(text string) bool {
	switch cr.rule.MatchType {
	case relay.MatchExact:
		return text == cr.rule.Pattern
	case relay.MatchContains:
		return strings.Contains(text, cr.rule.Pattern)
	case relay.MatchRegex:
		return cr.re != nil && cr.re.MatchString(text)
	default:
		return false
	}
}

// ValidateRule checks a rule at write time: pattern compiles and is not
// oversized, the status override is in [400,599], and any body override is
// one of the three valid shapes.
func ValidateRule(r *relay.ErrorRule) error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: empty pattern", relay.ErrBadRequest)
	}
	if len(r.Pattern) > maxPatternLen {
		return fmt.Errorf("%w: pattern exceeds %d bytes", relay.ErrBadRequest, maxPatternLen)
	}
	switch r.MatchType {
	case relay.MatchExact, relay.MatchContains:
	case relay.MatchRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("%w: invalid regex: %v", relay.ErrBadRequest, err)
		}
	default:
		return fmt.Errorf("%w: unknown match type %q", relay.ErrBadRequest, r.MatchType)
	}
	if r.OverrideStatus != 0 && (r.OverrideStatus < 400 || r.OverrideStatus > 599) {
		return fmt.Errorf("%w: override status %d outside [400,599]", relay.ErrBadRequest, r.OverrideStatus)
	}
	if len(r.OverrideBody) > 0 {
		if err := ValidateOverrideResponse(r.OverrideBody); err != nil {
			return err
		}
	}
	return nil
}
