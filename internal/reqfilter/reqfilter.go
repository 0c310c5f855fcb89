// Package reqfilter applies admin-defined pre-dispatch request mutations:
// header removal and injection, JSON-path sets and deep text replacement in
// the request body. A failing rule is logged and skipped; filters never
// abort the pipeline.
package reqfilter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// compiledFilter pairs a filter with its pre-compiled regex when the
// text_replace match type is regex.
type compiledFilter struct {
	filter relay.RequestFilter
	re     *regexp.Regexp
}

// Engine holds the active filter snapshot.
type Engine struct {
	filters atomic.Pointer[[]compiledFilter]
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	e := &Engine{}
	empty := []compiledFilter{}
	e.filters.Store(&empty)
	return e
}

// Reload replaces the filter set, ordered by (priority asc, id asc).
// Disabled filters and filters with an uncompilable regex are dropped.
func (e *Engine) Reload(filters []relay.RequestFilter) {
	compiled := make([]compiledFilter, 0, len(filters))
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		cf := compiledFilter{filter: f}
		if f.Action == relay.ActionTextReplace && f.MatchType == relay.MatchRegex {
			re, err := regexp.Compile(f.Target)
			if err != nil {
				slog.Warn("request filter dropped, bad regex", "id", f.ID, "error", err)
				continue
			}
			cf.re = re
		}
		compiled = append(compiled, cf)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].filter, compiled[j].filter
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	e.filters.Store(&compiled)
}

// Apply runs every filter in order against the headers and body, returning
// the possibly re-encoded body buffer.
func (e *Engine) Apply(headers http.Header, body []byte) []byte {
	for _, cf := range *e.filters.Load() {
		var err error
		switch cf.filter.Scope {
		case relay.ScopeHeader:
			err = applyHeader(headers, cf.filter)
		case relay.ScopeBody:
			body, err = cf.applyBody(body)
		}
		if err != nil {
			slog.Warn("request filter skipped", "id", cf.filter.ID, "action", cf.filter.Action, "error", err)
		}
	}
	return body
}

func applyHeader(headers http.Header, f relay.RequestFilter) error {
	switch f.Action {
	case relay.ActionRemove:
		headers.Del(f.Target)
		return nil
	case relay.ActionSet:
		headers.Set(f.Target, replacementString(f.Replacement))
		return nil
	default:
		return fmt.Errorf("action %q not valid for headers", f.Action)
	}
}

func (cf *compiledFilter) applyBody(body []byte) ([]byte, error) {
	f := cf.filter
	switch f.Action {
	case relay.ActionJSONPath:
		return applyJSONPath(body, f)
	case relay.ActionTextReplace:
		return cf.applyTextReplace(body)
	default:
		return body, fmt.Errorf("action %q not valid for body", f.Action)
	}
}

// applyJSONPath sets the value at a dotted/indexed path (a.b[2].c),
// creating intermediate objects and arrays as needed.
func applyJSONPath(body []byte, f relay.RequestFilter) ([]byte, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body, fmt.Errorf("body is not json")
	}
	path := normalizePath(f.Target)
	if gjson.ValidBytes(f.Replacement) {
		return sjson.SetRawBytes(body, path, f.Replacement)
	}
	return sjson.SetBytes(body, path, string(f.Replacement))
}

// normalizePath rewrites bracket indexes (a.b[2].c) into the dotted form
// sjson expects (a.b.2.c).
func normalizePath(p string) string {
	r := strings.NewReplacer("[", ".", "]", "")
	return strings.Trim(r.Replace(p), ".")
}

// applyTextReplace walks every string in the body and substitutes the
// target, then re-serializes the buffer.
func (cf *compiledFilter) applyTextReplace(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, fmt.Errorf("body is not json: %w", err)
	}
	repl := replacementString(cf.filter.Replacement)
	changed := false
	doc = cf.walkReplace(doc, repl, &changed)
	if !changed {
		return body, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body, err
	}
	return out, nil
}

func (cf *compiledFilter) walkReplace(v any, repl string, changed *bool) any {
	switch val := v.(type) {
	case string:
		next := cf.replaceString(val, repl)
		if next != val {
			*changed = true
		}
		return next
	case map[string]any:
		for k, item := range val {
			val[k] = cf.walkReplace(item, repl, changed)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = cf.walkReplace(item, repl, changed)
		}
		return val
	default:
		return v
	}
}

func (cf *compiledFilter) replaceString(s, repl string) string {
	switch cf.filter.MatchType {
	case relay.MatchExact:
		if s == cf.filter.Target {
			return repl
		}
		return s
	case relay.MatchRegex:
		if cf.re == nil {
			return s
		}
		return cf.re.ReplaceAllString(s, repl)
	default: // contains
		return strings.ReplaceAll(s, cf.filter.Target, repl)
	}
}

// replacementString renders the filter replacement: a JSON string yields
// its value, anything else its compact JSON text.
func replacementString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if v := gjson.ParseBytes(raw); v.Type == gjson.String {
		return v.String()
	}
	return string(raw)
}

// ValidateFilter checks a filter at write time.
func ValidateFilter(f *relay.RequestFilter) error {
	if f.Target == "" {
		return fmt.Errorf("%w: empty target", relay.ErrBadRequest)
	}
	switch f.Scope {
	case relay.ScopeHeader:
		if f.Action != relay.ActionRemove && f.Action != relay.ActionSet {
			return fmt.Errorf("%w: action %q not valid for headers", relay.ErrBadRequest, f.Action)
		}
	case relay.ScopeBody:
		if f.Action != relay.ActionJSONPath && f.Action != relay.ActionTextReplace {
			return fmt.Errorf("%w: action %q not valid for body", relay.ErrBadRequest, f.Action)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", relay.ErrBadRequest, f.Scope)
	}
	if f.Action == relay.ActionTextReplace && f.MatchType == relay.MatchRegex {
		if _, err := regexp.Compile(f.Target); err != nil {
			return fmt.Errorf("%w: invalid regex: %v", relay.ErrBadRequest, err)
		}
	}
	return nil
}
