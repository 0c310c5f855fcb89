package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// metadataPrefix marks non-model keys inside a price import payload.
const metadataPrefix = "sample_spec"

// ParseImport parses a flat modelName -> price-fields JSON map into price
// records. Entries without a "mode" field are rejected; metadata keys are
// skipped. The verbatim per-model JSON is kept on each record so the store
// can detect no-op re-imports.
func ParseImport(data []byte) ([]relay.ModelPrice, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("price import: %w: invalid json", relay.ErrBadRequest)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("price import: %w: top level must be an object", relay.ErrBadRequest)
	}

	var out []relay.ModelPrice
	var parseErr error
	root.ForEach(func(key, val gjson.Result) bool {
		name := key.String()
		if strings.HasPrefix(name, metadataPrefix) {
			return true
		}
		if !val.IsObject() {
			parseErr = fmt.Errorf("price import: %w: %q is not an object", relay.ErrBadRequest, name)
			return false
		}
		mode := val.Get("mode").String()
		if mode == "" {
			parseErr = fmt.Errorf("price import: %w: %q has no mode", relay.ErrBadRequest, name)
			return false
		}

		p := relay.ModelPrice{
			ModelName:      name,
			Mode:           mode,
			InputPerToken:  val.Get("input_cost_per_token").Float(),
			OutputPerToken: val.Get("output_cost_per_token").Float(),
			Raw:            json.RawMessage(val.Raw),
		}
		if v := val.Get("cache_creation_input_token_cost"); v.Exists() {
			f := v.Float()
			p.Cache5mPerToken = &f
		}
		if v := val.Get("cache_creation_input_token_cost_above_1hr"); v.Exists() {
			f := v.Float()
			p.Cache1hPerToken = &f
		}
		if v := val.Get("cache_read_input_token_cost"); v.Exists() {
			f := v.Float()
			p.CacheReadPerToken = &f
		}
		out = append(out, p)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}
