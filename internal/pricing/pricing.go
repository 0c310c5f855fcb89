// Package pricing implements the cost engine: token usage x model price at
// fixed decimal precision. All functions are pure; persistence of price
// records lives in storage.
package pricing

import (
	"github.com/shopspring/decimal"

	relay "github.com/llmrelay/llmrelay/internal"
)

// CostScale is the number of fractional digits kept on a final cost.
const CostScale = 15

// Default cache rate factors applied when a price record carries no
// explicit cache rates.
var (
	factorCache5m   = decimal.NewFromFloat(1.25)
	factorCache1h   = decimal.NewFromInt(2)
	factorCacheRead = decimal.NewFromFloat(0.1)
)

// Rates is the per-token USD rate set resolved from a ModelPrice record.
type Rates struct {
	Input     decimal.Decimal
	Output    decimal.Decimal
	Cache5m   decimal.Decimal
	Cache1h   decimal.Decimal
	CacheRead decimal.Decimal
}

// ResolveRates expands a price record into a full rate set, deriving the
// cache rates from input (or output, when input is absent) as needed.
func ResolveRates(p *relay.ModelPrice) Rates {
	in := decimal.NewFromFloat(p.InputPerToken)
	out := decimal.NewFromFloat(p.OutputPerToken)

	base := in
	if in.IsZero() {
		base = out
	}

	r := Rates{
		Input:     in,
		Output:    out,
		Cache5m:   in.Mul(factorCache5m),
		Cache1h:   in.Mul(factorCache1h),
		CacheRead: base.Mul(factorCacheRead),
	}
	if p.Cache5mPerToken != nil {
		r.Cache5m = decimal.NewFromFloat(*p.Cache5mPerToken)
	}
	if p.Cache1hPerToken != nil {
		r.Cache1h = decimal.NewFromFloat(*p.Cache1hPerToken)
	}
	if p.CacheReadPerToken != nil {
		r.CacheRead = decimal.NewFromFloat(*p.CacheReadPerToken)
	}
	return r
}

// SplitCacheCreation distributes an unsplit cache_creation_input_tokens
// total across the 5m/1h buckets. Tokens already attributed keep their
// bucket; the unassigned remainder goes to the bucket selected by the
// key's cache TTL preference (mixed and inherit both mean 5m).
func SplitCacheCreation(u relay.Usage, ttl relay.CacheTTLPreference) (c5m, c1h int64) {
	c5m, c1h = u.CacheCreation5m, u.CacheCreation1h
	remainder := u.CacheCreationTotal - c5m - c1h
	if remainder <= 0 {
		return c5m, c1h
	}
	if ttl == relay.CacheTTL1h {
		c1h += remainder
	} else {
		c5m += remainder
	}
	return c5m, c1h
}

// CalculateRequestCost computes the USD cost of a request from its token
// usage and the current price record, scaled by multiplier (1.0 when <= 0).
// The result is rounded to CostScale fractional digits; recomputation over
// the same inputs is bit-identical.
func CalculateRequestCost(u relay.Usage, p *relay.ModelPrice, ttl relay.CacheTTLPreference, multiplier float64) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	r := ResolveRates(p)
	c5m, c1h := SplitCacheCreation(u, ttl)

	cost := decimal.NewFromInt(u.InputTokens).Mul(r.Input).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(r.Output)).
		Add(decimal.NewFromInt(c5m).Mul(r.Cache5m)).
		Add(decimal.NewFromInt(c1h).Mul(r.Cache1h)).
		Add(decimal.NewFromInt(u.CacheReadTokens).Mul(r.CacheRead))

	if multiplier > 0 && multiplier != 1.0 {
		cost = cost.Mul(decimal.NewFromFloat(multiplier))
	}
	return cost.Round(CostScale)
}

// CostString renders a cost with exactly CostScale fractional digits, the
// canonical form persisted on MessageRequest rows.
func CostString(d decimal.Decimal) string {
	return d.StringFixed(CostScale)
}
