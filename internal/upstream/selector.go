package upstream

import (
	"math/rand"
	"slices"
	"sort"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/translate"
)

// Compatible reports whether a provider can serve a client format: either
// it speaks it natively or a translation pair is registered.
func Compatible(clientFormat relay.Format, t relay.ProviderType) bool {
	if t.WireFormat() == clientFormat {
		return true
	}
	return translate.Registered(clientFormat, t.WireFormat())
}

// Candidates filters providers down to the ones eligible for this request:
// enabled, compatible, allowed by the key's provider groups, model
// allow-list satisfied, and circuit not open.
func Candidates(providers []*relay.Provider, s *relay.ProxySession, circuitOpen func(*relay.Provider) bool) []*relay.Provider {
	var out []*relay.Provider
	for _, p := range providers {
		if !p.Enabled || p.Deleted {
			continue
		}
		if !Compatible(s.OriginalFormat, p.Type) {
			continue
		}
		if len(s.Key.ProviderGroups) > 0 && !slices.Contains(s.Key.ProviderGroups, p.Group) {
			continue
		}
		if len(p.AllowedModels) > 0 && !modelAllowed(p, s.OriginalModel) {
			continue
		}
		if circuitOpen(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// modelAllowed honors the explicit allow-list, counting a redirect target
// as allowed for its source model.
func modelAllowed(p *relay.Provider, model string) bool {
	if slices.Contains(p.AllowedModels, model) {
		return true
	}
	if target, ok := p.ModelRedirects[model]; ok {
		return slices.Contains(p.AllowedModels, target)
	}
	return false
}

// Order sorts candidates by ascending priority, native-format providers
// before ones needing translation, then weighted random within each tier.
// A nil rnd uses the shared source; tests pass a seeded one.
func Order(cands []*relay.Provider, clientFormat relay.Format, rnd *rand.Rand) []*relay.Provider {
	intn := rand.Intn
	if rnd != nil {
		intn = rnd.Intn
	}
	out := slices.Clone(cands)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return nativeRank(out[i], clientFormat) < nativeRank(out[j], clientFormat)
	})

	for lo := 0; lo < len(out); {
		hi := lo + 1
		for hi < len(out) &&
			out[hi].Priority == out[lo].Priority &&
			nativeRank(out[hi], clientFormat) == nativeRank(out[lo], clientFormat) {
			hi++
		}
		weightedShuffle(out[lo:hi], intn)
		lo = hi
	}
	return out
}

func nativeRank(p *relay.Provider, clientFormat relay.Format) int {
	if p.Type.WireFormat() == clientFormat {
		return 0
	}
	return 1
}

// weightedShuffle orders a tier by repeated weighted sampling without
// replacement. Weights <=0 count as 1.
func weightedShuffle(tier []*relay.Provider, intn func(int) int) {
	for i := 0; i < len(tier)-1; i++ {
		total := 0
		for _, p := range tier[i:] {
			total += weightOf(p)
		}
		pick := intn(total)
		for j := i; j < len(tier); j++ {
			pick -= weightOf(tier[j])
			if pick < 0 {
				tier[i], tier[j] = tier[j], tier[i]
				break
			}
		}
	}
}

func weightOf(p *relay.Provider) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}
