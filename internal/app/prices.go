package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/pricing"
	"github.com/llmrelay/llmrelay/internal/storage"
)

const (
	priceCacheTTL = 5 * time.Minute
	priceCacheLen = 4096
)

// PriceCache fronts the latest-price lookup with a W-TinyLFU cache.
// Misses are cached too, as a nil entry, so unknown models do not hammer
// the store.
type PriceCache struct {
	store storage.PriceStore
	cache *otter.Cache[string, *relay.ModelPrice]
}

// NewPriceCache builds the cache over the price store.
func NewPriceCache(store storage.PriceStore) (*PriceCache, error) {
	c, err := otter.New(&otter.Options[string, *relay.ModelPrice]{
		MaximumSize:      priceCacheLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.ModelPrice](priceCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &PriceCache{store: store, cache: c}, nil
}

// Lookup returns the current price for a model, or nil when none exists.
func (pc *PriceCache) Lookup(ctx context.Context, modelName string) *relay.ModelPrice {
	if p, ok := pc.cache.GetIfPresent(modelName); ok {
		return p
	}
	p, err := pc.store.LatestPrice(ctx, modelName)
	if err != nil {
		p = nil
	}
	pc.cache.Set(modelName, p)
	return p
}

// Invalidate drops cached entries after an import.
func (pc *PriceCache) Invalidate() {
	pc.cache.InvalidateAll()
}

// ImportPrices ingests a price JSON document (a flat model→pricing map)
// into the append-only price history. Import is idempotent: a model gets
// a new row only when its entry differs from the latest stored one.
// Returns the number of rows written.
func ImportPrices(ctx context.Context, store storage.PriceStore, doc []byte) (int, error) {
	prices, err := pricing.ParseImport(doc)
	if err != nil {
		return 0, err
	}
	latest, err := store.LatestPrices(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for i := range prices {
		p := &prices[i]
		if prev, ok := latest[p.ModelName]; ok && bytes.Equal(prev.Raw, p.Raw) {
			continue
		}
		p.ID = uuid.Must(uuid.NewV7()).String()
		p.CreatedAt = time.Now().UTC()
		if err := store.InsertPrice(ctx, p); err != nil {
			return written, fmt.Errorf("insert price %s: %w", p.ModelName, err)
		}
		written++
	}
	slog.InfoContext(ctx, "price import finished",
		slog.Int("models", len(prices)), slog.Int("written", written))
	return written, nil
}
