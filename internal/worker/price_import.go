package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/llmrelay/llmrelay/internal/app"
	"github.com/llmrelay/llmrelay/internal/storage"
)

const (
	priceImportInterval = 24 * time.Hour
	priceFetchTimeout   = 2 * time.Minute
	maxPriceDoc         = 32 << 20
)

// PriceImportWorker periodically fetches the model price document and
// imports any changed rows. The import is idempotent, so re-fetching an
// unchanged document writes nothing.
type PriceImportWorker struct {
	store  storage.PriceStore
	prices *app.PriceCache
	url    string
	client *http.Client
}

// NewPriceImportWorker creates the worker. An empty URL disables it; Run
// then blocks until cancellation.
func NewPriceImportWorker(store storage.PriceStore, prices *app.PriceCache, url string) *PriceImportWorker {
	return &PriceImportWorker{
		store:  store,
		prices: prices,
		url:    url,
		client: &http.Client{Timeout: priceFetchTimeout},
	}
}

// Name returns the worker identifier.
func (w *PriceImportWorker) Name() string { return "price_import" }

// Run imports once at startup, then on the daily interval.
func (w *PriceImportWorker) Run(ctx context.Context) error {
	if w.url == "" {
		<-ctx.Done()
		return nil
	}

	w.importOnce(ctx)

	ticker := time.NewTicker(priceImportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.importOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *PriceImportWorker) importOnce(ctx context.Context) {
	doc, err := w.fetch(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "price fetch failed",
			slog.String("url", w.url),
			slog.String("error", err.Error()),
		)
		return
	}
	n, err := app.ImportPrices(ctx, w.store, doc)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "price import failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		w.prices.Invalidate()
	}
}

func (w *PriceImportWorker) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price source returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPriceDoc))
}
