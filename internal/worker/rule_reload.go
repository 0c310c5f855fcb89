package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/storage"
)

const ruleReloadInterval = 60 * time.Second

// RuleReloadWorker periodically reloads error rules and request filters
// from the store. Admin mutations reload in-process immediately; this
// worker converges other instances of a multi-node deployment.
type RuleReloadWorker struct {
	store   storage.RuleStore
	rules   *errorrule.Table
	filters *reqfilter.Engine
}

// NewRuleReloadWorker creates a RuleReloadWorker.
func NewRuleReloadWorker(store storage.RuleStore, rules *errorrule.Table, filters *reqfilter.Engine) *RuleReloadWorker {
	return &RuleReloadWorker{store: store, rules: rules, filters: filters}
}

// Name returns the worker identifier.
func (w *RuleReloadWorker) Name() string { return "rule_reload" }

// Run reloads once at startup, then on the interval.
func (w *RuleReloadWorker) Run(ctx context.Context) error {
	w.reload(ctx)

	ticker := time.NewTicker(ruleReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.reload(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RuleReloadWorker) reload(ctx context.Context) {
	rules, err := w.store.ListErrorRules(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "error rule reload failed",
			slog.String("error", err.Error()))
	} else {
		vals := make([]relay.ErrorRule, 0, len(rules))
		for _, r := range rules {
			vals = append(vals, *r)
		}
		if err := w.rules.Reload(vals); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "some error rules skipped",
				slog.String("error", err.Error()))
		}
	}

	filters, err := w.store.ListRequestFilters(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request filter reload failed",
			slog.String("error", err.Error()))
		return
	}
	vals := make([]relay.RequestFilter, 0, len(filters))
	for _, f := range filters {
		vals = append(vals, *f)
	}
	w.filters.Reload(vals)
}
