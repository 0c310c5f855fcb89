package circuitbreaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/redisstate"
)

// stateTTL keeps persisted breaker state for a day; stale providers decay
// back to closed.
const stateTTL = 24 * time.Hour

func configKey(providerID string) string { return "circuit_breaker:config:" + providerID }
func stateKey(providerID string) string  { return "circuit_breaker:state:" + providerID }

// Registry manages per-provider breakers and mirrors their state into the
// shared store so instances converge on the same view. The in-process
// breaker stays authoritative when a write fails.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	state    *redisstate.Store
	now      func() time.Time
}

// NewRegistry creates a Registry backed by the shared state store.
func NewRegistry(state *redisstate.Store) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		state:    state,
		now:      time.Now,
	}
}

// breakerFor returns the breaker for the provider, creating and restoring
// it from persisted state on first sight. Double-check locking keeps the
// write lock off the hot path.
func (r *Registry) breakerFor(ctx context.Context, p *relay.Provider) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[p.ID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	b = NewBreaker(p.Breaker)
	b.Restore(r.state.HGetAll(ctx, stateKey(p.ID)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[p.ID]; ok {
		return existing
	}
	r.breakers[p.ID] = b
	return b
}

// Allow reports whether the provider may receive a request.
func (r *Registry) Allow(ctx context.Context, p *relay.Provider) bool {
	return r.breakerFor(ctx, p).Allow(r.now())
}

// StateOf returns the provider's current breaker state.
func (r *Registry) StateOf(ctx context.Context, p *relay.Provider) State {
	return r.breakerFor(ctx, p).State(r.now())
}

// OnSuccess records a successful attempt and persists the new state.
func (r *Registry) OnSuccess(ctx context.Context, p *relay.Provider) {
	b := r.breakerFor(ctx, p)
	if b.OnSuccess(r.now()) {
		r.persist(ctx, p.ID, b)
	}
}

// OnFailure records a failed attempt and persists the new state.
func (r *Registry) OnFailure(ctx context.Context, p *relay.Provider) {
	b := r.breakerFor(ctx, p)
	if b.OnFailure(r.now()) {
		r.persist(ctx, p.ID, b)
	}
}

// persist mirrors the breaker state to the shared store. Write errors are
// absorbed: the in-process state remains authoritative.
func (r *Registry) persist(ctx context.Context, providerID string, b *Breaker) {
	_ = r.state.HSet(ctx, stateKey(providerID), b.Snapshot(), stateTTL)
}

// Preload performs a best-effort bulk load of breaker configs and states
// for all known providers, so a restarted instance does not re-probe
// providers that are open elsewhere.
func (r *Registry) Preload(ctx context.Context, providers []*relay.Provider) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range providers {
		g.Go(func() error {
			r.saveConfig(ctx, p)
			r.breakerFor(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// saveConfig persists the provider's breaker parameters for visibility
// across instances and ops tooling.
func (r *Registry) saveConfig(ctx context.Context, p *relay.Provider) {
	cfg := p.Breaker
	def := relay.DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	_ = r.state.HSet(ctx, configKey(p.ID), map[string]string{
		"failureThreshold":         strconv.Itoa(cfg.FailureThreshold),
		"openDurationMs":           strconv.FormatInt(cfg.OpenDuration.Milliseconds(), 10),
		"halfOpenSuccessThreshold": strconv.Itoa(cfg.HalfOpenSuccessThreshold),
	}, 0)
}

// Forget drops the in-process breaker for a provider (e.g. after deletion).
func (r *Registry) Forget(ctx context.Context, providerID string) {
	r.mu.Lock()
	delete(r.breakers, providerID)
	r.mu.Unlock()
	r.state.Del(ctx, stateKey(providerID), configKey(providerID))
}
