// Package ratelimit evaluates the user and key quota policy against the
// shared counters: RPM, rolling and calendar cost windows, total-cost caps
// and concurrent-session caps. It produces a structured denial; shaping the
// 429 response belongs to the HTTP layer.
package ratelimit

import (
	"context"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/redisstate"
	"github.com/llmrelay/llmrelay/internal/session"
	"github.com/llmrelay/llmrelay/internal/timewin"
)

// Result is the outcome of one limit check.
type Result struct {
	Allowed bool
	Current float64
	Limit   float64
	Reason  relay.LimitType
	ResetAt time.Time
}

// Guard runs the ordered limit checks for a request.
type Guard struct {
	state    *redisstate.Store
	clock    *timewin.Clock
	sessions *session.Tracker
	enabled  bool
}

// NewGuard creates a Guard. When enabled is false every check allows.
func NewGuard(state *redisstate.Store, clock *timewin.Clock, sessions *session.Tracker, enabled bool) *Guard {
	return &Guard{state: state, clock: clock, sessions: sessions, enabled: enabled}
}

// Ensure runs all checks in policy order and returns a RateLimitDenial for
// the first one that fails, nil when the request may proceed.
//
// Order: user RPM, user daily, user total, key 5h/daily/weekly/monthly,
// key total, key concurrent sessions. Cost comparisons are inclusive: a
// window already at its limit denies.
func (g *Guard) Ensure(ctx context.Context, user *relay.User, key *relay.Key) *relay.RateLimitDenial {
	if !g.enabled {
		return nil
	}
	merged := key.Policy.Merge(user.Policy)

	if r := g.checkRPM(ctx, user); !r.Allowed {
		return denial(r)
	}
	if r := g.checkCost(ctx, redisstate.ScopeUser, user.ID, timewin.PeriodDaily,
		user.Policy.DailyResetTime, user.Policy.DailyResetMode, user.Policy.LimitDailyUSD, relay.LimitDailyQuota); !r.Allowed {
		return denial(r)
	}
	if r := g.checkCost(ctx, redisstate.ScopeUser, user.ID, timewin.PeriodTotal,
		"", "", user.Policy.LimitTotalUSD, relay.LimitUSDTotal); !r.Allowed {
		return denial(r)
	}

	keyWindows := []struct {
		period    timewin.Period
		limit     *float64
		limitType relay.LimitType
	}{
		{timewin.Period5h, merged.Limit5hUSD, relay.LimitUSD5h},
		{timewin.PeriodDaily, merged.LimitDailyUSD, relay.LimitDailyQuota},
		{timewin.PeriodWeekly, merged.LimitWeeklyUSD, relay.LimitUSDWeekly},
		{timewin.PeriodMonthly, merged.LimitMonthlyUSD, relay.LimitUSDMonthly},
	}
	for _, w := range keyWindows {
		if r := g.checkCost(ctx, redisstate.ScopeKey, key.ID, w.period,
			merged.DailyResetTime, merged.DailyResetMode, w.limit, w.limitType); !r.Allowed {
			return denial(r)
		}
	}
	if r := g.checkCost(ctx, redisstate.ScopeKey, key.ID, timewin.PeriodTotal,
		"", "", merged.LimitTotalUSD, relay.LimitUSDTotal); !r.Allowed {
		return denial(r)
	}
	if r := g.checkSessions(ctx, key.ID, merged.LimitConcurrentSessions); !r.Allowed {
		return denial(r)
	}
	return nil
}

// RecordCost feeds a finished request's cost back into every window counter
// the checks read from.
func (g *Guard) RecordCost(ctx context.Context, user *relay.User, key *relay.Key, costUSD float64) {
	if !g.enabled || costUSD <= 0 {
		return
	}
	merged := key.Policy.Merge(user.Policy)

	g.state.AddCost(ctx, redisstate.ScopeUser, user.ID, timewin.PeriodDaily,
		user.Policy.DailyResetTime, user.Policy.DailyResetMode, costUSD)
	g.state.AddCost(ctx, redisstate.ScopeUser, user.ID, timewin.PeriodTotal, "", "", costUSD)

	for _, p := range []timewin.Period{timewin.Period5h, timewin.PeriodDaily, timewin.PeriodWeekly, timewin.PeriodMonthly, timewin.PeriodTotal} {
		g.state.AddCost(ctx, redisstate.ScopeKey, key.ID, p, merged.DailyResetTime, merged.DailyResetMode, costUSD)
	}
}

func (g *Guard) checkRPM(ctx context.Context, user *relay.User) Result {
	if user.Policy.RPM == nil {
		return Result{Allowed: true}
	}
	limit := *user.Policy.RPM
	current := g.state.CheckRPM(ctx, user.ID)
	reset := g.clock.Now().Truncate(time.Minute).Add(time.Minute)
	if current > limit {
		return Result{Current: float64(current), Limit: float64(limit), Reason: relay.LimitRPM, ResetAt: reset}
	}
	return Result{Allowed: true}
}

func (g *Guard) checkCost(ctx context.Context, scope redisstate.Scope, id string, period timewin.Period,
	resetTime string, mode relay.DailyResetMode, limit *float64, lt relay.LimitType) Result {
	if limit == nil {
		return Result{Allowed: true}
	}
	current := g.state.CurrentCost(ctx, scope, id, period, resetTime, mode)
	if current >= *limit {
		return Result{
			Current: current,
			Limit:   *limit,
			Reason:  lt,
			ResetAt: g.clock.ResetInfo(period, resetTime, mode),
		}
	}
	return Result{Allowed: true}
}

func (g *Guard) checkSessions(ctx context.Context, keyID string, limit *int64) Result {
	if limit == nil {
		return Result{Allowed: true}
	}
	// The current request's slot is already acquired, so the count includes
	// it; only counts beyond the cap deny.
	current := g.sessions.KeySessionCount(ctx, keyID)
	if current > *limit {
		return Result{Current: float64(current), Limit: float64(*limit), Reason: relay.LimitConcurrent}
	}
	return Result{Allowed: true}
}

func denial(r Result) *relay.RateLimitDenial {
	return &relay.RateLimitDenial{
		LimitType: r.Reason,
		Current:   r.Current,
		Limit:     r.Limit,
		ResetTime: r.ResetAt,
	}
}
