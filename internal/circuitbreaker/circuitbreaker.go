// Package circuitbreaker implements the per-provider three-state circuit
// breaker. State transitions are closed -> open -> half_open -> closed;
// an open breaker removes the provider from candidate selection until its
// timer elapses, after which requests are admitted as probes.
package circuitbreaker

import (
	"strconv"
	"sync"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the open timer elapses.
	StateOpen
	// StateHalfOpen admits probe requests.
	StateHalfOpen
)

// String returns the persisted state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState maps a persisted name back to a State (unknown -> closed).
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Breaker is a per-provider state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	mu              sync.Mutex
	cfg             relay.BreakerConfig
	state           State
	failureCount    int
	lastFailure     time.Time
	openUntil       time.Time
	halfOpenSuccess int
}

// NewBreaker creates a closed breaker with the given config. Zero config
// fields fall back to the defaults.
func NewBreaker(cfg relay.BreakerConfig) *Breaker {
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
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current state, applying the open -> half_open timer
// transition lazily.
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !now.Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a request may be sent. In open state the first
// request past openUntil is admitted as a probe and flips the breaker to
// half_open; concurrent requests racing past the timer may each be elected
// as probes, which is accepted -- state writes are idempotent.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenSuccess = 0
		return true
	case StateHalfOpen:
		return true
	}
	return false
}

// OnSuccess records a successful attempt. Returns true when the state or
// counters changed in a way worth persisting.
func (b *Breaker) OnSuccess(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if b.failureCount == 0 {
			return false
		}
		b.failureCount = 0
		return true
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenSuccess = 0
		}
		return true
	case StateOpen:
		// A late success from a request admitted before the trip; the open
		// timer stands. Never close directly from open.
		return false
	}
	return false
}

// OnFailure records a failed attempt.
func (b *Breaker) OnFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = now
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openUntil = now.Add(b.cfg.OpenDuration)
			b.halfOpenSuccess = 0
		}
		return true
	case StateHalfOpen:
		b.state = StateOpen
		b.openUntil = now.Add(b.cfg.OpenDuration)
		b.halfOpenSuccess = 0
		return true
	case StateOpen:
		return true
	}
	return true
}

// Snapshot exports the breaker state as the persisted hash fields.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]string{
		"failureCount":         strconv.Itoa(b.failureCount),
		"lastFailureTime":      strconv.FormatInt(timeToMs(b.lastFailure), 10),
		"circuitState":         b.state.String(),
		"circuitOpenUntil":     strconv.FormatInt(timeToMs(b.openUntil), 10),
		"halfOpenSuccessCount": strconv.Itoa(b.halfOpenSuccess),
	}
}

// Restore overwrites the breaker state from persisted hash fields.
func (b *Breaker) Restore(fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = ParseState(fields["circuitState"])
	b.failureCount = atoi(fields["failureCount"])
	b.halfOpenSuccess = atoi(fields["halfOpenSuccessCount"])
	b.lastFailure = msToTime(fields["lastFailureTime"])
	b.openUntil = msToTime(fields["circuitOpenUntil"])
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
