// Package session tracks active proxy sessions per key and per user. It is
// the single source of truth for concurrent-session enforcement: a slot is
// acquired before the rate-limit checks run and released on every pipeline
// exit path.
package session

import (
	"context"
	"time"

	"github.com/llmrelay/llmrelay/internal/redisstate"
)

// idleTTL expires abandoned sessions whose release never ran (crashed
// instance, lost connection). Live sessions refresh it on acquire.
const idleTTL = 5 * time.Minute

// Tracker tracks (keyID, sessionID) and (userID, sessionID) membership.
type Tracker struct {
	state *redisstate.Store
}

// NewTracker returns a Tracker backed by the shared state store.
func NewTracker(state *redisstate.Store) *Tracker {
	return &Tracker{state: state}
}

// Acquire registers the session under both the key and the user scope.
func (t *Tracker) Acquire(ctx context.Context, userID, keyID, sessionID string) {
	t.state.SessionAdd(ctx, redisstate.SessionByKey, keyID, sessionID, idleTTL)
	t.state.SessionAdd(ctx, redisstate.SessionByUser, userID, sessionID, idleTTL)
}

// Release drops the session from both scopes. Safe to call more than once;
// it runs unconditionally on pipeline exit, including cancellation, so it
// must not depend on the request context still being alive.
func (t *Tracker) Release(userID, keyID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.state.SessionRemove(ctx, redisstate.SessionByKey, keyID, sessionID)
	t.state.SessionRemove(ctx, redisstate.SessionByUser, userID, sessionID)
}

// KeySessionCount returns the number of active sessions for a key.
func (t *Tracker) KeySessionCount(ctx context.Context, keyID string) int64 {
	return t.state.SessionCount(ctx, redisstate.SessionByKey, keyID)
}

// UserSessionCount returns the number of active sessions for a user.
func (t *Tracker) UserSessionCount(ctx context.Context, userID string) int64 {
	return t.state.SessionCount(ctx, redisstate.SessionByUser, userID)
}

// ActiveSessions returns the session IDs currently held by a key.
func (t *Tracker) ActiveSessions(ctx context.Context, keyID string) []string {
	return t.state.SessionMembers(ctx, redisstate.SessionByKey, keyID)
}
