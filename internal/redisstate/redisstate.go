// Package redisstate is the shared-state facade over Redis: cost counters,
// RPM buckets, session sets, circuit breaker hashes, client version keys.
//
// Every operation is fail-open. When Redis is unreachable (or was never
// configured) the facade logs a warning and serves from an in-process
// fallback store, so a Redis outage never blocks a request.
package redisstate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/timewin"
)

// Scope qualifies whose counter a cost key belongs to.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeKey  Scope = "key"
)

// opTimeout bounds every Redis round trip; the facade fails open rather
// than letting a slow Redis stall the pipeline.
const opTimeout = 500 * time.Millisecond

// rpmWindowTTL keeps two minute-buckets alive so late increments still land.
const rpmWindowTTL = 120 * time.Second

// Store is the shared-state facade. A nil client is valid and serves
// everything from the fallback store.
type Store struct {
	rdb      redis.UniversalClient
	fallback *memoryStore
	clock    *timewin.Clock
}

// New creates a Store. redisURL may be empty, which disables Redis and
// keeps all state process-local.
func New(redisURL string, clock *timewin.Clock) (*Store, error) {
	s := &Store{fallback: newMemoryStore(), clock: clock}
	if redisURL == "" {
		return s, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s.rdb = redis.NewClient(opts)
	return s, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(rdb redis.UniversalClient, clock *timewin.Clock) *Store {
	return &Store{rdb: rdb, fallback: newMemoryStore(), clock: clock}
}

// Ping reports Redis reachability. Always nil when Redis is not configured.
func (s *Store) Ping(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) failOpen(op string, err error) {
	slog.Warn("redis unavailable, failing open", "op", op, "error", err)
}

func costKey(scope Scope, id string, period timewin.Period) string {
	return fmt.Sprintf("rate:cost:%s:%s:%s", scope, id, period)
}

// CurrentCost returns the accumulated USD cost in the active window.
// Redis errors return the fallback value.
func (s *Store) CurrentCost(ctx context.Context, scope Scope, id string, period timewin.Period, resetTime string, mode relay.DailyResetMode) float64 {
	key := costKey(scope, id, period)
	if s.rdb == nil {
		return s.fallback.getFloat(key)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Float64()
	if err != nil {
		if err != redis.Nil {
			s.failOpen("get_cost", err)
			return s.fallback.getFloat(key)
		}
		return 0
	}
	return v
}

// AddCost increments the window counter by delta USD and refreshes the
// window TTL. On Redis failure the delta is buffered in-process.
func (s *Store) AddCost(ctx context.Context, scope Scope, id string, period timewin.Period, resetTime string, mode relay.DailyResetMode, delta float64) {
	key := costKey(scope, id, period)
	ttl := s.clock.TTL(period, resetTime, mode)
	if s.rdb == nil {
		s.fallback.addFloat(key, delta, ttl)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen("add_cost", err)
		s.fallback.addFloat(key, delta, ttl)
	}
}

// CheckRPM counts this request into the current minute bucket and returns
// the count. Fails open by counting in-process.
func (s *Store) CheckRPM(ctx context.Context, userID string) int64 {
	key := fmt.Sprintf("rate:rpm:%s:%s", userID, s.clock.MinuteKey())
	if s.rdb == nil {
		return s.fallback.incrInt(key, rpmWindowTTL)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rpmWindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen("check_rpm", err)
		return s.fallback.incrInt(key, rpmWindowTTL)
	}
	return incr.Val()
}

// --- Session sets ---

// SessionKind selects the key- or user-scoped active session set.
type SessionKind string

const (
	SessionByKey  SessionKind = "key"
	SessionByUser SessionKind = "user"
)

func sessionKey(kind SessionKind, id string) string {
	if kind == SessionByUser {
		return "session:user:" + id
	}
	return "session:active:" + id
}

// SessionAdd registers sessionID in the active set with an idle TTL.
func (s *Store) SessionAdd(ctx context.Context, kind SessionKind, id, sessionID string, ttl time.Duration) {
	key := sessionKey(kind, id)
	if s.rdb == nil {
		s.fallback.setAdd(key, sessionID, ttl)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen("session_add", err)
		s.fallback.setAdd(key, sessionID, ttl)
	}
}

// SessionRemove drops sessionID from the active set.
func (s *Store) SessionRemove(ctx context.Context, kind SessionKind, id, sessionID string) {
	key := sessionKey(kind, id)
	if s.rdb == nil {
		s.fallback.setRemove(key, sessionID)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.SRem(ctx, key, sessionID).Err(); err != nil {
		s.failOpen("session_remove", err)
	}
	s.fallback.setRemove(key, sessionID)
}

// SessionCount returns the active session count for a key or user.
func (s *Store) SessionCount(ctx context.Context, kind SessionKind, id string) int64 {
	key := sessionKey(kind, id)
	if s.rdb == nil {
		return s.fallback.setCard(key)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		s.failOpen("session_count", err)
		return s.fallback.setCard(key)
	}
	return n
}

// SessionMembers returns the session IDs in the active set.
func (s *Store) SessionMembers(ctx context.Context, kind SessionKind, id string) []string {
	key := sessionKey(kind, id)
	if s.rdb == nil {
		return s.fallback.setMembers(key)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		s.failOpen("session_members", err)
		return s.fallback.setMembers(key)
	}
	return members
}

// --- Hash state (circuit breaker, client versions) ---

// HSet writes fields into a hash and applies ttl when positive.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s.rdb == nil {
		s.fallback.hashSet(key, fields, ttl)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen("hset", err)
		s.fallback.hashSet(key, fields, ttl)
		return err
	}
	return nil
}

// HGetAll reads a full hash. A missing key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) map[string]string {
	if s.rdb == nil {
		return s.fallback.hashGetAll(key)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		s.failOpen("hgetall", err)
		return s.fallback.hashGetAll(key)
	}
	return m
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) {
	s.fallback.del(keys...)
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.failOpen("del", err)
	}
}

// Expire sets a TTL on a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) {
	s.fallback.expire(key, ttl)
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		s.failOpen("expire", err)
	}
}

// Keys returns keys matching pattern. SCAN-based to avoid blocking Redis.
func (s *Store) Keys(ctx context.Context, pattern string) []string {
	if s.rdb == nil {
		return s.fallback.keys(pattern)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.failOpen("keys", err)
		return s.fallback.keys(pattern)
	}
	return out
}

// --- Simple string values (client versions) ---

// SetString writes a plain value with a TTL.
func (s *Store) SetString(ctx context.Context, key, val string, ttl time.Duration) {
	if s.rdb == nil {
		s.fallback.setString(key, val, ttl)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		s.failOpen("set", err)
		s.fallback.setString(key, val, ttl)
	}
}

// GetString reads a plain value; missing keys return "".
func (s *Store) GetString(ctx context.Context, key string) string {
	if s.rdb == nil {
		return s.fallback.getString(key)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.failOpen("get", err)
			return s.fallback.getString(key)
		}
		return ""
	}
	return v
}

// ParseInt64 is a small helper for hash field decoding.
func ParseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
