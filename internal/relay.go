// Package relay defines domain types and interfaces for the llmrelay gateway.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Wire formats ---

// Format identifies one of the chat/completion wire protocols the gateway
// speaks. Client formats and provider types share this value space.
type Format string

const (
	FormatClaude    Format = "claude"
	FormatCodex     Format = "codex"
	FormatOpenAI    Format = "openai"
	FormatGemini    Format = "gemini"
	FormatGeminiCLI Format = "gemini-cli"
)

// ProviderType identifies the wire protocol of an upstream provider.
type ProviderType string

const (
	ProviderClaude     ProviderType = "claude"
	ProviderClaudeAuth ProviderType = "claude-auth"
	ProviderCodex      ProviderType = "codex"
	ProviderOpenAI     ProviderType = "openai-compatible"
	ProviderGemini     ProviderType = "gemini"
	ProviderGeminiCLI  ProviderType = "gemini-cli"
)

// WireFormat returns the wire protocol a provider of this type speaks.
func (t ProviderType) WireFormat() Format {
	switch t {
	case ProviderClaude, ProviderClaudeAuth:
		return FormatClaude
	case ProviderCodex:
		return FormatCodex
	case ProviderOpenAI:
		return FormatOpenAI
	case ProviderGemini:
		return FormatGemini
	case ProviderGeminiCLI:
		return FormatGeminiCLI
	default:
		return FormatOpenAI
	}
}

// --- Users, keys, policies ---

// Role is the access level of a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// DailyResetMode controls how the daily cost window is anchored.
type DailyResetMode string

const (
	DailyResetFixed   DailyResetMode = "fixed"
	DailyResetRolling DailyResetMode = "rolling"
)

// Policy is a set of rate and quota limits. Nil fields mean unlimited.
// The same shape applies to users and keys; a key inherits the owning
// user's value for any field it leaves nil.
type Policy struct {
	RPM                     *int64          `json:"rpm,omitempty"` // user only
	Limit5hUSD              *float64        `json:"limit_5h_usd,omitempty"`
	LimitDailyUSD           *float64        `json:"limit_daily_usd,omitempty"`
	DailyResetMode          DailyResetMode  `json:"daily_reset_mode,omitempty"`
	DailyResetTime          string          `json:"daily_reset_time,omitempty"` // "HH:MM"
	LimitWeeklyUSD          *float64        `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         *float64        `json:"limit_monthly_usd,omitempty"`
	LimitTotalUSD           *float64        `json:"limit_total_usd,omitempty"`
	LimitConcurrentSessions *int64          `json:"limit_concurrent_sessions,omitempty"`
}

// Merge returns p with nil fields filled from parent. DailyResetMode and
// DailyResetTime follow LimitDailyUSD: they are inherited only when the
// daily limit itself is inherited.
func (p Policy) Merge(parent Policy) Policy {
	out := p
	if out.RPM == nil {
		out.RPM = parent.RPM
	}
	if out.Limit5hUSD == nil {
		out.Limit5hUSD = parent.Limit5hUSD
	}
	if out.LimitDailyUSD == nil {
		out.LimitDailyUSD = parent.LimitDailyUSD
		out.DailyResetMode = parent.DailyResetMode
		out.DailyResetTime = parent.DailyResetTime
	}
	if out.LimitWeeklyUSD == nil {
		out.LimitWeeklyUSD = parent.LimitWeeklyUSD
	}
	if out.LimitMonthlyUSD == nil {
		out.LimitMonthlyUSD = parent.LimitMonthlyUSD
	}
	if out.LimitTotalUSD == nil {
		out.LimitTotalUSD = parent.LimitTotalUSD
	}
	if out.LimitConcurrentSessions == nil {
		out.LimitConcurrentSessions = parent.LimitConcurrentSessions
	}
	return out
}

// User is a tenant account. Keys belong to users; a user's policy is the
// ceiling for every key policy it owns.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Role           Role       `json:"role"`
	Enabled        bool       `json:"enabled"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Policy         Policy     `json:"policy"`
	ProviderGroups []string   `json:"provider_groups,omitempty"`
	Deleted        bool       `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CacheTTLPreference selects the prompt-cache TTL a key prefers.
type CacheTTLPreference string

const (
	CacheTTLInherit CacheTTLPreference = "inherit"
	CacheTTL5m      CacheTTLPreference = "5m"
	CacheTTL1h      CacheTTLPreference = "1h"
)

// Key is an API credential owned by exactly one user.
type Key struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Name          string             `json:"name"`
	KeyHash       string             `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix     string             `json:"key_prefix"` // first 11 chars for display
	Policy        Policy             `json:"policy"`
	ProviderGroups []string          `json:"provider_groups,omitempty"` // nil = no restriction
	CacheTTL      CacheTTLPreference `json:"cache_ttl_preference,omitempty"`
	CanLoginWebUI bool               `json:"can_login_web_ui"`
	Deleted       bool               `json:"-"`
	CreatedAt     time.Time          `json:"created_at"`
}

// --- Providers ---

// BreakerConfig holds per-provider circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	OpenDuration             time.Duration `json:"open_duration"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
}

// DefaultBreakerConfig returns the breaker defaults applied when a provider
// does not override them.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         5,
		OpenDuration:             30 * time.Minute,
		HalfOpenSuccessThreshold: 2,
	}
}

// Provider is a configured upstream target.
type Provider struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Type                  ProviderType      `json:"provider_type"`
	URL                   string            `json:"url"`
	Credential            string            `json:"-"` // opaque: API key or refresh token
	Enabled               bool              `json:"is_enabled"`
	Deleted               bool              `json:"-"`
	Priority              int               `json:"priority"` // lower = tried first
	Weight                int               `json:"weight"`   // random tie-break, <=0 treated as 1
	Group                 string            `json:"provider_group,omitempty"`
	ModelRedirects        map[string]string `json:"model_redirects,omitempty"`
	AllowedModels         []string          `json:"allowed_models,omitempty"` // nil = all
	ProxyURL              string            `json:"proxy_url,omitempty"`
	ProxyFallbackToDirect bool              `json:"proxy_fallback_to_direct"`
	Breaker               BreakerConfig     `json:"circuit_breaker"`
	BalanceUSD            *float64          `json:"balance_usd,omitempty"`
	AllowGlobalUsageView  bool              `json:"allow_global_usage_view"`
	CreatedAt             time.Time         `json:"created_at"`
}

// --- Model pricing ---

// ModelPrice is one append-only price record for a model. "Current price"
// is the latest record by CreatedAt for the model name.
type ModelPrice struct {
	ID                string          `json:"id"`
	ModelName         string          `json:"model_name"`
	Mode              string          `json:"mode"` // "chat" is the selectable one
	InputPerToken     float64         `json:"input_cost_per_token"`
	OutputPerToken    float64         `json:"output_cost_per_token"`
	Cache5mPerToken   *float64        `json:"cache_creation_input_token_cost,omitempty"`
	Cache1hPerToken   *float64        `json:"cache_creation_input_token_cost_above_1hr,omitempty"`
	CacheReadPerToken *float64        `json:"cache_read_input_token_cost,omitempty"`
	Raw               json.RawMessage `json:"-"` // verbatim import payload, for idempotence
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Accounting ---

// Usage is the token breakdown reported by an upstream response.
type Usage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	CacheCreation5m    int64 `json:"cache_creation_5m_tokens"`
	CacheCreation1h    int64 `json:"cache_creation_1h_tokens"`
	CacheCreationTotal int64 `json:"cache_creation_input_tokens"` // unsplit total, may exceed 5m+1h
	CacheReadTokens    int64 `json:"cache_read_input_tokens"`
}

// ChainEntry is one per-attempt provider decision inside a MessageRequest.
// Entries are append-only.
type ChainEntry struct {
	ProviderID      string       `json:"provider_id"`
	ProviderName    string       `json:"provider_name"`
	ProviderType    ProviderType `json:"provider_type"`
	DecisionReason  string       `json:"decision_reason"`
	AttemptIndex    int          `json:"attempt_index"`
	StatusCode      int          `json:"status_code,omitempty"`
	OriginalModel   string       `json:"original_model,omitempty"`
	RedirectedModel string       `json:"redirected_model,omitempty"`
	BillingModel    string       `json:"billing_model,omitempty"`
}

// MessageRequest is the accounting row, one per client request. Created
// pre-dispatch and finalized after the response or error.
type MessageRequest struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	KeyID         string       `json:"key_id"`
	ProviderID    string       `json:"provider_id,omitempty"`
	Model         string       `json:"model"`
	OriginalModel string       `json:"original_model"`
	Status        int          `json:"status"`
	DurationMs    int64        `json:"duration_ms"`
	Usage         Usage        `json:"usage"`
	CostUSD       string       `json:"cost_usd"` // fixed-precision decimal string
	SessionID     string       `json:"session_id"`
	Note          string       `json:"note,omitempty"`
	ProviderChain []ChainEntry `json:"provider_chain,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"` // UTC
}

// --- Error rules and request filters ---

// MatchType selects how a rule pattern is compared against text.
type MatchType string

const (
	MatchRegex    MatchType = "regex"
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
)

// ErrorRule maps upstream error text to a category and optional overrides.
type ErrorRule struct {
	ID             int64           `json:"id"`
	Pattern        string          `json:"pattern"`
	MatchType      MatchType       `json:"match_type"`
	Category       string          `json:"category"`
	OverrideStatus int             `json:"override_status_code,omitempty"` // 0 = none, else [400,599]
	OverrideBody   json.RawMessage `json:"override_response,omitempty"`
	Enabled        bool            `json:"is_enabled"`
	Default        bool            `json:"is_default"`
	Priority       int             `json:"priority"`
}

// FilterScope selects what part of the request a filter mutates.
type FilterScope string

const (
	ScopeHeader FilterScope = "header"
	ScopeBody   FilterScope = "body"
)

// FilterAction is the mutation a request filter performs.
type FilterAction string

const (
	ActionRemove      FilterAction = "remove"
	ActionSet         FilterAction = "set"
	ActionJSONPath    FilterAction = "json_path"
	ActionTextReplace FilterAction = "text_replace"
)

// RequestFilter is a pre-dispatch header or body mutation.
type RequestFilter struct {
	ID          int64           `json:"id"`
	Scope       FilterScope     `json:"scope"`
	Action      FilterAction    `json:"action"`
	Target      string          `json:"target"`
	MatchType   MatchType       `json:"match_type,omitempty"` // text_replace only
	Replacement json.RawMessage `json:"replacement,omitempty"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"is_enabled"`
}

// --- Context plumbing ---

// AuthInfo is the authenticated caller attached to the request context.
type AuthInfo struct {
	User *User
	Key  *Key
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Auth field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Auth      *AuthInfo
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthFromContext extracts the authenticated caller from context.
func AuthFromContext(ctx context.Context) *AuthInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}

// ContextWithAuth stores the caller in the existing requestMeta if present,
// falling back to a new context value (e.g. in tests).
func ContextWithAuth(ctx context.Context, a *AuthInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = a
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: a})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all relay API keys.
const APIKeyPrefix = "sk-"

// NewAPIKey generates a fresh opaque API key: "sk-" + 128 random bits hex.
func NewAPIKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return APIKeyPrefix + hex.EncodeToString(b[:])
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
