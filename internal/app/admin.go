package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/storage"
)

// AdminService manages users, keys, providers, prices, error rules and
// request filters. Mutations keep the runtime views (auth cache, breaker
// registry, rule table, filter engine) in sync with the store.
type AdminService struct {
	store    storage.Store
	auth     *auth.Authenticator
	breakers *circuitbreaker.Registry
	rules    *errorrule.Table
	filters  *reqfilter.Engine
	prices   *PriceCache
}

// NewAdminService wires the admin surface.
func NewAdminService(store storage.Store, a *auth.Authenticator, breakers *circuitbreaker.Registry,
	rules *errorrule.Table, filters *reqfilter.Engine, prices *PriceCache) *AdminService {
	return &AdminService{
		store:    store,
		auth:     a,
		breakers: breakers,
		rules:    rules,
		filters:  filters,
		prices:   prices,
	}
}

// --- Users ---

// CreateUserOpts carries the caller-settable fields of a new user.
type CreateUserOpts struct {
	Name           string       `json:"name"`
	Role           relay.Role   `json:"role"`
	ExpiresAt      *time.Time   `json:"expires_at"`
	Policy         relay.Policy `json:"policy"`
	ProviderGroups []string     `json:"provider_groups"`
}

// CreateUser creates an enabled user with a fresh ID.
func (as *AdminService) CreateUser(ctx context.Context, opts CreateUserOpts) (*relay.User, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("user name is required: %w", relay.ErrBadRequest)
	}
	if opts.Role == "" {
		opts.Role = relay.RoleUser
	}
	if opts.Role != relay.RoleUser && opts.Role != relay.RoleAdmin {
		return nil, fmt.Errorf("unknown role %q: %w", opts.Role, relay.ErrBadRequest)
	}
	if err := validatePolicy(opts.Policy); err != nil {
		return nil, err
	}

	u := &relay.User{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Name:           opts.Name,
		Role:           opts.Role,
		Enabled:        true,
		ExpiresAt:      opts.ExpiresAt,
		Policy:         opts.Policy,
		ProviderGroups: opts.ProviderGroups,
		CreatedAt:      time.Now().UTC(),
	}
	if err := as.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser fetches one user.
func (as *AdminService) GetUser(ctx context.Context, id string) (*relay.User, error) {
	return as.store.GetUser(ctx, id)
}

// ListUsers pages through users.
func (as *AdminService) ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error) {
	return as.store.ListUsers(ctx, offset, limit)
}

// UpdateUser applies a full user update. Tightening the user policy can
// leave key policies above the new ceiling; effective limits still clamp
// at merge time, so that is allowed.
func (as *AdminService) UpdateUser(ctx context.Context, u *relay.User) error {
	if err := validatePolicy(u.Policy); err != nil {
		return err
	}
	if err := as.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	as.auth.InvalidateAll()
	return nil
}

// DeleteUser soft-deletes a user. Its keys stop authenticating through
// the account check; accounting rows keep resolving the user.
func (as *AdminService) DeleteUser(ctx context.Context, id string) error {
	if err := as.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	as.auth.InvalidateAll()
	return nil
}

// --- Keys ---

// CreateKeyOpts carries the caller-settable fields of a new key.
type CreateKeyOpts struct {
	UserID         string                   `json:"user_id"`
	Name           string                   `json:"name"`
	Policy         relay.Policy             `json:"policy"`
	ProviderGroups []string                 `json:"provider_groups"`
	CacheTTL       relay.CacheTTLPreference `json:"cache_ttl_preference"`
	CanLoginWebUI  bool                     `json:"can_login_web_ui"`
}

// CreatedKey is the creation response: the only place the plaintext key
// ever appears.
type CreatedKey struct {
	Key       *relay.Key `json:"key"`
	Plaintext string     `json:"plaintext"`
}

// CreateKey mints a key for a user. The plaintext is returned once and
// only its hash is stored.
func (as *AdminService) CreateKey(ctx context.Context, opts CreateKeyOpts) (*CreatedKey, error) {
	owner, err := as.store.GetUser(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	if owner.Deleted {
		return nil, relay.ErrNotFound
	}
	if err := checkPolicyCeiling(opts.Policy, owner.Policy); err != nil {
		return nil, err
	}
	if err := checkGroupSubset(opts.ProviderGroups, owner.ProviderGroups); err != nil {
		return nil, err
	}
	if opts.CacheTTL == "" {
		opts.CacheTTL = relay.CacheTTLInherit
	}

	plaintext := relay.NewAPIKey()
	k := &relay.Key{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         owner.ID,
		Name:           opts.Name,
		KeyHash:        relay.HashKey(plaintext),
		KeyPrefix:      plaintext[:11],
		Policy:         opts.Policy,
		ProviderGroups: opts.ProviderGroups,
		CacheTTL:       opts.CacheTTL,
		CanLoginWebUI:  opts.CanLoginWebUI,
		CreatedAt:      time.Now().UTC(),
	}
	if err := as.store.CreateKey(ctx, k); err != nil {
		return nil, err
	}
	return &CreatedKey{Key: k, Plaintext: plaintext}, nil
}

// ListKeys returns a user's keys. Hashes never leave the store layer's
// struct; the JSON tags keep them out of responses.
func (as *AdminService) ListKeys(ctx context.Context, userID string) ([]*relay.Key, error) {
	return as.store.ListKeys(ctx, userID)
}

// UpdateKey applies a full key update, re-checking the policy ceiling.
func (as *AdminService) UpdateKey(ctx context.Context, k *relay.Key) error {
	owner, err := as.store.GetUser(ctx, k.UserID)
	if err != nil {
		return err
	}
	if err := checkPolicyCeiling(k.Policy, owner.Policy); err != nil {
		return err
	}
	if err := checkGroupSubset(k.ProviderGroups, owner.ProviderGroups); err != nil {
		return err
	}
	if err := as.store.UpdateKey(ctx, k); err != nil {
		return err
	}
	as.auth.InvalidateByKeyID(k.ID)
	return nil
}

// DeleteKey soft-deletes a key. A user's last active key cannot be
// deleted; delete the user instead.
func (as *AdminService) DeleteKey(ctx context.Context, id string) error {
	k, err := as.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	n, err := as.store.CountActiveKeys(ctx, k.UserID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return relay.ErrLastKey
	}
	if err := as.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	as.auth.InvalidateByKeyID(id)
	return nil
}

// --- Providers ---

// CreateProvider registers an upstream. Breaker parameters left at zero
// take the defaults.
func (as *AdminService) CreateProvider(ctx context.Context, p *relay.Provider) (*relay.Provider, error) {
	if err := validateProvider(p); err != nil {
		return nil, err
	}
	p.ID = uuid.Must(uuid.NewV7()).String()
	p.CreatedAt = time.Now().UTC()
	fillBreakerDefaults(&p.Breaker)
	if err := as.store.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProvider fetches one provider.
func (as *AdminService) GetProvider(ctx context.Context, id string) (*relay.Provider, error) {
	return as.store.GetProvider(ctx, id)
}

// ListProviders returns all live providers.
func (as *AdminService) ListProviders(ctx context.Context) ([]*relay.Provider, error) {
	return as.store.ListProviders(ctx)
}

// UpdateProvider applies a full provider update and drops its breaker so
// the next request rebuilds it with the new parameters.
func (as *AdminService) UpdateProvider(ctx context.Context, p *relay.Provider) error {
	if err := validateProvider(p); err != nil {
		return err
	}
	fillBreakerDefaults(&p.Breaker)
	if err := as.store.UpdateProvider(ctx, p); err != nil {
		return err
	}
	as.breakers.Forget(ctx, p.ID)
	return nil
}

// DeleteProvider soft-deletes a provider and forgets its breaker state.
func (as *AdminService) DeleteProvider(ctx context.Context, id string) error {
	if err := as.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	as.breakers.Forget(ctx, id)
	return nil
}

// --- Error rules ---

// CreateErrorRule validates, persists and reloads the rule table.
func (as *AdminService) CreateErrorRule(ctx context.Context, r *relay.ErrorRule) error {
	if err := errorrule.ValidateRule(r); err != nil {
		return err
	}
	if err := as.store.CreateErrorRule(ctx, r); err != nil {
		return err
	}
	return as.reloadRules(ctx)
}

// UpdateErrorRule validates, persists and reloads the rule table.
func (as *AdminService) UpdateErrorRule(ctx context.Context, r *relay.ErrorRule) error {
	if err := errorrule.ValidateRule(r); err != nil {
		return err
	}
	if err := as.store.UpdateErrorRule(ctx, r); err != nil {
		return err
	}
	return as.reloadRules(ctx)
}

// DeleteErrorRule removes a rule and reloads the table.
func (as *AdminService) DeleteErrorRule(ctx context.Context, id int64) error {
	if err := as.store.DeleteErrorRule(ctx, id); err != nil {
		return err
	}
	return as.reloadRules(ctx)
}

// ListErrorRules returns all rules in evaluation order.
func (as *AdminService) ListErrorRules(ctx context.Context) ([]*relay.ErrorRule, error) {
	return as.store.ListErrorRules(ctx)
}

func (as *AdminService) reloadRules(ctx context.Context) error {
	rules, err := as.store.ListErrorRules(ctx)
	if err != nil {
		return err
	}
	out := make([]relay.ErrorRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, *r)
	}
	return as.rules.Reload(out)
}

// --- Request filters ---

// CreateRequestFilter validates, persists and reloads the filter engine.
func (as *AdminService) CreateRequestFilter(ctx context.Context, f *relay.RequestFilter) error {
	if err := reqfilter.ValidateFilter(f); err != nil {
		return err
	}
	if err := as.store.CreateRequestFilter(ctx, f); err != nil {
		return err
	}
	return as.reloadFilters(ctx)
}

// UpdateRequestFilter validates, persists and reloads the filter engine.
func (as *AdminService) UpdateRequestFilter(ctx context.Context, f *relay.RequestFilter) error {
	if err := reqfilter.ValidateFilter(f); err != nil {
		return err
	}
	if err := as.store.UpdateRequestFilter(ctx, f); err != nil {
		return err
	}
	return as.reloadFilters(ctx)
}

// DeleteRequestFilter removes a filter and reloads the engine.
func (as *AdminService) DeleteRequestFilter(ctx context.Context, id int64) error {
	if err := as.store.DeleteRequestFilter(ctx, id); err != nil {
		return err
	}
	return as.reloadFilters(ctx)
}

// ListRequestFilters returns all filters in evaluation order.
func (as *AdminService) ListRequestFilters(ctx context.Context) ([]*relay.RequestFilter, error) {
	return as.store.ListRequestFilters(ctx)
}

func (as *AdminService) reloadFilters(ctx context.Context) error {
	filters, err := as.store.ListRequestFilters(ctx)
	if err != nil {
		return err
	}
	out := make([]relay.RequestFilter, 0, len(filters))
	for _, f := range filters {
		out = append(out, *f)
	}
	as.filters.Reload(out)
	return nil
}

// --- Prices ---

// ImportPrices ingests a price document and drops the lookup cache so
// new rows take effect immediately.
func (as *AdminService) ImportPrices(ctx context.Context, doc []byte) (int, error) {
	n, err := ImportPrices(ctx, as.store, doc)
	if err != nil {
		return n, err
	}
	if n > 0 {
		as.prices.Invalidate()
	}
	return n, nil
}

// --- Accounting ---

// ListRequests pages through a user's accounting rows, newest first.
func (as *AdminService) ListRequests(ctx context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error) {
	return as.store.ListRequests(ctx, userID, offset, limit)
}

// --- Validation helpers ---

// checkPolicyCeiling enforces that no explicit key limit exceeds the
// owner's explicit limit for the same field. A nil user field means
// unlimited and accepts anything.
func checkPolicyCeiling(key, user relay.Policy) error {
	checks := []struct {
		name string
		k, u *float64
	}{
		{"limit_5h_usd", key.Limit5hUSD, user.Limit5hUSD},
		{"limit_daily_usd", key.LimitDailyUSD, user.LimitDailyUSD},
		{"limit_weekly_usd", key.LimitWeeklyUSD, user.LimitWeeklyUSD},
		{"limit_monthly_usd", key.LimitMonthlyUSD, user.LimitMonthlyUSD},
		{"limit_total_usd", key.LimitTotalUSD, user.LimitTotalUSD},
	}
	for _, c := range checks {
		if c.k != nil && c.u != nil && *c.k > *c.u {
			return fmt.Errorf("%s %.4f above user limit %.4f: %w", c.name, *c.k, *c.u, relay.ErrPolicyExceeds)
		}
	}
	if k, u := key.LimitConcurrentSessions, user.LimitConcurrentSessions; k != nil && u != nil && *k > *u {
		return fmt.Errorf("limit_concurrent_sessions %d above user limit %d: %w", *k, *u, relay.ErrPolicyExceeds)
	}
	if key.RPM != nil {
		return fmt.Errorf("rpm is a user-level limit: %w", relay.ErrBadRequest)
	}
	return validatePolicy(key)
}

// checkGroupSubset enforces that a key's provider-group allow-list stays
// within the owner's. An owner without a list is unrestricted.
func checkGroupSubset(key, user []string) error {
	if len(user) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(user))
	for _, g := range user {
		allowed[g] = struct{}{}
	}
	for _, g := range key {
		if _, ok := allowed[g]; !ok {
			return fmt.Errorf("provider group %q not in the owner's allow-list: %w", g, relay.ErrPolicyExceeds)
		}
	}
	return nil
}

// validatePolicy rejects negative limits and malformed reset times.
func validatePolicy(p relay.Policy) error {
	for name, v := range map[string]*float64{
		"limit_5h_usd":      p.Limit5hUSD,
		"limit_daily_usd":   p.LimitDailyUSD,
		"limit_weekly_usd":  p.LimitWeeklyUSD,
		"limit_monthly_usd": p.LimitMonthlyUSD,
		"limit_total_usd":   p.LimitTotalUSD,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative: %w", name, relay.ErrBadRequest)
		}
	}
	if p.RPM != nil && *p.RPM < 0 {
		return fmt.Errorf("rpm must not be negative: %w", relay.ErrBadRequest)
	}
	if p.LimitConcurrentSessions != nil && *p.LimitConcurrentSessions < 0 {
		return fmt.Errorf("limit_concurrent_sessions must not be negative: %w", relay.ErrBadRequest)
	}
	switch p.DailyResetMode {
	case "", relay.DailyResetRolling:
	case relay.DailyResetFixed:
		if _, err := time.Parse("15:04", p.DailyResetTime); err != nil {
			return fmt.Errorf("daily_reset_time %q is not HH:MM: %w", p.DailyResetTime, relay.ErrBadRequest)
		}
	default:
		return fmt.Errorf("unknown daily_reset_mode %q: %w", p.DailyResetMode, relay.ErrBadRequest)
	}
	return nil
}

func validateProvider(p *relay.Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is required: %w", relay.ErrBadRequest)
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return fmt.Errorf("provider url %q must be http(s): %w", p.URL, relay.ErrBadRequest)
	}
	switch p.Type {
	case relay.ProviderClaude, relay.ProviderClaudeAuth, relay.ProviderCodex,
		relay.ProviderOpenAI, relay.ProviderGemini, relay.ProviderGeminiCLI:
	default:
		return fmt.Errorf("unknown provider type %q: %w", p.Type, relay.ErrBadRequest)
	}
	return nil
}

func fillBreakerDefaults(b *relay.BreakerConfig) {
	def := relay.DefaultBreakerConfig()
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.OpenDuration <= 0 {
		b.OpenDuration = def.OpenDuration
	}
	if b.HalfOpenSuccessThreshold <= 0 {
		b.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
}
