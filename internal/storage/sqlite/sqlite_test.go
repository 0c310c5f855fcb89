package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestUserLifecycle(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	u := &relay.User{
		ID: "u1", Name: "alice", Role: relay.RoleAdmin, Enabled: true,
		Policy:         relay.Policy{RPM: i64(60), LimitDailyUSD: f64(5)},
		ProviderGroups: []string{"main", "backup"},
		CreatedAt:      base,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Name != "alice" || got.Role != relay.RoleAdmin || !got.Enabled {
		t.Errorf("user = %+v", got)
	}
	if got.Policy.RPM == nil || *got.Policy.RPM != 60 {
		t.Errorf("policy rpm = %v", got.Policy.RPM)
	}
	if got.Policy.LimitDailyUSD == nil || *got.Policy.LimitDailyUSD != 5 {
		t.Errorf("policy daily = %v", got.Policy.LimitDailyUSD)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
	if len(got.ProviderGroups) != 2 || got.ProviderGroups[0] != "main" {
		t.Errorf("provider groups = %v", got.ProviderGroups)
	}

	exp := base.Add(30 * 24 * time.Hour)
	got.Name = "alice2"
	got.ExpiresAt = &exp
	got.ProviderGroups = []string{"main"}
	if err := s.UpdateUser(ctx, got); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	got, _ = s.GetUser(ctx, "u1")
	if got.Name != "alice2" || got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("updated user = %+v", got)
	}
	if len(got.ProviderGroups) != 1 || got.ProviderGroups[0] != "main" {
		t.Errorf("updated provider groups = %v", got.ProviderGroups)
	}
}

func TestUserSoftDelete(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		u := &relay.User{
			ID: fmt.Sprintf("u%d", i), Name: fmt.Sprintf("user-%d", i),
			Role: relay.RoleUser, Enabled: true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser %d: %v", i, err)
		}
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	users, err := s.ListUsers(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].ID != "u2" || users[1].ID != "u0" {
		t.Fatalf("list = %+v, want [u2 u0] newest first", users)
	}

	// Accounting still resolves the deleted user by ID.
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser after delete: %v", err)
	}
	if !got.Deleted {
		t.Errorf("deleted flag not set")
	}

	if err := s.UpdateUser(ctx, got); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("UpdateUser on deleted = %v, want ErrNotFound", err)
	}
	if err := s.DeleteUser(ctx, "u1"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("second DeleteUser = %v, want ErrNotFound", err)
	}
	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("GetUser(missing) = %v, want ErrNotFound", err)
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	if err := s.CreateUser(ctx, &relay.User{ID: "u1", Name: "owner", Role: relay.RoleUser, Enabled: true, CreatedAt: base}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	k := &relay.Key{
		ID: "k1", UserID: "u1", Name: "default",
		KeyHash: "hash-1", KeyPrefix: "sk-relay-ab",
		Policy:         relay.Policy{Limit5hUSD: f64(2)},
		ProviderGroups: []string{"premium"},
		CreatedAt:      base,
	}
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := s.GetKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if got.ID != "k1" || got.UserID != "u1" || got.KeyPrefix != "sk-relay-ab" {
		t.Errorf("key = %+v", got)
	}
	// Empty preference persists as the inherit sentinel.
	if got.CacheTTL != relay.CacheTTLInherit {
		t.Errorf("cache ttl = %q", got.CacheTTL)
	}
	if len(got.ProviderGroups) != 1 || got.ProviderGroups[0] != "premium" {
		t.Errorf("groups = %v", got.ProviderGroups)
	}
	if got.Policy.Limit5hUSD == nil || *got.Policy.Limit5hUSD != 2 {
		t.Errorf("policy = %+v", got.Policy)
	}

	got.Name = "renamed"
	got.CacheTTL = relay.CacheTTL1h
	got.CanLoginWebUI = true
	if err := s.UpdateKey(ctx, got); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	got, _ = s.GetKey(ctx, "k1")
	if got.Name != "renamed" || got.CacheTTL != relay.CacheTTL1h || !got.CanLoginWebUI {
		t.Errorf("updated key = %+v", got)
	}
}

func TestKeyDeleteHidesHashLookup(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	s.CreateUser(ctx, &relay.User{ID: "u1", Name: "owner", Role: relay.RoleUser, Enabled: true, CreatedAt: base})
	for i := 0; i < 2; i++ {
		k := &relay.Key{
			ID: fmt.Sprintf("k%d", i), UserID: "u1", Name: fmt.Sprintf("key-%d", i),
			KeyHash: fmt.Sprintf("hash-%d", i), KeyPrefix: "sk-relay-ab",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateKey(ctx, k); err != nil {
			t.Fatalf("CreateKey %d: %v", i, err)
		}
	}

	if n, _ := s.CountActiveKeys(ctx, "u1"); n != 2 {
		t.Fatalf("active keys = %d, want 2", n)
	}
	if err := s.DeleteKey(ctx, "k0"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if n, _ := s.CountActiveKeys(ctx, "u1"); n != 1 {
		t.Errorf("active keys after delete = %d, want 1", n)
	}

	if _, err := s.GetKeyByHash(ctx, "hash-0"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("GetKeyByHash on deleted = %v, want ErrNotFound", err)
	}
	// The direct lookup still resolves for accounting.
	got, err := s.GetKey(ctx, "k0")
	if err != nil {
		t.Fatalf("GetKey after delete: %v", err)
	}
	if !got.Deleted {
		t.Errorf("deleted flag not set")
	}

	keys, err := s.ListKeys(ctx, "u1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "k1" {
		t.Errorf("keys = %+v", keys)
	}
	if err := s.UpdateKey(ctx, got); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("UpdateKey on deleted = %v, want ErrNotFound", err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	p := &relay.Provider{
		ID: "p1", Name: "anthropic-main", Type: relay.ProviderClaude,
		URL: "https://api.anthropic.com", Credential: "sk-ant-x",
		Enabled: true, Priority: 1, Weight: 3, Group: "premium",
		ModelRedirects: map[string]string{"claude-sonnet-4": "claude-sonnet-4-5"},
		AllowedModels:  []string{"claude-sonnet-4", "claude-sonnet-4-5"},
		ProxyURL:       "socks5://127.0.0.1:1080", ProxyFallbackToDirect: true,
		Breaker: relay.BreakerConfig{
			FailureThreshold:         5,
			OpenDuration:             90 * time.Second,
			HalfOpenSuccessThreshold: 2,
		},
		BalanceUSD: f64(120.5),
		CreatedAt:  base,
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	got, err := s.GetProvider(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Type != relay.ProviderClaude || got.URL != p.URL || got.Credential != "sk-ant-x" {
		t.Errorf("provider = %+v", got)
	}
	if got.ModelRedirects["claude-sonnet-4"] != "claude-sonnet-4-5" {
		t.Errorf("redirects = %v", got.ModelRedirects)
	}
	if len(got.AllowedModels) != 2 {
		t.Errorf("allowed models = %v", got.AllowedModels)
	}
	if got.Breaker.OpenDuration != 90*time.Second || got.Breaker.FailureThreshold != 5 {
		t.Errorf("breaker = %+v", got.Breaker)
	}
	if got.BalanceUSD == nil || *got.BalanceUSD != 120.5 {
		t.Errorf("balance = %v", got.BalanceUSD)
	}
	if !got.ProxyFallbackToDirect {
		t.Errorf("proxy fallback lost")
	}

	got.Priority = 9
	got.Enabled = false
	if err := s.UpdateProvider(ctx, got); err != nil {
		t.Fatalf("UpdateProvider: %v", err)
	}
	got, _ = s.GetProvider(ctx, "p1")
	if got.Priority != 9 || got.Enabled {
		t.Errorf("updated provider = %+v", got)
	}
}

func TestProviderListAndSoftDelete(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	for i, prio := range []int{2, 0, 1} {
		p := &relay.Provider{
			ID: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("provider-%d", i),
			Type: relay.ProviderOpenAI, URL: "https://example.com",
			Enabled: true, Priority: prio,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateProvider(ctx, p); err != nil {
			t.Fatalf("CreateProvider %d: %v", i, err)
		}
	}

	list, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	want := []string{"p1", "p2", "p0"}
	for i, p := range list {
		if p.ID != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, p.ID, want[i])
		}
	}

	if err := s.DeleteProvider(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProvider: %v", err)
	}
	list, _ = s.ListProviders(ctx)
	if len(list) != 2 {
		t.Errorf("list after delete = %d providers", len(list))
	}
	// Historical chain entries still resolve the provider, disabled.
	got, err := s.GetProvider(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProvider after delete: %v", err)
	}
	if !got.Deleted || got.Enabled {
		t.Errorf("deleted provider = %+v", got)
	}
	if err := s.DeleteProvider(ctx, "p1"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPriceHistory(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	rows := []*relay.ModelPrice{
		{ID: "pr1", ModelName: "claude-sonnet-4", Mode: "chat", InputPerToken: 3e-6, OutputPerToken: 15e-6, CreatedAt: base},
		{ID: "pr2", ModelName: "claude-sonnet-4", Mode: "chat", InputPerToken: 2.5e-6, OutputPerToken: 12e-6,
			Cache5mPerToken: f64(3.75e-6), CacheReadPerToken: f64(0.3e-6), CreatedAt: base.Add(time.Hour)},
		{ID: "pr3", ModelName: "gpt-4o", Mode: "chat", InputPerToken: 5e-6, OutputPerToken: 20e-6, CreatedAt: base},
	}
	for _, p := range rows {
		if err := s.InsertPrice(ctx, p); err != nil {
			t.Fatalf("InsertPrice %s: %v", p.ID, err)
		}
	}

	got, err := s.LatestPrice(ctx, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if got.ID != "pr2" || got.InputPerToken != 2.5e-6 {
		t.Errorf("latest = %+v, want pr2", got)
	}
	if got.Cache5mPerToken == nil || *got.Cache5mPerToken != 3.75e-6 {
		t.Errorf("cache 5m = %v", got.Cache5mPerToken)
	}
	if got.Cache1hPerToken != nil {
		t.Errorf("cache 1h = %v, want nil", got.Cache1hPerToken)
	}

	all, err := s.LatestPrices(ctx)
	if err != nil {
		t.Fatalf("LatestPrices: %v", err)
	}
	if len(all) != 2 || all["claude-sonnet-4"].ID != "pr2" || all["gpt-4o"].ID != "pr3" {
		t.Errorf("latest prices = %+v", all)
	}

	if _, err := s.LatestPrice(ctx, "unknown-model"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("LatestPrice(unknown) = %v, want ErrNotFound", err)
	}
}

func TestPriceTieBreaksOnID(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	// Same created_at: the higher row ID wins, matching import order.
	for _, id := range []string{"pr-a", "pr-b"} {
		p := &relay.ModelPrice{ID: id, ModelName: "m", Mode: "chat", InputPerToken: 1e-6, OutputPerToken: 2e-6, CreatedAt: at}
		if err := s.InsertPrice(ctx, p); err != nil {
			t.Fatalf("InsertPrice: %v", err)
		}
	}
	got, err := s.LatestPrice(ctx, "m")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if got.ID != "pr-b" {
		t.Errorf("latest = %s, want pr-b", got.ID)
	}
}

func TestRequestBatchAndList(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	batch := []*relay.MessageRequest{
		{
			ID: "r1", UserID: "u1", KeyID: "k1", ProviderID: "p1",
			Model: "gpt-4o", OriginalModel: "claude-sonnet-4",
			Status: 200, DurationMs: 812,
			Usage:   relay.Usage{InputTokens: 120, OutputTokens: 40, CacheReadTokens: 64},
			CostUSD: "0.001234", SessionID: "s1",
			ProviderChain: []relay.ChainEntry{
				{ProviderID: "p1", ProviderName: "main", ProviderType: relay.ProviderOpenAI, AttemptIndex: 0, StatusCode: 200},
			},
			CreatedAt: base,
		},
		{
			ID: "r2", UserID: "u1", KeyID: "k1",
			Model: "gpt-4o", OriginalModel: "gpt-4o",
			Status: 502, DurationMs: 95, CostUSD: "0",
			SessionID: "s1", ErrorMessage: "bad gateway",
			CreatedAt: base.Add(time.Minute),
		},
		{
			ID: "r3", UserID: "u2", KeyID: "k2",
			Model: "gpt-4o", OriginalModel: "gpt-4o",
			Status: 200, DurationMs: 300, CostUSD: "0.0002",
			SessionID: "s2", CreatedAt: base.Add(2 * time.Minute),
		},
	}
	if err := s.InsertRequests(ctx, batch); err != nil {
		t.Fatalf("InsertRequests: %v", err)
	}
	if err := s.InsertRequests(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	got, err := s.ListRequests(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r2" || got[1].ID != "r1" {
		t.Fatalf("requests = %+v, want [r2 r1] newest first", got)
	}
	r := got[1]
	if r.Usage.InputTokens != 120 || r.Usage.CacheReadTokens != 64 {
		t.Errorf("usage = %+v", r.Usage)
	}
	if r.CostUSD != "0.001234" || r.ProviderID != "p1" {
		t.Errorf("row = %+v", r)
	}
	if len(r.ProviderChain) != 1 || r.ProviderChain[0].StatusCode != 200 {
		t.Errorf("chain = %+v", r.ProviderChain)
	}
	if got[0].ErrorMessage != "bad gateway" || got[0].ProviderID != "" {
		t.Errorf("failed row = %+v", got[0])
	}

	page, err := s.ListRequests(ctx, "u1", 1, 1)
	if err != nil {
		t.Fatalf("ListRequests page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "r1" {
		t.Errorf("page = %+v, want [r1]", page)
	}
}

func TestErrorRuleCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	first := &relay.ErrorRule{
		Pattern: "insufficient.quota", MatchType: relay.MatchRegex,
		Category: "quota", OverrideStatus: 429,
		OverrideBody: []byte(`{"error":{"type":"rate_limit_error","message":"quota exhausted"}}`),
		Enabled:      true, Priority: 10,
	}
	second := &relay.ErrorRule{
		Pattern: "overloaded", MatchType: relay.MatchContains,
		Category: "upstream", Enabled: true, Default: true, Priority: 5,
	}
	if err := s.CreateErrorRule(ctx, first); err != nil {
		t.Fatalf("CreateErrorRule: %v", err)
	}
	if err := s.CreateErrorRule(ctx, second); err != nil {
		t.Fatalf("CreateErrorRule: %v", err)
	}
	if first.ID == 0 || second.ID == 0 {
		t.Fatalf("IDs not backfilled: %d, %d", first.ID, second.ID)
	}

	rules, err := s.ListErrorRules(ctx)
	if err != nil {
		t.Fatalf("ListErrorRules: %v", err)
	}
	if len(rules) != 2 || rules[0].Priority != 5 || rules[1].Priority != 10 {
		t.Fatalf("rules = %+v, want priority order", rules)
	}
	if rules[1].OverrideStatus != 429 || len(rules[1].OverrideBody) == 0 {
		t.Errorf("override lost: %+v", rules[1])
	}
	if len(rules[0].OverrideBody) != 0 {
		t.Errorf("unexpected body on default rule")
	}
	if !rules[0].Default {
		t.Errorf("default flag lost")
	}

	first.Enabled = false
	first.Priority = 1
	if err := s.UpdateErrorRule(ctx, first); err != nil {
		t.Fatalf("UpdateErrorRule: %v", err)
	}
	rules, _ = s.ListErrorRules(ctx)
	if rules[0].ID != first.ID || rules[0].Enabled {
		t.Errorf("update not applied: %+v", rules[0])
	}

	if err := s.DeleteErrorRule(ctx, second.ID); err != nil {
		t.Fatalf("DeleteErrorRule: %v", err)
	}
	if err := s.DeleteErrorRule(ctx, second.ID); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	first.ID = 9999
	if err := s.UpdateErrorRule(ctx, first); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestRequestFilterCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	header := &relay.RequestFilter{
		Scope: relay.ScopeHeader, Action: relay.ActionRemove,
		Target: "X-Forwarded-For", Priority: 20, Enabled: true,
	}
	body := &relay.RequestFilter{
		Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
		Target: "metadata.user_id", Replacement: []byte(`"redacted"`),
		Priority: 10, Enabled: true,
	}
	if err := s.CreateRequestFilter(ctx, header); err != nil {
		t.Fatalf("CreateRequestFilter: %v", err)
	}
	if err := s.CreateRequestFilter(ctx, body); err != nil {
		t.Fatalf("CreateRequestFilter: %v", err)
	}
	if header.ID == 0 || body.ID == 0 {
		t.Fatalf("IDs not backfilled")
	}

	filters, err := s.ListRequestFilters(ctx)
	if err != nil {
		t.Fatalf("ListRequestFilters: %v", err)
	}
	if len(filters) != 2 || filters[0].ID != body.ID || filters[1].ID != header.ID {
		t.Fatalf("filters = %+v, want priority order", filters)
	}
	if string(filters[0].Replacement) != `"redacted"` {
		t.Errorf("replacement = %s", filters[0].Replacement)
	}
	if filters[1].Replacement != nil {
		t.Errorf("unexpected replacement on header filter")
	}

	header.Action = relay.ActionSet
	header.Replacement = []byte(`"10.0.0.1"`)
	if err := s.UpdateRequestFilter(ctx, header); err != nil {
		t.Fatalf("UpdateRequestFilter: %v", err)
	}
	filters, _ = s.ListRequestFilters(ctx)
	if filters[1].Action != relay.ActionSet || string(filters[1].Replacement) != `"10.0.0.1"` {
		t.Errorf("update not applied: %+v", filters[1])
	}

	if err := s.DeleteRequestFilter(ctx, body.ID); err != nil {
		t.Fatalf("DeleteRequestFilter: %v", err)
	}
	if err := s.DeleteRequestFilter(ctx, body.ID); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
