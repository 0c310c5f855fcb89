package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/redisstate"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/testutil"
	"github.com/llmrelay/llmrelay/internal/timewin"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func newAdmin(t *testing.T) (*AdminService, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	a, err := auth.New(store, store)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	state, err := redisstate.New("", timewin.New("UTC"))
	if err != nil {
		t.Fatalf("redisstate.New: %v", err)
	}
	prices, err := NewPriceCache(store)
	if err != nil {
		t.Fatalf("NewPriceCache: %v", err)
	}
	as := NewAdminService(store, a, circuitbreaker.NewRegistry(state),
		errorrule.NewTable(), reqfilter.NewEngine(), prices)
	return as, store
}

func TestCreateUserDefaults(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)

	u, err := as.CreateUser(context.Background(), CreateUserOpts{Name: "alice"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" || u.Role != relay.RoleUser || !u.Enabled {
		t.Errorf("user = %+v", u)
	}
}

func TestCreateUserValidation(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	tests := []struct {
		name string
		opts CreateUserOpts
	}{
		{"empty name", CreateUserOpts{Name: "  "}},
		{"unknown role", CreateUserOpts{Name: "bob", Role: "superadmin"}},
		{"negative limit", CreateUserOpts{Name: "bob", Policy: relay.Policy{LimitDailyUSD: f64(-1)}}},
		{"negative rpm", CreateUserOpts{Name: "bob", Policy: relay.Policy{RPM: i64(-5)}}},
		{"fixed reset without time", CreateUserOpts{Name: "bob", Policy: relay.Policy{
			LimitDailyUSD: f64(1), DailyResetMode: relay.DailyResetFixed, DailyResetTime: "25:99",
		}}},
		{"unknown reset mode", CreateUserOpts{Name: "bob", Policy: relay.Policy{DailyResetMode: "hourly"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := as.CreateUser(context.Background(), tt.opts); !errors.Is(err, relay.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	t.Parallel()
	as, store := newAdmin(t)
	ctx := context.Background()

	u, err := as.CreateUser(ctx, CreateUserOpts{Name: "alice"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	ck, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "default"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !strings.HasPrefix(ck.Plaintext, ck.Key.KeyPrefix) {
		t.Errorf("prefix %q does not match plaintext", ck.Key.KeyPrefix)
	}
	if ck.Key.KeyHash == ck.Plaintext {
		t.Errorf("plaintext stored as hash")
	}
	if ck.Key.CacheTTL != relay.CacheTTLInherit {
		t.Errorf("cache ttl = %q", ck.Key.CacheTTL)
	}
	if _, err := store.GetKeyByHash(ctx, relay.HashKey(ck.Plaintext)); err != nil {
		t.Errorf("stored key not found by hash: %v", err)
	}
}

func TestCreateKeyProviderGroupSubset(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, err := as.CreateUser(ctx, CreateUserOpts{
		Name:           "alice",
		ProviderGroups: []string{"main", "backup"},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err = as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "outside",
		ProviderGroups: []string{"main", "premium"},
	})
	if !errors.Is(err, relay.ErrPolicyExceeds) {
		t.Errorf("group outside allow-list: err = %v, want ErrPolicyExceeds", err)
	}

	created, err := as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "within",
		ProviderGroups: []string{"main"},
	})
	if err != nil {
		t.Fatalf("CreateKey within allow-list: %v", err)
	}

	// Updates re-check the subset relation.
	k := created.Key
	k.ProviderGroups = []string{"premium"}
	if err := as.UpdateKey(ctx, k); !errors.Is(err, relay.ErrPolicyExceeds) {
		t.Errorf("update outside allow-list: err = %v, want ErrPolicyExceeds", err)
	}

	// An owner without a list is unrestricted.
	open, err := as.CreateUser(ctx, CreateUserOpts{Name: "bob"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := as.CreateKey(ctx, CreateKeyOpts{
		UserID: open.ID, Name: "any",
		ProviderGroups: []string{"premium"},
	}); err != nil {
		t.Fatalf("CreateKey for unrestricted owner: %v", err)
	}
}

func TestCreateKeyPolicyCeiling(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, err := as.CreateUser(ctx, CreateUserOpts{
		Name:   "alice",
		Policy: relay.Policy{LimitDailyUSD: f64(10), LimitConcurrentSessions: i64(4)},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err = as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "too-big",
		Policy: relay.Policy{LimitDailyUSD: f64(20)},
	})
	if !errors.Is(err, relay.ErrPolicyExceeds) {
		t.Errorf("daily above ceiling: err = %v, want ErrPolicyExceeds", err)
	}

	_, err = as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "too-many",
		Policy: relay.Policy{LimitConcurrentSessions: i64(8)},
	})
	if !errors.Is(err, relay.ErrPolicyExceeds) {
		t.Errorf("sessions above ceiling: err = %v, want ErrPolicyExceeds", err)
	}

	// RPM only lives on users.
	_, err = as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "rpm",
		Policy: relay.Policy{RPM: i64(30)},
	})
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Errorf("rpm on key: err = %v, want ErrBadRequest", err)
	}

	// Within the ceiling, and an unlimited field on the user accepts any
	// explicit key limit.
	if _, err := as.CreateKey(ctx, CreateKeyOpts{
		UserID: u.ID, Name: "ok",
		Policy: relay.Policy{LimitDailyUSD: f64(5), LimitWeeklyUSD: f64(1000)},
	}); err != nil {
		t.Fatalf("CreateKey within ceiling: %v", err)
	}
}

func TestCreateKeyForDeletedUser(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, _ := as.CreateUser(ctx, CreateUserOpts{Name: "alice"})
	if _, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "k"}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := as.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "k2"}); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteKeyKeepsLastKey(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, _ := as.CreateUser(ctx, CreateUserOpts{Name: "alice"})
	first, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "first"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if err := as.DeleteKey(ctx, first.Key.ID); !errors.Is(err, relay.ErrLastKey) {
		t.Fatalf("deleting the only key: err = %v, want ErrLastKey", err)
	}

	second, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "second"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := as.DeleteKey(ctx, first.Key.ID); err != nil {
		t.Fatalf("DeleteKey with a spare: %v", err)
	}

	keys, _ := as.ListKeys(ctx, u.ID)
	if len(keys) != 1 || keys[0].ID != second.Key.ID {
		t.Errorf("keys = %+v", keys)
	}
}

func TestCreateProviderValidation(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	tests := []struct {
		name string
		p    relay.Provider
	}{
		{"empty name", relay.Provider{URL: "https://x", Type: relay.ProviderClaude}},
		{"bad url", relay.Provider{Name: "p", URL: "ftp://x", Type: relay.ProviderClaude}},
		{"unknown type", relay.Provider{Name: "p", URL: "https://x", Type: "grok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := tt.p
			if _, err := as.CreateProvider(context.Background(), &p); !errors.Is(err, relay.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestCreateProviderFillsBreakerDefaults(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)

	p, err := as.CreateProvider(context.Background(), &relay.Provider{
		Name: "anthropic", URL: "https://api.anthropic.com",
		Type: relay.ProviderClaude, Enabled: true,
		Breaker: relay.BreakerConfig{FailureThreshold: 9},
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	def := relay.DefaultBreakerConfig()
	if p.Breaker.FailureThreshold != 9 {
		t.Errorf("explicit threshold overwritten: %+v", p.Breaker)
	}
	if p.Breaker.OpenDuration != def.OpenDuration || p.Breaker.HalfOpenSuccessThreshold != def.HalfOpenSuccessThreshold {
		t.Errorf("defaults not filled: %+v", p.Breaker)
	}
	if p.ID == "" {
		t.Errorf("provider id not assigned")
	}
}

func TestErrorRuleLifecycleReloadsTable(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	bad := &relay.ErrorRule{Pattern: "([", MatchType: relay.MatchRegex, Category: "x", Enabled: true}
	if err := as.CreateErrorRule(ctx, bad); !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("invalid regex accepted: %v", err)
	}

	r := &relay.ErrorRule{
		Pattern: "insufficient quota", MatchType: relay.MatchContains,
		Category: "quota", OverrideStatus: 429, Enabled: true, Priority: 1,
	}
	if err := as.CreateErrorRule(ctx, r); err != nil {
		t.Fatalf("CreateErrorRule: %v", err)
	}
	if m := as.rules.Match("upstream said: insufficient quota left"); m == nil || m.OverrideStatus != 429 {
		t.Fatalf("rule not live after create: %v", m)
	}

	if err := as.DeleteErrorRule(ctx, r.ID); err != nil {
		t.Fatalf("DeleteErrorRule: %v", err)
	}
	if m := as.rules.Match("insufficient quota"); m != nil {
		t.Errorf("rule still live after delete: %+v", m)
	}
}

func TestRequestFilterLifecycleReloadsEngine(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	bad := &relay.RequestFilter{Scope: "query", Action: relay.ActionRemove, Target: "x"}
	if err := as.CreateRequestFilter(ctx, bad); !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("invalid scope accepted: %v", err)
	}

	f := &relay.RequestFilter{
		Scope: relay.ScopeBody, Action: relay.ActionJSONPath,
		Target: "metadata.user_id", Replacement: []byte(`"redacted"`),
		Enabled: true,
	}
	if err := as.CreateRequestFilter(ctx, f); err != nil {
		t.Fatalf("CreateRequestFilter: %v", err)
	}

	out := as.filters.Apply(nil, []byte(`{"metadata":{"user_id":"alice"}}`))
	if !strings.Contains(string(out), `"redacted"`) {
		t.Fatalf("filter not live after create: %s", out)
	}

	if err := as.DeleteRequestFilter(ctx, f.ID); err != nil {
		t.Fatalf("DeleteRequestFilter: %v", err)
	}
	out = as.filters.Apply(nil, []byte(`{"metadata":{"user_id":"alice"}}`))
	if strings.Contains(string(out), `"redacted"`) {
		t.Errorf("filter still live after delete")
	}
}

func TestImportPricesIdempotent(t *testing.T) {
	t.Parallel()
	as, store := newAdmin(t)
	ctx := context.Background()

	doc := []byte(`{
		"claude-sonnet-4": {"mode":"chat","input_cost_per_token":3e-06,"output_cost_per_token":1.5e-05},
		"gpt-4o": {"mode":"chat","input_cost_per_token":5e-06,"output_cost_per_token":2e-05}
	}`)
	n, err := as.ImportPrices(ctx, doc)
	if err != nil {
		t.Fatalf("ImportPrices: %v", err)
	}
	if n != 2 {
		t.Fatalf("written = %d, want 2", n)
	}

	// Re-importing the identical document writes nothing.
	n, err = as.ImportPrices(ctx, doc)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if n != 0 {
		t.Errorf("written = %d, want 0 on identical re-import", n)
	}

	// A changed entry appends a new row for that model only.
	doc2 := []byte(`{
		"claude-sonnet-4": {"mode":"chat","input_cost_per_token":2.5e-06,"output_cost_per_token":1.2e-05},
		"gpt-4o": {"mode":"chat","input_cost_per_token":5e-06,"output_cost_per_token":2e-05}
	}`)
	n, err = as.ImportPrices(ctx, doc2)
	if err != nil {
		t.Fatalf("third import: %v", err)
	}
	if n != 1 {
		t.Errorf("written = %d, want 1", n)
	}

	p, err := store.LatestPrice(ctx, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if p.InputPerToken != 2.5e-06 {
		t.Errorf("latest input rate = %v", p.InputPerToken)
	}
}

func TestUpdateKeyRechecksCeiling(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, _ := as.CreateUser(ctx, CreateUserOpts{
		Name:   "alice",
		Policy: relay.Policy{LimitMonthlyUSD: f64(100)},
	})
	ck, err := as.CreateKey(ctx, CreateKeyOpts{UserID: u.ID, Name: "k"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	k := ck.Key
	k.Policy.LimitMonthlyUSD = f64(500)
	if err := as.UpdateKey(ctx, k); !errors.Is(err, relay.ErrPolicyExceeds) {
		t.Fatalf("err = %v, want ErrPolicyExceeds", err)
	}
	k.Policy.LimitMonthlyUSD = f64(50)
	if err := as.UpdateKey(ctx, k); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
}

func TestUpdateUserValidatesExpiry(t *testing.T) {
	t.Parallel()
	as, _ := newAdmin(t)
	ctx := context.Background()

	u, _ := as.CreateUser(ctx, CreateUserOpts{Name: "alice"})
	exp := time.Now().Add(24 * time.Hour).UTC()
	u.ExpiresAt = &exp
	u.Policy.LimitDailyUSD = f64(3)
	if err := as.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	got, _ := as.GetUser(ctx, u.ID)
	if got.ExpiresAt == nil || got.Policy.LimitDailyUSD == nil || *got.Policy.LimitDailyUSD != 3 {
		t.Errorf("user = %+v", got)
	}
}
