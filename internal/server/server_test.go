package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/app"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/clientversion"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/ratelimit"
	"github.com/llmrelay/llmrelay/internal/redisstate"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/session"
	"github.com/llmrelay/llmrelay/internal/testutil"
	"github.com/llmrelay/llmrelay/internal/timewin"
	"github.com/llmrelay/llmrelay/internal/upstream"
)

type nopRecorder struct{}

func (nopRecorder) Enqueue(*relay.MessageRequest) {}

// newHandler wires the full HTTP surface over the fake store.
func newHandler(t *testing.T, adminToken string, ready ReadyChecker) (http.Handler, *testutil.FakeStore) {
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
	clock := timewin.New("UTC")
	sessions := session.NewTracker(state)
	breakers := circuitbreaker.NewRegistry(state)
	rules := errorrule.NewTable()
	filters := reqfilter.NewEngine()
	prices, err := app.NewPriceCache(store)
	if err != nil {
		t.Fatalf("NewPriceCache: %v", err)
	}

	proxy := app.NewProxyService(store, a, ratelimit.NewGuard(state, clock, sessions, true),
		sessions, clientversion.New(state, 2, false), filters,
		upstream.NewExecutor(nil, breakers, nil), nopRecorder{}, prices, clock)
	admin := app.NewAdminService(store, a, breakers, rules, filters, prices)

	return New(Deps{
		Proxy:      proxy,
		Admin:      admin,
		Rules:      rules,
		AdminToken: adminToken,
		ReadyCheck: ready,
	}), store
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz without checker = %d", w.Code)
	}

	h, _ = newHandler(t, "", func(context.Context) error { return errors.New("redis down") })
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "not ready" {
		t.Fatalf("readyz with failing checker = %d %q", w.Code, w.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Errorf("request id not minted")
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/healthz", nil)
	r.Header.Set("X-Request-Id", "req-caller-1")
	h.ServeHTTP(w, r)
	if w.Header().Get("X-Request-Id") != "req-caller-1" {
		t.Errorf("caller request id not echoed: %q", w.Header().Get("X-Request-Id"))
	}
}

func TestRelayUnauthorizedEnvelope(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.type").String(); got != "authentication_error" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "secret-token", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/admin/v1/users", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/admin/v1/users", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/admin/v1/users", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "", nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/admin/v1/users", nil)
	r.Header.Set("Authorization", "Bearer anything")
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with the admin API unmounted", w.Code)
	}
}

func TestAdminUserKeyFlow(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "secret-token", nil)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		var r *http.Request
		if body != "" {
			r = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			r = httptest.NewRequest(method, path, nil)
		}
		r.Header.Set("Authorization", "Bearer secret-token")
		h.ServeHTTP(w, r)
		return w
	}

	w := do("POST", "/admin/v1/users", `{"name":"alice","policy":{"limit_daily_usd":10}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user = %d %s", w.Code, w.Body.String())
	}
	userID := gjson.Get(w.Body.String(), "id").String()
	if userID == "" {
		t.Fatalf("no user id in %s", w.Body.String())
	}

	w = do("POST", "/admin/v1/keys", `{"user_id":"`+userID+`","name":"default"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create key = %d %s", w.Code, w.Body.String())
	}
	body := gjson.Parse(w.Body.String())
	keyID := body.Get("key.id").String()
	if keyID == "" || body.Get("plaintext").String() == "" {
		t.Fatalf("key response = %s", w.Body.String())
	}

	w = do("GET", "/admin/v1/users/"+userID+"/keys", "")
	if w.Code != http.StatusOK || gjson.Get(w.Body.String(), "data.#").Int() != 1 {
		t.Fatalf("list keys = %d %s", w.Code, w.Body.String())
	}

	// The only key of a user cannot be deleted.
	w = do("DELETE", "/admin/v1/keys/"+keyID, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("delete last key = %d %s", w.Code, w.Body.String())
	}

	w = do("DELETE", "/admin/v1/users/"+userID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete user = %d", w.Code)
	}
	w = do("GET", "/admin/v1/users/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get missing user = %d", w.Code)
	}
}

func TestAdminProviderFlow(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, "secret-token", nil)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Authorization", "Bearer secret-token")
		h.ServeHTTP(w, r)
		return w
	}

	w := do("POST", "/admin/v1/providers", `{
		"name":"anthropic","provider_type":"claude","url":"https://api.anthropic.com",
		"credential":"sk-ant-x","is_enabled":true,"priority":1
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create provider = %d %s", w.Code, w.Body.String())
	}
	id := gjson.Get(w.Body.String(), "id").String()

	w = do("GET", "/admin/v1/providers/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get provider = %d", w.Code)
	}
	// The credential never leaves the admin API.
	if strings.Contains(w.Body.String(), "sk-ant-x") {
		t.Fatalf("credential leaked: %s", w.Body.String())
	}

	w = do("POST", "/admin/v1/providers", `{"name":"bad","provider_type":"grok","url":"https://x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid provider type = %d", w.Code)
	}
}
