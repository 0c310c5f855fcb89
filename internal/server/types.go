package server

import (
	"net/http"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/app"
)

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid expires_at format, use RFC3339", "invalid_request_error")
		return nil, false
	}
	return &t, true
}

func appCreateUserOpts(name string, role relay.Role, expiresAt *time.Time, policy relay.Policy, groups []string) app.CreateUserOpts {
	return app.CreateUserOpts{
		Name:           name,
		Role:           role,
		ExpiresAt:      expiresAt,
		Policy:         policy,
		ProviderGroups: groups,
	}
}

// createKeyRequest is the admin payload for minting a key.
type createKeyRequest struct {
	UserID         string                   `json:"user_id"`
	Name           string                   `json:"name"`
	Policy         relay.Policy             `json:"policy"`
	ProviderGroups []string                 `json:"provider_groups"`
	CacheTTL       relay.CacheTTLPreference `json:"cache_ttl_preference"`
	CanLoginWebUI  bool                     `json:"can_login_web_ui"`
}

func (req createKeyRequest) toOpts() app.CreateKeyOpts {
	return app.CreateKeyOpts{
		UserID:         req.UserID,
		Name:           req.Name,
		Policy:         req.Policy,
		ProviderGroups: req.ProviderGroups,
		CacheTTL:       req.CacheTTL,
		CanLoginWebUI:  req.CanLoginWebUI,
	}
}

// providerRequest is the admin payload for a provider. The breaker open
// duration is carried in milliseconds on the wire.
type providerRequest struct {
	Name                  string             `json:"name"`
	Type                  relay.ProviderType `json:"provider_type"`
	URL                   string             `json:"url"`
	Credential            string             `json:"credential"`
	Enabled               bool               `json:"is_enabled"`
	Priority              int                `json:"priority"`
	Weight                int                `json:"weight"`
	Group                 string             `json:"provider_group"`
	ModelRedirects        map[string]string  `json:"model_redirects"`
	AllowedModels         []string           `json:"allowed_models"`
	ProxyURL              string             `json:"proxy_url"`
	ProxyFallbackToDirect bool               `json:"proxy_fallback_to_direct"`
	BalanceUSD            *float64           `json:"balance_usd"`
	AllowGlobalUsageView  bool               `json:"allow_global_usage_view"`
	Breaker               struct {
		FailureThreshold         int   `json:"failure_threshold"`
		OpenDurationMs           int64 `json:"open_duration_ms"`
		HalfOpenSuccessThreshold int   `json:"half_open_success_threshold"`
	} `json:"circuit_breaker"`
}

func (req providerRequest) toProvider() *relay.Provider {
	return &relay.Provider{
		Name:                  req.Name,
		Type:                  req.Type,
		URL:                   req.URL,
		Credential:            req.Credential,
		Enabled:               req.Enabled,
		Priority:              req.Priority,
		Weight:                req.Weight,
		Group:                 req.Group,
		ModelRedirects:        req.ModelRedirects,
		AllowedModels:         req.AllowedModels,
		ProxyURL:              req.ProxyURL,
		ProxyFallbackToDirect: req.ProxyFallbackToDirect,
		BalanceUSD:            req.BalanceUSD,
		AllowGlobalUsageView:  req.AllowGlobalUsageView,
		Breaker: relay.BreakerConfig{
			FailureThreshold:         req.Breaker.FailureThreshold,
			OpenDuration:             time.Duration(req.Breaker.OpenDurationMs) * time.Millisecond,
			HalfOpenSuccessThreshold: req.Breaker.HalfOpenSuccessThreshold,
		},
	}
}
