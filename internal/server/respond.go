package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/errorrule"
)

// jsonCT is a pre-allocated header value slice; direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeErrorEnvelope writes the generic error envelope. An empty errType
// is derived from the status.
func writeErrorEnvelope(w http.ResponseWriter, status int, msg, errType string) {
	if errType == "" {
		errType = relay.ErrorTypeForStatus(status)
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

// writeRelayError turns a pipeline error into the client response. Rate
// limit denials get the X-RateLimit-* surface; upstream failures pass
// through the error rule table; everything else maps to the generic
// envelope.
func (s *server) writeRelayError(w http.ResponseWriter, r *http.Request, err error) {
	var denial *relay.RateLimitDenial
	if errors.As(err, &denial) {
		if s.deps.Stats != nil {
			s.deps.Stats.RateLimitRejects.WithLabelValues(string(denial.LimitType)).Inc()
		}
		s.writeRateLimitDenial(w, denial)
		return
	}

	var pe *relay.ProxyError
	if errors.As(err, &pe) {
		s.writeProxyError(w, pe)
		return
	}

	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		writeErrorEnvelope(w, http.StatusUnauthorized, "invalid API key", "authentication_error")
	case errors.Is(err, relay.ErrKeyDeleted):
		writeErrorEnvelope(w, http.StatusUnauthorized, "API key has been revoked", "authentication_error")
	case errors.Is(err, relay.ErrUserDisabled), errors.Is(err, relay.ErrUserExpired):
		writeErrorEnvelope(w, http.StatusForbidden, err.Error(), "permission_error")
	case errors.Is(err, relay.ErrVersionTooOld):
		writeErrorEnvelope(w, http.StatusUpgradeRequired, err.Error(), "upgrade_required_error")
	case errors.Is(err, relay.ErrNoProvider):
		writeErrorEnvelope(w, http.StatusServiceUnavailable, "no upstream provider available", "service_unavailable_error")
	case errors.Is(err, relay.ErrBadRequest):
		writeErrorEnvelope(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "relay error",
			slog.String("error", err.Error()),
			slog.String("request_id", relay.RequestIDFromContext(r.Context())),
		)
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal server error", "")
	}
}

// writeRateLimitDenial writes the 429 response for a tripped limit.
func (s *server) writeRateLimitDenial(w http.ResponseWriter, d *relay.RateLimitDenial) {
	remaining := d.Limit - d.Current
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", formatLimit(d.Limit))
	h.Set("X-RateLimit-Remaining", formatLimit(remaining))
	h.Set("X-RateLimit-Type", string(d.LimitType))

	resetISO := ""
	if !d.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
		retryAfter := int64(time.Until(d.ResetTime).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		resetISO = d.ResetTime.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{
			"type":       "rate_limit_error",
			"message":    d.Error(),
			"code":       "rate_limit_exceeded",
			"limit_type": string(d.LimitType),
			"current":    d.Current,
			"limit":      d.Limit,
			"reset_time": resetISO,
		},
	})
}

// writeProxyError surfaces a terminal upstream failure, applying the
// error rule table to the upstream body first.
func (s *server) writeProxyError(w http.ResponseWriter, pe *relay.ProxyError) {
	status := pe.HTTPStatus()
	body := pe.UpstreamBody

	if pe.UpstreamRequestID != "" {
		w.Header().Set("X-Upstream-Request-Id", pe.UpstreamRequestID)
	}

	// Network and timeout failures carry no upstream body; rules still
	// apply against the error message.
	matchText := body
	if len(matchText) == 0 {
		matchText = []byte(pe.Message)
	}
	if rule := s.matchRule(matchText); rule != nil {
		if rule.OverrideStatus != 0 {
			status = rule.OverrideStatus
		}
		if len(rule.OverrideBody) > 0 && errorrule.IsValidOverrideResponse(rule.OverrideBody) {
			body = fillOverrideMessage(rule.OverrideBody, matchText)
		}
	}

	if len(body) > 0 && json.Valid(body) {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	msg := pe.Message
	if msg == "" {
		msg = string(body)
	}
	if msg == "" {
		msg = "upstream error"
	}
	writeErrorEnvelope(w, status, msg, "")
}

func (s *server) matchRule(body []byte) *relay.ErrorRule {
	if s.deps.Rules == nil || len(body) == 0 {
		return nil
	}
	return s.deps.Rules.Match(string(body))
}

// fillOverrideMessage backfills an empty error.message in the override
// with the original upstream text so the rewrite never hides the cause.
func fillOverrideMessage(override, original []byte) []byte {
	m := gjson.GetBytes(override, "error.message")
	if !m.Exists() || m.String() != "" {
		return override
	}
	text := string(original)
	if om := gjson.GetBytes(original, "error.message"); om.Exists() {
		text = om.String()
	}
	out, err := sjson.SetBytes(override, "error.message", text)
	if err != nil {
		return override
	}
	return out
}

func formatLimit(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
