package relay

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrBadRequest    = errors.New("bad request")
	ErrUserDisabled  = errors.New("user disabled")
	ErrUserExpired   = errors.New("user expired")
	ErrKeyDeleted    = errors.New("api key deleted")
	ErrLastKey       = errors.New("cannot delete the last key of a user")
	ErrPolicyExceeds = errors.New("key policy exceeds user policy")
	ErrNoProvider    = errors.New("no provider available")
	ErrCircuitOpen   = errors.New("provider circuit open")
	ErrVersionTooOld = errors.New("client version below ga threshold")
)

// Category is the error taxonomy used in accounting and metrics.
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryRateLimit   Category = "rate_limit"
	CategoryValidation  Category = "validation"
	CategoryUpstream5xx Category = "upstream_5xx"
	CategoryUpstream4xx Category = "upstream_4xx"
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryCircuitOpen Category = "circuit_open"
	CategoryInternal    Category = "internal"
)

// DefaultStatus returns the default HTTP status for a category.
func (c Category) DefaultStatus() int {
	switch c {
	case CategoryAuth:
		return 401
	case CategoryRateLimit:
		return 429
	case CategoryValidation, CategoryUpstream4xx:
		return 400
	case CategoryUpstream5xx, CategoryNetwork:
		return 502
	case CategoryTimeout:
		return 504
	case CategoryCircuitOpen:
		return 503
	default:
		return 500
	}
}

// LimitType identifies which limit a RateLimitDenial tripped.
type LimitType string

const (
	LimitRPM        LimitType = "rpm"
	LimitUSD5h      LimitType = "usd_5h"
	LimitDailyQuota LimitType = "daily_quota"
	LimitUSDWeekly  LimitType = "usd_weekly"
	LimitUSDMonthly LimitType = "usd_monthly"
	LimitUSDTotal   LimitType = "usd_total"
	LimitConcurrent LimitType = "concurrent_sessions"
)

// RateLimitDenial is the structured denial raised by the rate-limit guard.
// It maps to a 429 with X-RateLimit-* headers.
type RateLimitDenial struct {
	LimitType LimitType
	Current   float64
	Limit     float64
	ResetTime time.Time // zero when the window has no fixed reset (rolling)
	Message   string
}

// Error implements the error interface.
func (d *RateLimitDenial) Error() string {
	if d.Message != "" {
		return d.Message
	}
	return fmt.Sprintf("rate limit exceeded: %s (current %.4f, limit %.4f)", d.LimitType, d.Current, d.Limit)
}

// ProxyError is a terminal upstream failure carried to the response builder.
type ProxyError struct {
	StatusCode        int
	Category          Category
	UpstreamBody      []byte
	UpstreamRequestID string
	Message           string
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream error: status %d", e.StatusCode)
}

// HTTPStatus reports the status code to surface to the client.
func (e *ProxyError) HTTPStatus() int {
	if e.StatusCode >= 400 {
		return e.StatusCode
	}
	return 500
}

// ErrorTypeForStatus maps an HTTP status to the default error.type label
// used in the generic error envelope.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	case 500:
		return "internal_server_error"
	case 502:
		return "bad_gateway_error"
	case 503:
		return "service_unavailable_error"
	case 504:
		return "gateway_timeout_error"
	default:
		return "api_error"
	}
}
