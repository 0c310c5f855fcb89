package upstream

import (
	"context"
	"errors"
	"net"
	"os"

	relay "github.com/llmrelay/llmrelay/internal"
)

// Outcome is the classification of one provider attempt.
type Outcome int

const (
	OutcomeSuccess     Outcome = iota
	OutcomeRateLimited         // 429: surfaces as-is unless another candidate remains
	OutcomeRetryable           // 5xx, network, timeout
	OutcomeFatal               // 4xx other than 429: retrying will not help
)

// ClassifyStatus classifies an upstream HTTP status.
func ClassifyStatus(code int) Outcome {
	switch {
	case code < 400:
		return OutcomeSuccess
	case code == 429:
		return OutcomeRateLimited
	case code >= 500:
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}

// classifyErr maps a transport error to an outcome and category. All
// transport failures are retryable; timeouts get their own category.
func classifyErr(err error) (Outcome, relay.Category) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return OutcomeRetryable, relay.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeRetryable, relay.CategoryTimeout
	}
	return OutcomeRetryable, relay.CategoryNetwork
}

// statusCategory maps an upstream status to the error taxonomy.
func statusCategory(code int) relay.Category {
	switch {
	case code == 429:
		return relay.CategoryRateLimit
	case code >= 500:
		return relay.CategoryUpstream5xx
	case code >= 400:
		return relay.CategoryUpstream4xx
	default:
		return relay.CategoryInternal
	}
}
