package errorrule

import (
	"fmt"

	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
)

// maxOverrideBytes caps an override body; re-checked at response time.
const maxOverrideBytes = 10 * 1024

// DetectErrorResponseFormat distinguishes the three error body shapes by a
// precise schema check. Returns "" when the body matches none.
//
//	claude: top-level type=="error" and error.type present
//	gemini: error.code is a number and error.status a string
//	openai: error.type and error.message strings, no top-level type
func DetectErrorResponseFormat(body []byte) relay.Format {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ""
	}

	topType := root.Get("type")
	errObj := root.Get("error")
	if !errObj.IsObject() {
		return ""
	}

	if topType.Type == gjson.String && topType.String() == "error" {
		if errObj.Get("type").Type == gjson.String {
			return relay.FormatClaude
		}
		return ""
	}
	if topType.Exists() {
		return ""
	}

	if errObj.Get("code").Type == gjson.Number && errObj.Get("status").Type == gjson.String {
		return relay.FormatGemini
	}
	if errObj.Get("type").Type == gjson.String && errObj.Get("message").Type == gjson.String {
		return relay.FormatOpenAI
	}
	return ""
}

// ValidateOverrideResponse checks that an override body is one of the
// three valid shapes and within the size cap. Returns nil when valid.
func ValidateOverrideResponse(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty override body", relay.ErrBadRequest)
	}
	if len(body) > maxOverrideBytes {
		return fmt.Errorf("%w: override body exceeds %d bytes", relay.ErrBadRequest, maxOverrideBytes)
	}
	if DetectErrorResponseFormat(body) == "" {
		return fmt.Errorf("%w: override body matches no known error shape", relay.ErrBadRequest)
	}
	return nil
}

// IsValidOverrideResponse reports whether the body would be accepted.
func IsValidOverrideResponse(body []byte) bool {
	return ValidateOverrideResponse(body) == nil
}
