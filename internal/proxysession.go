package relay

import (
	"net/http"
	"time"
)

// ProxySession is the in-memory per-request state threaded through the
// pipeline. It is owned exclusively by the handler goroutine and never
// shared between requests; each attempt mutates RequestURL, Model and Body
// in place.
type ProxySession struct {
	User *User
	Key  *Key

	RequestURL string // path + query as received
	Headers    http.Header
	Model      string // current model in the request body
	Body       []byte // raw request buffer, re-encoded after mutations
	Stream     bool
	Note       string

	Provider      *Provider // current attempt's provider
	ProviderChain []ChainEntry

	OriginalFormat  Format
	OriginalModel   string // first model the client asked for
	OriginalURLPath string

	SessionID string
	RequestID string
	StartTime time.Time
}

// LastChainEntry returns the most recent provider decision, or nil.
func (s *ProxySession) LastChainEntry() *ChainEntry {
	if len(s.ProviderChain) == 0 {
		return nil
	}
	return &s.ProviderChain[len(s.ProviderChain)-1]
}

// AppendChainEntry records a provider decision and returns it for further
// mutation. Entries are append-only.
func (s *ProxySession) AppendChainEntry(e ChainEntry) *ChainEntry {
	e.AttemptIndex = len(s.ProviderChain)
	s.ProviderChain = append(s.ProviderChain, e)
	return &s.ProviderChain[len(s.ProviderChain)-1]
}
