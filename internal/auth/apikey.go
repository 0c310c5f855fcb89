// Package auth authenticates relay API keys against the store, with a
// W-TinyLFU cache in front of the hot lookup path.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
)

// cached pairs a key with its resolved owner so one cache hit covers both.
type cached struct {
	key  *relay.Key
	user *relay.User
}

// Authenticator resolves Bearer sk- keys to their key and owning user.
type Authenticator struct {
	keys        storage.KeyStore
	users       storage.UserStore
	cache       *otter.Cache[string, cached]
	keyIDToHash sync.Map // keyID -> hash, for invalidation by key ID
}

// New returns an Authenticator backed by the given stores.
func New(keys storage.KeyStore, users storage.UserStore) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cached](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{keys: keys, users: users, cache: c}, nil
}

// Authenticate extracts the Bearer token, validates it, and returns the
// caller. Disabled or expired users and deleted keys are rejected even on
// a cache hit.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*relay.AuthInfo, error) {
	raw := bearerToken(r)
	if raw == "" || !strings.HasPrefix(raw, relay.APIKeyPrefix) {
		return nil, relay.ErrUnauthorized
	}
	hash := relay.HashKey(raw)

	if entry, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkAccount(entry); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return &relay.AuthInfo{User: entry.user, Key: entry.key}, nil
	}

	key, err := a.keys.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrUnauthorized
		}
		return nil, err
	}
	// The DB lookup already matched; the constant-time compare guards
	// against collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, relay.ErrUnauthorized
	}

	user, err := a.users.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrUnauthorized
		}
		return nil, err
	}

	entry := cached{key: key, user: user}
	if err := checkAccount(entry); err != nil {
		return nil, err
	}

	a.cache.Set(hash, entry)
	a.keyIDToHash.Store(key.ID, hash)
	return &relay.AuthInfo{User: user, Key: key}, nil
}

// InvalidateByKeyID drops a cached entry after an admin mutation.
func (a *Authenticator) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// InvalidateAll clears the cache, e.g. after a bulk user update.
func (a *Authenticator) InvalidateAll() {
	a.cache.InvalidateAll()
}

func checkAccount(entry cached) error {
	switch {
	case entry.key.Deleted:
		return relay.ErrKeyDeleted
	case entry.user.Deleted, !entry.user.Enabled:
		return relay.ErrUserDisabled
	case entry.user.ExpiresAt != nil && entry.user.ExpiresAt.Before(time.Now()):
		return relay.ErrUserExpired
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		// Claude clients send the key in x-api-key instead.
		return r.Header.Get("X-Api-Key")
	}
	return token
}
