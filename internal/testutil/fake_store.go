// Package testutil provides in-memory fakes for tests.
package testutil

import (
	"context"
	"sort"
	"sync"

	relay "github.com/llmrelay/llmrelay/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	users     map[string]*relay.User
	keys      map[string]*relay.Key
	providers map[string]*relay.Provider
	prices    []*relay.ModelPrice
	requests  []*relay.MessageRequest
	rules     map[int64]*relay.ErrorRule
	filters   map[int64]*relay.RequestFilter
	nextID    int64
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:     make(map[string]*relay.User),
		keys:      make(map[string]*relay.Key),
		providers: make(map[string]*relay.Provider),
		rules:     make(map[int64]*relay.ErrorRule),
		filters:   make(map[int64]*relay.RequestFilter),
	}
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *relay.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*relay.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) ListUsers(_ context.Context, offset, limit int) ([]*relay.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Deleted {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, offset, limit), nil
}

func (s *FakeStore) UpdateUser(_ context.Context, u *relay.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return relay.ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return relay.ErrNotFound
	}
	u.Deleted = true
	return nil
}

// --- KeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *relay.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*relay.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*relay.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash && !k.Deleted {
			cp := *k
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, userID string) ([]*relay.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.Key
	for _, k := range s.keys {
		if k.UserID == userID && !k.Deleted {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, k *relay.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return relay.ErrNotFound
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return relay.ErrNotFound
	}
	k.Deleted = true
	return nil
}

func (s *FakeStore) CountActiveKeys(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, k := range s.keys {
		if k.UserID == userID && !k.Deleted {
			n++
		}
	}
	return n, nil
}

// --- ProviderStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok || p.Deleted {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.Provider
	for _, p := range s.providers {
		if p.Deleted {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return relay.ErrNotFound
	}
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return relay.ErrNotFound
	}
	p.Deleted = true
	return nil
}

// --- PriceStore ---

func (s *FakeStore) InsertPrice(_ context.Context, p *relay.ModelPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prices = append(s.prices, &cp)
	return nil
}

func (s *FakeStore) LatestPrice(_ context.Context, modelName string) (*relay.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *relay.ModelPrice
	for _, p := range s.prices {
		if p.ModelName != modelName {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, relay.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *FakeStore) LatestPrices(_ context.Context) (map[string]*relay.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*relay.ModelPrice)
	for _, p := range s.prices {
		if prev, ok := out[p.ModelName]; ok && prev.CreatedAt.After(p.CreatedAt) {
			continue
		}
		cp := *p
		out[p.ModelName] = &cp
	}
	return out, nil
}

// --- RequestStore ---

func (s *FakeStore) InsertRequests(_ context.Context, rows []*relay.MessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cp := *r
		s.requests = append(s.requests, &cp)
	}
	return nil
}

func (s *FakeStore) ListRequests(_ context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.MessageRequest
	for _, r := range s.requests {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, offset, limit), nil
}

// Requests returns every stored accounting row, for assertions.
func (s *FakeStore) Requests() []*relay.MessageRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.MessageRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// --- RuleStore ---

func (s *FakeStore) ListErrorRules(_ context.Context) ([]*relay.ErrorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.ErrorRule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FakeStore) CreateErrorRule(_ context.Context, r *relay.ErrorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *FakeStore) UpdateErrorRule(_ context.Context, r *relay.ErrorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return relay.ErrNotFound
	}
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteErrorRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *FakeStore) ListRequestFilters(_ context.Context) ([]*relay.RequestFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.RequestFilter, 0, len(s.filters))
	for _, f := range s.filters {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FakeStore) CreateRequestFilter(_ context.Context, f *relay.RequestFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	f.ID = s.nextID
	cp := *f
	s.filters[f.ID] = &cp
	return nil
}

func (s *FakeStore) UpdateRequestFilter(_ context.Context, f *relay.RequestFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[f.ID]; !ok {
		return relay.ErrNotFound
	}
	cp := *f
	s.filters[f.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteRequestFilter(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.filters, id)
	return nil
}

// --- Lifecycle ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }

func page[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
