// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"

	relay "github.com/llmrelay/llmrelay/internal"
)

// UserStore manages tenant accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *relay.User) error
	GetUser(ctx context.Context, id string) (*relay.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error)
	UpdateUser(ctx context.Context, u *relay.User) error
	DeleteUser(ctx context.Context, id string) error // soft delete
}

// KeyStore manages API key persistence.
type KeyStore interface {
	CreateKey(ctx context.Context, k *relay.Key) error
	GetKey(ctx context.Context, id string) (*relay.Key, error)
	GetKeyByHash(ctx context.Context, hash string) (*relay.Key, error)
	ListKeys(ctx context.Context, userID string) ([]*relay.Key, error)
	UpdateKey(ctx context.Context, k *relay.Key) error
	DeleteKey(ctx context.Context, id string) error // soft delete
	CountActiveKeys(ctx context.Context, userID string) (int, error)
}

// ProviderStore manages upstream provider configuration.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *relay.Provider) error
	GetProvider(ctx context.Context, id string) (*relay.Provider, error)
	ListProviders(ctx context.Context) ([]*relay.Provider, error)
	UpdateProvider(ctx context.Context, p *relay.Provider) error
	DeleteProvider(ctx context.Context, id string) error // soft delete
}

// PriceStore manages the append-only model price history.
type PriceStore interface {
	InsertPrice(ctx context.Context, p *relay.ModelPrice) error
	LatestPrice(ctx context.Context, modelName string) (*relay.ModelPrice, error)
	LatestPrices(ctx context.Context) (map[string]*relay.ModelPrice, error)
}

// RequestStore manages accounting rows.
type RequestStore interface {
	InsertRequests(ctx context.Context, rows []*relay.MessageRequest) error
	ListRequests(ctx context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error)
}

// RuleStore manages error rules and request filters.
type RuleStore interface {
	ListErrorRules(ctx context.Context) ([]*relay.ErrorRule, error)
	CreateErrorRule(ctx context.Context, r *relay.ErrorRule) error
	UpdateErrorRule(ctx context.Context, r *relay.ErrorRule) error
	DeleteErrorRule(ctx context.Context, id int64) error

	ListRequestFilters(ctx context.Context) ([]*relay.RequestFilter, error)
	CreateRequestFilter(ctx context.Context, f *relay.RequestFilter) error
	UpdateRequestFilter(ctx context.Context, f *relay.RequestFilter) error
	DeleteRequestFilter(ctx context.Context, id int64) error
}

// Store combines all persistence interfaces.
type Store interface {
	UserStore
	KeyStore
	ProviderStore
	PriceStore
	RequestStore
	RuleStore
	Ping(ctx context.Context) error
	Close() error
}
