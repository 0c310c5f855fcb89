package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Seeding
// is idempotent: entries that already exist are skipped by name or hash.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := seedProviders(ctx, cfg, store); err != nil {
		return err
	}
	return seedUsers(ctx, cfg, store)
}

func seedProviders(ctx context.Context, cfg *Config, store storage.Store) error {
	existing, err := store.ListProviders(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, p := range existing {
		byName[p.Name] = true
	}

	for _, e := range cfg.Providers {
		if byName[e.Name] {
			continue
		}
		p := &relay.Provider{
			ID:                    uuid.Must(uuid.NewV7()).String(),
			Name:                  e.Name,
			Type:                  relay.ProviderType(e.Type),
			URL:                   e.URL,
			Credential:            e.Credential,
			Enabled:               e.IsEnabled(),
			Priority:              e.Priority,
			Weight:                e.Weight,
			Group:                 e.Group,
			ModelRedirects:        e.ModelRedirects,
			AllowedModels:         e.AllowedModels,
			ProxyURL:              e.ProxyURL,
			ProxyFallbackToDirect: e.ProxyFallbackToDirect,
			Breaker:               relay.DefaultBreakerConfig(),
			CreatedAt:             time.Now().UTC(),
		}
		if err := store.CreateProvider(ctx, p); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "name", p.Name, "type", string(p.Type))
	}
	return nil
}

func seedUsers(ctx context.Context, cfg *Config, store storage.Store) error {
	existing, err := store.ListUsers(ctx, 0, 1000)
	if err != nil {
		return err
	}
	byName := make(map[string]*relay.User, len(existing))
	for _, u := range existing {
		byName[u.Name] = u
	}

	for _, e := range cfg.Users {
		u := byName[e.Name]
		if u == nil {
			role := relay.Role(e.Role)
			if role == "" {
				role = relay.RoleUser
			}
			u = &relay.User{
				ID:        uuid.Must(uuid.NewV7()).String(),
				Name:      e.Name,
				Role:      role,
				Enabled:   true,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateUser(ctx, u); err != nil {
				return err
			}
			slog.Info("bootstrapped user", "name", u.Name)
		}

		for _, k := range e.Keys {
			if k.Key == "" {
				continue
			}
			hash := relay.HashKey(k.Key)
			if prev, err := store.GetKeyByHash(ctx, hash); err == nil && prev != nil {
				continue
			}
			prefix := k.Key
			if len(prefix) > 11 {
				prefix = prefix[:11]
			}
			key := &relay.Key{
				ID:        uuid.Must(uuid.NewV7()).String(),
				UserID:    u.ID,
				Name:      k.Name,
				KeyHash:   hash,
				KeyPrefix: prefix,
				CacheTTL:  relay.CacheTTLInherit,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateKey(ctx, key); err != nil {
				return err
			}
			slog.Info("bootstrapped api key", "user", u.Name, "name", k.Name, "prefix", prefix)
		}
	}
	return nil
}
