package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

const providerColumns = `id, name, provider_type, url, credential, is_enabled, deleted,
	priority, weight, provider_group, model_redirects, allowed_models,
	proxy_url, proxy_fallback_to_direct,
	failure_threshold, open_duration_ms, half_open_success,
	balance_usd, allow_global_usage_view, created_at`

// CreateProvider inserts a new upstream provider.
func (s *Store) CreateProvider(ctx context.Context, p *relay.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), p.URL, p.Credential, boolToInt(p.Enabled),
		p.Priority, p.Weight, p.Group, redirects, models,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect),
		p.Breaker.FailureThreshold, p.Breaker.OpenDuration.Milliseconds(), p.Breaker.HalfOpenSuccessThreshold,
		p.BalanceUSD, boolToInt(p.AllowGlobalUsageView),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

// ListProviders returns all non-deleted providers ordered by priority.
func (s *Store) ListProviders(ctx context.Context) ([]*relay.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE deleted = 0
		 ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*relay.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider's configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *relay.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, provider_type=?, url=?, credential=?, is_enabled=?,
		 priority=?, weight=?, provider_group=?, model_redirects=?, allowed_models=?,
		 proxy_url=?, proxy_fallback_to_direct=?,
		 failure_threshold=?, open_duration_ms=?, half_open_success=?,
		 balance_usd=?, allow_global_usage_view=?
		 WHERE id=? AND deleted=0`,
		p.Name, string(p.Type), p.URL, p.Credential, boolToInt(p.Enabled),
		p.Priority, p.Weight, p.Group, redirects, models,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect),
		p.Breaker.FailureThreshold, p.Breaker.OpenDuration.Milliseconds(), p.Breaker.HalfOpenSuccessThreshold,
		p.BalanceUSD, boolToInt(p.AllowGlobalUsageView), p.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider soft-deletes a provider so historical chain entries keep
// resolving.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET deleted=1, is_enabled=0 WHERE id=? AND deleted=0`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(sc scanner) (*relay.Provider, error) {
	var p relay.Provider
	var ptype string
	var enabled, deleted, fallback, globalView int
	var redirects, models, createdAt sql.NullString
	var openMs int64
	var balance sql.NullFloat64

	err := sc.Scan(&p.ID, &p.Name, &ptype, &p.URL, &p.Credential, &enabled, &deleted,
		&p.Priority, &p.Weight, &p.Group, &redirects, &models,
		&p.ProxyURL, &fallback,
		&p.Breaker.FailureThreshold, &openMs, &p.Breaker.HalfOpenSuccessThreshold,
		&balance, &globalView, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Type = relay.ProviderType(ptype)
	p.Enabled = enabled != 0
	p.Deleted = deleted != 0
	p.ProxyFallbackToDirect = fallback != 0
	p.AllowGlobalUsageView = globalView != 0
	p.Breaker.OpenDuration = time.Duration(openMs) * time.Millisecond
	if balance.Valid {
		p.BalanceUSD = &balance.Float64
	}
	if err := unmarshalInto(redirects, &p.ModelRedirects); err != nil {
		return nil, err
	}
	if err := unmarshalInto(models, &p.AllowedModels); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}
