package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

const keyColumns = `id, user_id, name, key_hash, key_prefix, policy,
	provider_groups, cache_ttl, can_login_webui, deleted, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, k *relay.Key) error {
	policy, err := marshalJSON(k.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(k.ProviderGroups)
	if err != nil {
		return err
	}
	ttl := k.CacheTTL
	if ttl == "" {
		ttl = relay.CacheTTLInherit
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, policy,
		 provider_groups, cache_ttl, can_login_webui, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		k.ID, k.UserID, k.Name, k.KeyHash, k.KeyPrefix, policy,
		groups, string(ttl), boolToInt(k.CanLoginWebUI),
		k.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves an API key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (*relay.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves a non-deleted API key by its SHA-256 hash. This
// is the auth hot path.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*relay.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ? AND deleted = 0`, hash)
	return scanKey(row)
}

// ListKeys returns a user's non-deleted keys, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*relay.Key, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE user_id = ? AND deleted = 0 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates a key's mutable fields. Hash and owner are immutable.
func (s *Store) UpdateKey(ctx context.Context, k *relay.Key) error {
	policy, err := marshalJSON(k.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(k.ProviderGroups)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, policy=?, provider_groups=?, cache_ttl=?, can_login_webui=?
		 WHERE id=? AND deleted=0`,
		k.Name, policy, groups, string(k.CacheTTL), boolToInt(k.CanLoginWebUI), k.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey soft-deletes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET deleted=1 WHERE id=? AND deleted=0`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// CountActiveKeys returns the number of non-deleted keys a user holds.
func (s *Store) CountActiveKeys(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND deleted = 0`, userID).Scan(&n)
	return n, err
}

func scanKey(sc scanner) (*relay.Key, error) {
	var k relay.Key
	var policy, groups sql.NullString
	var ttl string
	var canLogin, deleted int
	var createdAt sql.NullString

	err := sc.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &policy,
		&groups, &ttl, &canLogin, &deleted, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.CacheTTL = relay.CacheTTLPreference(ttl)
	k.CanLoginWebUI = canLogin != 0
	k.Deleted = deleted != 0
	if err := unmarshalInto(policy, &k.Policy); err != nil {
		return nil, err
	}
	if err := unmarshalInto(groups, &k.ProviderGroups); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
