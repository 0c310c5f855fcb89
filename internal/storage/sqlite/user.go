package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

// CreateUser inserts a new tenant account.
func (s *Store) CreateUser(ctx context.Context, u *relay.User) error {
	policy, err := marshalJSON(u.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(u.ProviderGroups)
	if err != nil {
		return err
	}
	role := u.Role
	if role == "" {
		role = relay.RoleUser
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, enabled, expires_at, policy, provider_groups, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		u.ID, u.Name, string(role), boolToInt(u.Enabled),
		timeToStr(u.ExpiresAt), policy, groups, u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const userColumns = `id, name, role, enabled, expires_at, policy, provider_groups, deleted, created_at`

// GetUser retrieves a user by ID, including soft-deleted ones so
// accounting lookups still resolve.
func (s *Store) GetUser(ctx context.Context, id string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns non-deleted users, newest first.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE deleted = 0
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*relay.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser updates an existing user.
func (s *Store) UpdateUser(ctx context.Context, u *relay.User) error {
	policy, err := marshalJSON(u.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(u.ProviderGroups)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET name=?, role=?, enabled=?, expires_at=?, policy=?, provider_groups=?
		 WHERE id=? AND deleted=0`,
		u.Name, string(u.Role), boolToInt(u.Enabled), timeToStr(u.ExpiresAt), policy, groups, u.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeleteUser soft-deletes a user.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET deleted=1 WHERE id=? AND deleted=0`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(sc scanner) (*relay.User, error) {
	var u relay.User
	var role string
	var enabled, deleted int
	var expiresAt, policy, groups, createdAt sql.NullString

	if err := sc.Scan(&u.ID, &u.Name, &role, &enabled, &expiresAt, &policy, &groups, &deleted, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.Role = relay.Role(role)
	u.Enabled = enabled != 0
	u.Deleted = deleted != 0
	u.ExpiresAt = parseTime(expiresAt)
	if err := unmarshalInto(policy, &u.Policy); err != nil {
		return nil, err
	}
	if err := unmarshalInto(groups, &u.ProviderGroups); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}
