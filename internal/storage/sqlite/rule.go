package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	relay "github.com/llmrelay/llmrelay/internal"
)

// ListErrorRules returns every rule, enabled or not; the rule table
// filters at reload time.
func (s *Store) ListErrorRules(ctx context.Context) ([]*relay.ErrorRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, match_type, category, override_status_code,
		 override_response, is_enabled, is_default, priority
		 FROM error_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.ErrorRule
	for rows.Next() {
		var r relay.ErrorRule
		var mt string
		var body sql.NullString
		var enabled, def int
		if err := rows.Scan(&r.ID, &r.Pattern, &mt, &r.Category, &r.OverrideStatus,
			&body, &enabled, &def, &r.Priority); err != nil {
			return nil, err
		}
		r.MatchType = relay.MatchType(mt)
		r.Enabled = enabled != 0
		r.Default = def != 0
		if body.Valid {
			r.OverrideBody = json.RawMessage(body.String)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CreateErrorRule inserts a rule and backfills its assigned ID.
func (s *Store) CreateErrorRule(ctx context.Context, r *relay.ErrorRule) error {
	var body sql.NullString
	if len(r.OverrideBody) > 0 {
		body = sql.NullString{String: string(r.OverrideBody), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO error_rules (pattern, match_type, category, override_status_code,
		 override_response, is_enabled, is_default, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Pattern, string(r.MatchType), r.Category, r.OverrideStatus,
		body, boolToInt(r.Enabled), boolToInt(r.Default), r.Priority)
	if err != nil {
		return err
	}
	r.ID, err = result.LastInsertId()
	return err
}

// UpdateErrorRule updates a rule in place.
func (s *Store) UpdateErrorRule(ctx context.Context, r *relay.ErrorRule) error {
	var body sql.NullString
	if len(r.OverrideBody) > 0 {
		body = sql.NullString{String: string(r.OverrideBody), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE error_rules SET pattern=?, match_type=?, category=?, override_status_code=?,
		 override_response=?, is_enabled=?, is_default=?, priority=? WHERE id=?`,
		r.Pattern, string(r.MatchType), r.Category, r.OverrideStatus,
		body, boolToInt(r.Enabled), boolToInt(r.Default), r.Priority, r.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "error rule")
}

// DeleteErrorRule removes a rule.
func (s *Store) DeleteErrorRule(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM error_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "error rule")
}

// ListRequestFilters returns every filter in evaluation order.
func (s *Store) ListRequestFilters(ctx context.Context) ([]*relay.RequestFilter, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, scope, action, target, match_type, replacement, priority, is_enabled
		 FROM request_filters ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.RequestFilter
	for rows.Next() {
		var f relay.RequestFilter
		var scope, action, mt string
		var replacement sql.NullString
		var enabled int
		if err := rows.Scan(&f.ID, &scope, &action, &f.Target, &mt,
			&replacement, &f.Priority, &enabled); err != nil {
			return nil, err
		}
		f.Scope = relay.FilterScope(scope)
		f.Action = relay.FilterAction(action)
		f.MatchType = relay.MatchType(mt)
		f.Enabled = enabled != 0
		if replacement.Valid {
			f.Replacement = json.RawMessage(replacement.String)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// CreateRequestFilter inserts a filter and backfills its assigned ID.
func (s *Store) CreateRequestFilter(ctx context.Context, f *relay.RequestFilter) error {
	var replacement sql.NullString
	if len(f.Replacement) > 0 {
		replacement = sql.NullString{String: string(f.Replacement), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO request_filters (scope, action, target, match_type, replacement, priority, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(f.Scope), string(f.Action), f.Target, string(f.MatchType),
		replacement, f.Priority, boolToInt(f.Enabled))
	if err != nil {
		return err
	}
	f.ID, err = result.LastInsertId()
	return err
}

// UpdateRequestFilter updates a filter in place.
func (s *Store) UpdateRequestFilter(ctx context.Context, f *relay.RequestFilter) error {
	var replacement sql.NullString
	if len(f.Replacement) > 0 {
		replacement = sql.NullString{String: string(f.Replacement), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE request_filters SET scope=?, action=?, target=?, match_type=?,
		 replacement=?, priority=?, is_enabled=? WHERE id=?`,
		string(f.Scope), string(f.Action), f.Target, string(f.MatchType),
		replacement, f.Priority, boolToInt(f.Enabled), f.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request filter")
}

// DeleteRequestFilter removes a filter.
func (s *Store) DeleteRequestFilter(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM request_filters WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request filter")
}
