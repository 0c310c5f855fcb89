package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

const requestColumns = `id, user_id, key_id, provider_id, model, original_model,
	status, duration_ms, usage, cost_usd, session_id, note, provider_chain,
	error_message, created_at`

// InsertRequests writes a batch of accounting rows in one transaction.
func (s *Store) InsertRequests(ctx context.Context, rows []*relay.MessageRequest) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		usage, err := marshalJSON(r.Usage)
		if err != nil {
			return err
		}
		chain, err := marshalJSON(r.ProviderChain)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UserID, r.KeyID, nullStr(r.ProviderID), r.Model, r.OriginalModel,
			r.Status, r.DurationMs, usage, r.CostUSD, r.SessionID, r.Note, chain,
			r.ErrorMessage, r.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRequests returns a user's accounting rows, newest first.
func (s *Store) ListRequests(ctx context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM message_requests
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.MessageRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (*relay.MessageRequest, error) {
	var r relay.MessageRequest
	var providerID, usage, chain, createdAt sql.NullString

	err := sc.Scan(&r.ID, &r.UserID, &r.KeyID, &providerID, &r.Model, &r.OriginalModel,
		&r.Status, &r.DurationMs, &usage, &r.CostUSD, &r.SessionID, &r.Note, &chain,
		&r.ErrorMessage, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.ProviderID = providerID.String
	if err := unmarshalInto(usage, &r.Usage); err != nil {
		return nil, err
	}
	if err := unmarshalInto(chain, &r.ProviderChain); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}
