package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

const priceColumns = `id, model_name, mode, input_cost, output_cost,
	cache_5m, cache_1h, cache_read, raw, created_at`

// InsertPrice appends a price record. History is append-only; the latest
// row per model is the current price.
func (s *Store) InsertPrice(ctx context.Context, p *relay.ModelPrice) error {
	var raw sql.NullString
	if len(p.Raw) > 0 {
		raw = sql.NullString{String: string(p.Raw), Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_prices (`+priceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ModelName, p.Mode, p.InputPerToken, p.OutputPerToken,
		p.Cache5mPerToken, p.Cache1hPerToken, p.CacheReadPerToken,
		raw, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LatestPrice returns the newest price record for a model.
func (s *Store) LatestPrice(ctx context.Context, modelName string) (*relay.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+priceColumns+` FROM model_prices WHERE model_name = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, modelName)
	return scanPrice(row)
}

// LatestPrices returns the newest record per model in one query.
func (s *Store) LatestPrices(ctx context.Context) (map[string]*relay.ModelPrice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+priceColumns+` FROM model_prices
		 WHERE id IN (
			SELECT id FROM model_prices mp
			WHERE NOT EXISTS (
				SELECT 1 FROM model_prices newer
				WHERE newer.model_name = mp.model_name
				  AND (newer.created_at > mp.created_at
				       OR (newer.created_at = mp.created_at AND newer.id > mp.id))
			)
		 )`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*relay.ModelPrice)
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out[p.ModelName] = p
	}
	return out, rows.Err()
}

func scanPrice(sc scanner) (*relay.ModelPrice, error) {
	var p relay.ModelPrice
	var cache5m, cache1h, cacheRead sql.NullFloat64
	var raw, createdAt sql.NullString

	err := sc.Scan(&p.ID, &p.ModelName, &p.Mode, &p.InputPerToken, &p.OutputPerToken,
		&cache5m, &cache1h, &cacheRead, &raw, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if cache5m.Valid {
		p.Cache5mPerToken = &cache5m.Float64
	}
	if cache1h.Valid {
		p.Cache1hPerToken = &cache1h.Float64
	}
	if cacheRead.Valid {
		p.CacheReadPerToken = &cacheRead.Float64
	}
	if raw.Valid {
		p.Raw = json.RawMessage(raw.String)
	}
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}
