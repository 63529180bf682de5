// Package jsonsql is the JSON-over-SQL helper: ad hoc document storage over
// a JSONB column, keyed by a caller-chosen string.
//
// Unlike the SQL device, which is bound to the one-device-per-request pool
// reuse discipline, this talks directly to a shared *pgxpool.Pool — it
// backs ambient state, not request/reply traffic.
package jsonsql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/duskline/evrelay/store/postgres"
)

// Store reads and writes JSONB-backed documents keyed by a caller-chosen
// string.
type Store struct {
	db *postgres.DB
}

func New(db *postgres.DB) *Store {
	return &Store{db: db}
}

// GetDocument returns the document stored under key, or (nil, nil) if no
// row exists.
func (s *Store) GetDocument(ctx context.Context, key string) (map[string]any, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT body FROM documents WHERE key = $1`, key)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonsql: get %q: %w", key, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jsonsql: decode %q: %w", key, err)
	}
	return doc, nil
}

// SetDocument upserts the document stored under key.
func (s *Store) SetDocument(ctx context.Context, key string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("jsonsql: encode %q: %w", key, err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO documents (key, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("jsonsql: set %q: %w", key, err)
	}
	return nil
}
