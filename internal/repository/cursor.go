package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ingestd/internal/models"
)

// GetCursor returns a service's persisted cursor, or (0, "", false) if it
// has never written one.
func (s *Store) GetCursor(ctx context.Context, serviceName string) (models.Cursor, bool, error) {
	var c models.Cursor
	c.ServiceName = serviceName
	err := s.db.QueryRow(ctx,
		`SELECT last_position, COALESCE(last_hash, ''), updated_at
		   FROM indexer_state WHERE service_name = $1`,
		serviceName,
	).Scan(&c.LastPosition, &c.LastHash, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return models.Cursor{}, false, nil
	}
	if err != nil {
		return models.Cursor{}, false, fmt.Errorf("loading cursor for %s: %w", serviceName, err)
	}
	return c, true, nil
}

// SetCursor upserts a service's cursor. Each service is the sole writer
// of its own row; concurrent writers would corrupt gap-freeness, so this
// is never called from more than one goroutine per serviceName.
func (s *Store) SetCursor(ctx context.Context, serviceName string, position uint64, hash string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO indexer_state (service_name, last_position, last_hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (service_name) DO UPDATE SET
			last_position = EXCLUDED.last_position,
			last_hash = EXCLUDED.last_hash,
			updated_at = EXCLUDED.updated_at
	`, serviceName, position, nullIfEmpty(hash))
	if err != nil {
		return fmt.Errorf("setting cursor for %s: %w", serviceName, err)
	}
	return nil
}

// SetCursorTx is the transactional variant, used when the cursor must
// advance atomically with the batch it covers (block and milestone batch
// inserts).
func (s *Store) SetCursorTx(ctx context.Context, tx pgx.Tx, serviceName string, position uint64, hash string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO indexer_state (service_name, last_position, last_hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (service_name) DO UPDATE SET
			last_position = EXCLUDED.last_position,
			last_hash = EXCLUDED.last_hash,
			updated_at = EXCLUDED.updated_at
	`, serviceName, position, nullIfEmpty(hash))
	if err != nil {
		return fmt.Errorf("setting cursor for %s: %w", serviceName, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Begin starts a transaction on the store's pool for multi-statement
// atomicity.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.Begin(ctx)
}
