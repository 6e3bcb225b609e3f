package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ingestd/internal/models"
)

// UpdateTableStats upserts table_stats:
// min = LEAST(existing, minInserted), max = GREATEST(existing, maxInserted),
// total_count += count. The finalized_count/min_finalized/max_finalized
// columns are only initialised to 0 when the row is first created and are
// otherwise left untouched; UpdateFinalizedStats maintains them.
func (s *Store) UpdateTableStats(ctx context.Context, tableName string, minInserted, maxInserted, count uint64) error {
	return s.updateTableStats(ctx, s.db, tableName, minInserted, maxInserted, count, 0, 0, 0)
}

// UpdateTableStatsTx is the transactional variant, used when stats must
// advance atomically with the insert they describe.
func (s *Store) UpdateTableStatsTx(ctx context.Context, tx pgx.Tx, tableName string, minInserted, maxInserted, count uint64) error {
	return s.updateTableStats(ctx, tx, tableName, minInserted, maxInserted, count, 0, 0, 0)
}

// UpdateFinalizedStats folds newly-finalized block numbers into
// table_stats' finalized_count/min_finalized/max_finalized columns.
func (s *Store) UpdateFinalizedStats(ctx context.Context, tableName string, minFinalized, maxFinalized, finalizedCount uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE table_stats SET
			finalized_count = finalized_count + $2,
			min_finalized = CASE WHEN min_finalized = 0 THEN $3 ELSE LEAST(min_finalized, $3) END,
			max_finalized = GREATEST(max_finalized, $4)
		WHERE table_name = $1
	`, tableName, finalizedCount, minFinalized, maxFinalized)
	if err != nil {
		return fmt.Errorf("updating finalized stats for %s: %w", tableName, err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func (s *Store) updateTableStats(ctx context.Context, q execer, tableName string, minInserted, maxInserted, count, finalizedCount, minFinalized, maxFinalized uint64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO table_stats (table_name, min_value, max_value, total_count, finalized_count, min_finalized, max_finalized)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_name) DO UPDATE SET
			min_value = LEAST(table_stats.min_value, EXCLUDED.min_value),
			max_value = GREATEST(table_stats.max_value, EXCLUDED.max_value),
			total_count = table_stats.total_count + EXCLUDED.total_count
	`, tableName, minInserted, maxInserted, count, finalizedCount, minFinalized, maxFinalized)
	if err != nil {
		return fmt.Errorf("updating table_stats for %s: %w", tableName, err)
	}
	return nil
}

// GetTableStats is the O(1) read path: consumers never run
// MIN()/MAX()/COUNT(*) over the hot tables directly.
func (s *Store) GetTableStats(ctx context.Context, tableName string) (models.TableStats, error) {
	var ts models.TableStats
	ts.TableName = tableName
	err := s.db.QueryRow(ctx, `
		SELECT min_value, max_value, total_count, finalized_count, min_finalized, max_finalized
		FROM table_stats WHERE table_name = $1
	`, tableName).Scan(&ts.MinValue, &ts.MaxValue, &ts.TotalCount, &ts.FinalizedCount, &ts.MinFinalized, &ts.MaxFinalized)
	if err == pgx.ErrNoRows {
		return models.TableStats{TableName: tableName}, nil
	}
	if err != nil {
		return models.TableStats{}, fmt.Errorf("reading table_stats for %s: %w", tableName, err)
	}
	return ts, nil
}
