package repository

import (
	"context"
	"fmt"
	"time"

	"ingestd/internal/models"
)

// BlockTimestamps looks up stored timestamps for a set of block numbers
// (an IN (array) probe, never an unbounded scan) so the finality writer
// can compute time_to_finality_sec for rows whose block has already been
// indexed. Numbers with no stored block are simply absent from the
// result map, the writer still records their finality tuple, just
// without a duration.
func (s *Store) BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]time.Time, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	nums := make([]int64, len(numbers))
	for i, n := range numbers {
		nums[i] = int64(n)
	}
	rows, err := s.db.Query(ctx, `
		SELECT block_number, "timestamp" FROM blocks WHERE block_number = ANY($1::BIGINT[])
	`, nums)
	if err != nil {
		return nil, fmt.Errorf("looking up block timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]time.Time, len(numbers))
	for rows.Next() {
		var n uint64
		var ts time.Time
		if err := rows.Scan(&n, &ts); err != nil {
			return nil, err
		}
		out[n] = ts
	}
	return out, rows.Err()
}

// InsertBlockFinality bulk-inserts block_finality rows for every block
// number covered by a milestone. On conflict (a row already exists from
// an earlier, incomplete pass) time_to_finality_sec is only filled in
// when it was previously null and the new value is not; finality rows
// are never downgraded back to null, and milestone_id/finalized_at never
// change once written.
func (s *Store) InsertBlockFinality(ctx context.Context, rows []models.BlockFinality) error {
	if len(rows) == 0 {
		return nil
	}
	numbers := make([]int64, len(rows))
	milestoneIDs := make([]int64, len(rows))
	finalizedAts := make([]time.Time, len(rows))
	durations := make([]any, len(rows))
	for i, r := range rows {
		numbers[i] = int64(r.BlockNumber)
		milestoneIDs[i] = int64(r.MilestoneID)
		finalizedAts[i] = r.FinalizedAt
		durations[i] = ptrToAny(r.TimeToFinalitySec)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO block_finality (block_number, milestone_id, finalized_at, time_to_finality_sec)
		SELECT * FROM UNNEST($1::BIGINT[], $2::BIGINT[], $3::TIMESTAMPTZ[], $4::DOUBLE PRECISION[])
		ON CONFLICT (block_number) DO UPDATE SET
			time_to_finality_sec = COALESCE(block_finality.time_to_finality_sec, EXCLUDED.time_to_finality_sec)
	`, numbers, milestoneIDs, finalizedAts, durations)
	if err != nil {
		return fmt.Errorf("bulk inserting block_finality: %w", err)
	}
	return nil
}

// TouchBlocksFinality updates the finality tuple on already-stored block
// rows within the warm window, joining from block_finality. Older rows
// are left alone (their finality stays recorded only in block_finality):
// touching every historical row on every milestone would turn a
// bounded operation into a full-table scan.
func (s *Store) TouchBlocksFinality(ctx context.Context, warmSince time.Time) (updated int, err error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE blocks b SET
			finalized = true,
			finalized_at = f.finalized_at,
			milestone_id = f.milestone_id,
			time_to_finality_sec = f.time_to_finality_sec
		FROM block_finality f
		WHERE b.block_number = f.block_number
		  AND b."timestamp" >= $1
		  AND (NOT b.finalized OR b.time_to_finality_sec IS NULL)
	`, warmSince)
	if err != nil {
		return 0, fmt.Errorf("touching blocks finality: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// BlocksFinalizedBetween returns block numbers in [start, end] recently
// finalized, used to build the finality writer's "tip window" push
// payload.
func (s *Store) BlocksFinalizedBetween(ctx context.Context, start, end uint64) ([]models.Block, error) {
	rows, err := s.db.Query(ctx, `
		SELECT block_number, block_hash, "timestamp", finalized_at, milestone_id, time_to_finality_sec
		FROM blocks WHERE block_number BETWEEN $1 AND $2 ORDER BY block_number ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying finalized blocks in range: %w", err)
	}
	defer rows.Close()

	var out []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.Number, &b.Hash, &b.Timestamp, &b.FinalizedAt, &b.MilestoneID, &b.TimeToFinalitySec); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
