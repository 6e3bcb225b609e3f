package repository

import (
	"context"
	"fmt"

	"ingestd/internal/models"
)

// ArchiveAndDeleteFromHeight moves every stored block at or above
// fromHeight into the immutable reorged_blocks table, tagged with the
// hash that displaced it, then deletes them from blocks. Unlike the
// upstream service's plain-delete rollback, nothing here is ever lost:
// a reorg's prior view of the chain stays queryable in its archive
// table. Clamps both the live and backfill cursors so neither worker
// re-walks past the rewind point.
func (s *Store) ArchiveAndDeleteFromHeight(ctx context.Context, fromHeight uint64, replacedByHash string) (archived int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reorg tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO reorged_blocks (
			block_number, block_hash, parent_hash, "timestamp",
			gas_used, gas_limit, tx_count, base_fee_gwei,
			min_priority_fee_gwei, max_priority_fee_gwei, median_priority_fee_gwei,
			avg_priority_fee_gwei, total_priority_fee_gwei,
			block_time_sec, mgas_per_sec, tps,
			finalized, finalized_at, milestone_id, time_to_finality_sec,
			reorged_at, replaced_by_hash
		)
		SELECT
			block_number, block_hash, parent_hash, "timestamp",
			gas_used, gas_limit, tx_count, base_fee_gwei,
			min_priority_fee_gwei, max_priority_fee_gwei, median_priority_fee_gwei,
			avg_priority_fee_gwei, total_priority_fee_gwei,
			block_time_sec, mgas_per_sec, tps,
			finalized, finalized_at, milestone_id, time_to_finality_sec,
			NOW(), $2
		FROM blocks WHERE block_number >= $1
	`, fromHeight, replacedByHash)
	if err != nil {
		return 0, fmt.Errorf("archiving reorged blocks from %d: %w", fromHeight, err)
	}
	archived = int(tag.RowsAffected())

	if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE block_number >= $1`, fromHeight); err != nil {
		return 0, fmt.Errorf("deleting reorged blocks from %d: %w", fromHeight, err)
	}

	rewindTo := uint64(0)
	if fromHeight > 0 {
		rewindTo = fromHeight - 1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE indexer_state SET last_position = LEAST(last_position, $1), updated_at = NOW()
		WHERE service_name IN ($2, $3) AND last_position >= $1
	`, rewindTo, BlockIndexerService, BlockBackfillerService); err != nil {
		return 0, fmt.Errorf("clamping cursors after reorg: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reorg tx: %w", err)
	}
	return archived, nil
}

// AnyFinalizedAtOrAbove reports whether any stored block at or above
// height is already marked finalized: a reorg must never be allowed to
// touch a finalized block.
func (s *Store) AnyFinalizedAtOrAbove(ctx context.Context, height uint64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM blocks WHERE block_number >= $1 AND finalized)
	`, height).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking finalized blocks at or above %d: %w", height, err)
	}
	return exists, nil
}

// ReorgedBlocksSince returns archived rows newer than a given time, used
// only for diagnostics/tests; not on any hot path.
func (s *Store) ReorgedBlocksSince(ctx context.Context, since models.ReorgedBlock) ([]models.ReorgedBlock, error) {
	rows, err := s.db.Query(ctx, `
		SELECT block_number, block_hash, parent_hash, reorged_at, replaced_by_hash
		FROM reorged_blocks WHERE reorged_at >= $1 ORDER BY reorged_at DESC
	`, since.ReorgedAt)
	if err != nil {
		return nil, fmt.Errorf("querying reorged_blocks: %w", err)
	}
	defer rows.Close()

	var out []models.ReorgedBlock
	for rows.Next() {
		var rb models.ReorgedBlock
		if err := rows.Scan(&rb.Number, &rb.Hash, &rb.ParentHash, &rb.ReorgedAt, &rb.ReplacedByHash); err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}
