package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ingestd/internal/models"
)

// BlockIndexerService and BlockBackfillerService are the indexer_state
// cursor keys of the live block indexer and the block backfiller. They
// write disjoint ranges (forward vs backward from the store's edges), so
// each writer keeps its own cursor row. BlocksTable is the table_stats key.
const (
	BlockIndexerService    = "block_indexer"
	BlockBackfillerService = "block_backfiller"
	BlocksTable            = "blocks"
)

// InsertBlocks bulk-inserts a batch of blocks with ON CONFLICT DO NOTHING
// , then advances the given cursor and
// folds the batch into table_stats, all within one transaction so a
// crash between insert and checkpoint never leaves them disagreeing.
func (s *Store) InsertBlocks(ctx context.Context, serviceName string, blocks []models.Block, cursorPosition uint64, cursorHash string) (inserted int, err error) {
	if len(blocks) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert blocks tx: %w", err)
	}
	defer tx.Rollback(ctx)

	numbers := make([]int64, len(blocks))
	hashes := make([]string, len(blocks))
	parentHashes := make([]string, len(blocks))
	timestamps := make([]any, len(blocks))
	gasUsed := make([]int64, len(blocks))
	gasLimit := make([]int64, len(blocks))
	txCounts := make([]int32, len(blocks))
	baseFeeGwei := make([]float64, len(blocks))
	minPF := make([]any, len(blocks))
	maxPF := make([]any, len(blocks))
	medianPF := make([]any, len(blocks))
	avgPF := make([]any, len(blocks))
	totalPF := make([]any, len(blocks))
	blockTime := make([]any, len(blocks))
	mgasPerSec := make([]any, len(blocks))
	tps := make([]any, len(blocks))

	for i, b := range blocks {
		numbers[i] = int64(b.Number)
		hashes[i] = b.Hash
		parentHashes[i] = b.ParentHash
		timestamps[i] = b.Timestamp
		gasUsed[i] = int64(b.GasUsed)
		gasLimit[i] = int64(b.GasLimit)
		txCounts[i] = int32(b.TxCount)
		baseFeeGwei[i] = b.BaseFeeGwei
		minPF[i] = ptrToAny(b.MinPriorityFeeGwei)
		maxPF[i] = ptrToAny(b.MaxPriorityFeeGwei)
		medianPF[i] = ptrToAny(b.MedianPriorityFeeGwei)
		avgPF[i] = ptrToAny(b.AvgPriorityFeeGwei)
		totalPF[i] = ptrToAny(b.TotalPriorityFeeGwei)
		blockTime[i] = ptrToAny(b.BlockTimeSec)
		mgasPerSec[i] = ptrToAny(b.MgasPerSec)
		tps[i] = ptrToAny(b.Tps)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO blocks (
			block_number, block_hash, parent_hash, "timestamp",
			gas_used, gas_limit, tx_count, base_fee_gwei,
			min_priority_fee_gwei, max_priority_fee_gwei, median_priority_fee_gwei,
			avg_priority_fee_gwei, total_priority_fee_gwei,
			block_time_sec, mgas_per_sec, tps
		)
		SELECT * FROM UNNEST(
			$1::BIGINT[], $2::TEXT[], $3::TEXT[], $4::TIMESTAMPTZ[],
			$5::BIGINT[], $6::BIGINT[], $7::INT[], $8::DOUBLE PRECISION[],
			$9::DOUBLE PRECISION[], $10::DOUBLE PRECISION[], $11::DOUBLE PRECISION[],
			$12::DOUBLE PRECISION[], $13::DOUBLE PRECISION[],
			$14::DOUBLE PRECISION[], $15::DOUBLE PRECISION[], $16::DOUBLE PRECISION[]
		)
		ON CONFLICT (block_number) DO NOTHING
	`,
		numbers, hashes, parentHashes, timestamps,
		gasUsed, gasLimit, txCounts, baseFeeGwei,
		minPF, maxPF, medianPF,
		avgPF, totalPF,
		blockTime, mgasPerSec, tps,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting blocks: %w", err)
	}
	inserted = int(tag.RowsAffected())

	minNum, maxNum := blocks[0].Number, blocks[0].Number
	for _, b := range blocks {
		if b.Number < minNum {
			minNum = b.Number
		}
		if b.Number > maxNum {
			maxNum = b.Number
		}
	}
	if err := s.UpdateTableStatsTx(ctx, tx, BlocksTable, minNum, maxNum, uint64(inserted)); err != nil {
		return 0, err
	}
	if err := s.SetCursorTx(ctx, tx, serviceName, cursorPosition, cursorHash); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert blocks tx: %w", err)
	}
	return inserted, nil
}

func ptrToAny(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// GetBlockByNumber reads one stored block row, used by the reorg handler
// to compare against the current on-chain hash at that height.
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (*models.Block, error) {
	var b models.Block
	b.Number = number
	err := s.db.QueryRow(ctx, `
		SELECT block_hash, parent_hash, "timestamp", finalized
		FROM blocks WHERE block_number = $1
	`, number).Scan(&b.Hash, &b.ParentHash, &b.Timestamp, &b.Finalized)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", number, err)
	}
	return &b, nil
}

// HighestBlock returns the highest stored block's (number, hash), used at
// startup when no cursor row exists yet but blocks have already been
// indexed by a prior process incarnation.
func (s *Store) HighestBlock(ctx context.Context) (number uint64, hash string, ok bool, err error) {
	err = s.db.QueryRow(ctx, `SELECT block_number, block_hash FROM blocks ORDER BY block_number DESC LIMIT 1`).Scan(&number, &hash)
	if err == pgx.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("reading highest block: %w", err)
	}
	return number, hash, true, nil
}

// LowestBlock returns the lowest stored block's (number, hash), used by
// the block backfiller to resume walking downward.
func (s *Store) LowestBlock(ctx context.Context) (number uint64, hash string, ok bool, err error) {
	err = s.db.QueryRow(ctx, `SELECT block_number, block_hash FROM blocks ORDER BY block_number ASC LIMIT 1`).Scan(&number, &hash)
	if err == pgx.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("reading lowest block: %w", err)
	}
	return number, hash, true, nil
}

// UpdateBlockMetrics applies receipt-derived priority-fee fields onto an
// already-stored block row. The live path enriches before insert and never
// calls this; the historical fee backfiller uses it to repair rows that
// were stored without receipt-derived metrics.
func (s *Store) UpdateBlockMetrics(ctx context.Context, number uint64, m models.Block) error {
	_, err := s.db.Exec(ctx, `
		UPDATE blocks SET
			min_priority_fee_gwei = $2,
			max_priority_fee_gwei = $3,
			median_priority_fee_gwei = $4,
			avg_priority_fee_gwei = $5,
			total_priority_fee_gwei = $6
		WHERE block_number = $1
	`, number, ptrToAny(m.MinPriorityFeeGwei), ptrToAny(m.MaxPriorityFeeGwei), ptrToAny(m.MedianPriorityFeeGwei), ptrToAny(m.AvgPriorityFeeGwei), ptrToAny(m.TotalPriorityFeeGwei))
	if err != nil {
		return fmt.Errorf("updating block %d metrics: %w", number, err)
	}
	return nil
}

// FeeBackfillCandidate is one row returned by BlocksMissingReceiptMetrics:
// just enough to re-derive priority-fee metrics from freshly-fetched
// receipts without re-reading the full block row.
type FeeBackfillCandidate struct {
	Number      uint64
	BaseFeeGwei float64
}

// BlocksMissingReceiptMetrics returns up to limit blocks in [from, to]
// whose priority-fee fields are still null despite having transactions:
// the historical priority-fee backfiller's candidate query.
func (s *Store) BlocksMissingReceiptMetrics(ctx context.Context, from, to uint64, limit int) ([]FeeBackfillCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT block_number, base_fee_gwei FROM blocks
		WHERE block_number BETWEEN $1 AND $2
		  AND tx_count > 0
		  AND (avg_priority_fee_gwei IS NULL OR total_priority_fee_gwei IS NULL)
		ORDER BY block_number ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("querying blocks missing receipt metrics: %w", err)
	}
	defer rows.Close()

	var out []FeeBackfillCandidate
	for rows.Next() {
		var c FeeBackfillCandidate
		if err := rows.Scan(&c.Number, &c.BaseFeeGwei); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
