package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ingestd/internal/models"
)

const (
	MilestoneIndexerService    = "milestone_indexer"
	MilestoneBackfillerService = "milestone_backfiller"
	MilestonesTable            = "milestones"
)

// InsertMilestones bulk-inserts milestones keyed on sequence_id with
// ON CONFLICT DO NOTHING (milestones are immutable once observed: the
// oracle never revises a sequence id), advancing the owning cursor in
// the same transaction.
func (s *Store) InsertMilestones(ctx context.Context, serviceName string, milestones []models.Milestone, cursorPosition uint64) (inserted int, err error) {
	if len(milestones) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert milestones tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seqIDs := make([]int64, len(milestones))
	milestoneIDs := make([]int64, len(milestones))
	starts := make([]int64, len(milestones))
	ends := make([]int64, len(milestones))
	hashes := make([]string, len(milestones))
	proposers := make([]any, len(milestones))
	timestamps := make([]any, len(milestones))

	for i, m := range milestones {
		seqIDs[i] = int64(m.SequenceID)
		milestoneIDs[i] = int64(m.MilestoneID)
		starts[i] = int64(m.StartBlock)
		ends[i] = int64(m.EndBlock)
		hashes[i] = m.Hash
		if m.Proposer != nil {
			proposers[i] = *m.Proposer
		}
		timestamps[i] = m.Timestamp
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO milestones (sequence_id, milestone_id, start_block, end_block, hash, proposer, "timestamp")
		SELECT * FROM UNNEST(
			$1::BIGINT[], $2::BIGINT[], $3::BIGINT[], $4::BIGINT[], $5::TEXT[], $6::TEXT[], $7::TIMESTAMPTZ[]
		)
		ON CONFLICT (sequence_id) DO NOTHING
	`, seqIDs, milestoneIDs, starts, ends, hashes, proposers, timestamps)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting milestones: %w", err)
	}
	inserted = int(tag.RowsAffected())

	minSeq, maxSeq := milestones[0].SequenceID, milestones[0].SequenceID
	for _, m := range milestones {
		if m.SequenceID < minSeq {
			minSeq = m.SequenceID
		}
		if m.SequenceID > maxSeq {
			maxSeq = m.SequenceID
		}
	}
	if err := s.UpdateTableStatsTx(ctx, tx, MilestonesTable, minSeq, maxSeq, uint64(inserted)); err != nil {
		return 0, err
	}
	if err := s.SetCursorTx(ctx, tx, serviceName, cursorPosition, ""); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert milestones tx: %w", err)
	}
	return inserted, nil
}

// RecentSequenceIDs returns the N highest sequence ids already stored,
// used to seed the milestone indexer's in-memory LRU of recently-seen
// ids for the predecessor/gap check.
func (s *Store) RecentSequenceIDs(ctx context.Context, limit int) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sequence_id FROM milestones ORDER BY sequence_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent sequence ids: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HighestMilestone returns the highest stored milestone's sequence id.
func (s *Store) HighestMilestone(ctx context.Context) (sequenceID uint64, ok bool, err error) {
	err = s.db.QueryRow(ctx, `SELECT sequence_id FROM milestones ORDER BY sequence_id DESC LIMIT 1`).Scan(&sequenceID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading highest milestone: %w", err)
	}
	return sequenceID, true, nil
}

// LowestMilestone returns the lowest stored milestone's sequence id, used
// by the milestone backfiller to resume walking downward.
func (s *Store) LowestMilestone(ctx context.Context) (sequenceID uint64, ok bool, err error) {
	err = s.db.QueryRow(ctx, `SELECT sequence_id FROM milestones ORDER BY sequence_id ASC LIMIT 1`).Scan(&sequenceID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading lowest milestone: %w", err)
	}
	return sequenceID, true, nil
}
