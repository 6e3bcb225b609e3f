// Package finality reconciles milestones observed from the consensus
// oracle against the stored block view: every block a milestone covers
// gets a block_finality row, and recently-touched blocks get their
// finality tuple filled in. Grounded on the upstream service's
// checkpoint-plus-derived-table update shape, narrowed to the single
// "oracle attests a range, mark it final" operation this engine needs.
package finality

import (
	"context"
	"fmt"
	"time"

	"ingestd/internal/chainutil"
	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/pushsink"
)

// WarmWindow bounds how far back TouchBlocksFinality rewrites already-
// stored rows; block rows older than that are not updated, and their
// finality is recorded only in block_finality.
const WarmWindow = 10 * 24 * time.Hour

// TipWindowBlocks is how many blocks immediately before a milestone's
// end_block get pushed to the real-time sink as a "tip finalized"
// event: enough for a live dashboard to show the freshly-final edge
// without pushing the whole (potentially large) milestone range.
const TipWindowBlocks = 30

// Store is the subset of repository.Store the writer needs.
type Store interface {
	BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]time.Time, error)
	InsertBlockFinality(ctx context.Context, rows []models.BlockFinality) error
	TouchBlocksFinality(ctx context.Context, warmSince time.Time) (int, error)
	BlocksFinalizedBetween(ctx context.Context, start, end uint64) ([]models.Block, error)
}

// Writer reconciles one milestone at a time.
type Writer struct {
	store Store
	sink  *pushsink.Sink
	log   *obslog.Logger
}

func New(store Store, sink *pushsink.Sink, log *obslog.Logger) *Writer {
	return &Writer{store: store, sink: sink, log: log}
}

// Reconcile builds, for milestone m, a
// block_finality row for every block in [m.StartBlock, m.EndBlock],
// computing time_to_finality_sec for any block whose timestamp is
// already known, insert them (fill-null-only on conflict), then touch
// recently-stored blocks' finality tuple and push the tip window.
func (w *Writer) Reconcile(ctx context.Context, m models.Milestone) error {
	lo, hi := m.StartBlock, m.EndBlock
	if hi < lo {
		return fmt.Errorf("finality: milestone %d has end_block %d before start_block %d", m.SequenceID, hi, lo)
	}

	numbers := chainutil.Uint64Range(lo, hi)
	timestamps, err := w.store.BlockTimestamps(ctx, numbers)
	if err != nil {
		return fmt.Errorf("looking up block timestamps for milestone %d: %w", m.SequenceID, err)
	}

	rows := make([]models.BlockFinality, 0, len(numbers))
	for _, n := range numbers {
		row := models.BlockFinality{
			BlockNumber: n,
			MilestoneID: m.MilestoneID,
			FinalizedAt: m.Timestamp,
		}
		if ts, ok := timestamps[n]; ok {
			d := m.Timestamp.Sub(ts).Seconds()
			if d >= 0 {
				row.TimeToFinalitySec = &d
			}
		}
		rows = append(rows, row)
	}

	if err := w.store.InsertBlockFinality(ctx, rows); err != nil {
		return fmt.Errorf("inserting block_finality rows for milestone %d: %w", m.SequenceID, err)
	}

	touched, err := w.store.TouchBlocksFinality(ctx, time.Now().Add(-WarmWindow))
	if err != nil {
		return fmt.Errorf("touching blocks finality after milestone %d: %w", m.SequenceID, err)
	}
	w.log.Infow("milestone reconciled", "sequenceId", m.SequenceID, "startBlock", lo, "endBlock", hi, "touched", touched)

	tipStart := hi
	if hi >= TipWindowBlocks && hi-TipWindowBlocks+1 > lo {
		tipStart = hi - TipWindowBlocks + 1
	} else {
		tipStart = lo
	}
	tipBlocks, err := w.store.BlocksFinalizedBetween(ctx, tipStart, hi)
	if err != nil {
		w.log.Warnw("could not load tip window for push", "sequenceId", m.SequenceID, "error", err)
		return nil
	}
	if len(tipBlocks) > 0 {
		w.sink.Push(ctx, "finality.tip", tipBlocks)
	}
	return nil
}
