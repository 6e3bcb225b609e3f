package ingest

import (
	"context"
	"time"

	"ingestd/internal/chainutil"
	"ingestd/internal/finality"
	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/repository"
	"ingestd/internal/workerstatus"
)

// MilestoneBackfillerConfig configures one MilestoneBackfiller instance.
type MilestoneBackfillerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Target       uint64
}

// MilestoneBackfiller walks backward from the lowest stored sequence id
// toward Target, symmetric to the block backfiller, and
// invokes the finality writer for every milestone it fetches so
// historical blocks get their finality tuple regardless of which
// direction they were indexed from.
type MilestoneBackfiller struct {
	oracle   OracleClient
	store    *repository.Store
	finality *finality.Writer
	status   *workerstatus.Tracker
	log      *obslog.Logger
	cfg      MilestoneBackfillerConfig
}

func NewMilestoneBackfiller(oracle OracleClient, store *repository.Store, fw *finality.Writer, status *workerstatus.Tracker, log *obslog.Logger, cfg MilestoneBackfillerConfig) *MilestoneBackfiller {
	return &MilestoneBackfiller{oracle: oracle, store: store, finality: fw, status: status, log: log.With("worker", "milestone_backfiller"), cfg: cfg}
}

func (w *MilestoneBackfiller) Run(ctx context.Context) {
	defer w.status.SetStopped(repository.MilestoneBackfillerService)

	cur, err := w.startPosition(ctx)
	if err != nil {
		w.log.Errorw("failed to determine start position", "error", err)
		w.status.SetError(repository.MilestoneBackfillerService, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if cur <= w.cfg.Target {
			w.status.SetIdle(repository.MilestoneBackfillerService)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		advanced, err := w.tick(ctx, cur)
		if err != nil {
			w.log.Errorw("tick failed", "cursor", cur, "error", err)
			w.status.SetError(repository.MilestoneBackfillerService, err)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		w.status.SetRunning(repository.MilestoneBackfillerService)
		cur = advanced
	}
}

func (w *MilestoneBackfiller) startPosition(ctx context.Context) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, repository.MilestoneBackfillerService)
	if err != nil {
		return 0, err
	}
	if ok {
		if cursor.LastPosition == 0 {
			return 0, nil
		}
		return cursor.LastPosition - 1, nil
	}
	lowest, found, err := w.store.LowestMilestone(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		if lowest == 0 {
			return 0, nil
		}
		return lowest - 1, nil
	}
	return w.cfg.Target, nil
}

func (w *MilestoneBackfiller) tick(ctx context.Context, cur uint64) (uint64, error) {
	low := w.cfg.Target
	if cur >= uint64(w.cfg.BatchSize) && cur-uint64(w.cfg.BatchSize)+1 > low {
		low = cur - uint64(w.cfg.BatchSize) + 1
	}
	seqIDs := chainutil.Uint64Range(low, cur)

	fetched, err := w.oracle.Milestones(ctx, seqIDs)
	if err != nil {
		return cur, err
	}

	// Gap detection: every id in [low, cur] must be present before any of
	// this window is accepted, otherwise the backward walk would silently
	// skip a sequence id it can never revisit (it only moves downward).
	for _, id := range seqIDs {
		if _, ok := fetched[id]; !ok {
			w.log.Warnw("milestone sequence gap detected, holding cursor", "missing", id, "low", low, "cur", cur)
			return cur, nil
		}
	}

	milestones := make([]models.Milestone, 0, len(seqIDs))
	for _, id := range seqIDs {
		milestones = append(milestones, fetched[id])
	}

	newCursor := uint64(0)
	if low > 0 {
		newCursor = low - 1
	}
	// The persisted cursor is the lowest sequence id processed;
	// startPosition resumes one below it.
	inserted, err := w.store.InsertMilestones(ctx, repository.MilestoneBackfillerService, milestones, low)
	if err != nil {
		return cur, err
	}
	w.log.Infow("backfilled milestones", "from", low, "to", cur, "inserted", inserted)

	for _, m := range milestones {
		if err := w.finality.Reconcile(ctx, m); err != nil {
			w.log.Errorw("finality reconcile failed", "sequenceId", m.SequenceID, "error", err)
		}
	}

	return newCursor, nil
}
