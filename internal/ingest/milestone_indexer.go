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

// OracleClient is the subset of oracleclient.Client the milestone
// indexer needs.
type OracleClient interface {
	Count(ctx context.Context) (uint64, error)
	Milestones(ctx context.Context, seqIDs []uint64) (map[uint64]models.Milestone, error)
}

// seenCache is a small fixed-capacity LRU of recently-observed sequence
// ids, seeded from storage at startup, used for the predecessor/gap
// check without re-querying the store on every tick.
type seenCache struct {
	capacity int
	order    []uint64
	have     map[uint64]bool
}

func newSeenCache(capacity int, seed []uint64) *seenCache {
	c := &seenCache{capacity: capacity, have: make(map[uint64]bool, capacity)}
	for _, id := range seed {
		c.add(id)
	}
	return c
}

func (c *seenCache) add(id uint64) {
	if c.have[id] {
		return
	}
	c.have[id] = true
	c.order = append(c.order, id)
	if len(c.order) > c.capacity {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.have, evict)
	}
}

func (c *seenCache) contains(id uint64) bool { return c.have[id] }

// MilestoneIndexerConfig configures one MilestoneIndexer instance.
type MilestoneIndexerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// MilestoneIndexer is the forward milestone worker:
type MilestoneIndexer struct {
	oracle   OracleClient
	store    *repository.Store
	finality *finality.Writer
	status   *workerstatus.Tracker
	log      *obslog.Logger
	cfg      MilestoneIndexerConfig
	seen     *seenCache
}

func NewMilestoneIndexer(oracle OracleClient, store *repository.Store, fw *finality.Writer, status *workerstatus.Tracker, log *obslog.Logger, cfg MilestoneIndexerConfig) *MilestoneIndexer {
	return &MilestoneIndexer{oracle: oracle, store: store, finality: fw, status: status, log: log.With("worker", "milestone_indexer"), cfg: cfg}
}

func (w *MilestoneIndexer) Run(ctx context.Context) {
	defer w.status.SetStopped(repository.MilestoneIndexerService)

	recent, err := w.store.RecentSequenceIDs(ctx, 256)
	if err != nil {
		w.log.Errorw("failed to seed seen cache", "error", err)
		w.status.SetError(repository.MilestoneIndexerService, err)
		return
	}
	w.seen = newSeenCache(256, recent)

	next, err := w.startPosition(ctx)
	if err != nil {
		w.log.Errorw("failed to determine start position", "error", err)
		w.status.SetError(repository.MilestoneIndexerService, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		advanced, err := w.tick(ctx, next)
		if err != nil {
			w.log.Errorw("tick failed", "next", next, "error", err)
			w.status.SetError(repository.MilestoneIndexerService, err)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		if advanced == next {
			w.status.SetIdle(repository.MilestoneIndexerService)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		w.status.SetRunning(repository.MilestoneIndexerService)
		next = advanced
	}
}

func (w *MilestoneIndexer) startPosition(ctx context.Context) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, repository.MilestoneIndexerService)
	if err != nil {
		return 0, err
	}
	if ok {
		return cursor.LastPosition + 1, nil
	}
	highest, found, err := w.store.HighestMilestone(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		return highest + 1, nil
	}
	return 1, nil
}

func (w *MilestoneIndexer) tick(ctx context.Context, next uint64) (uint64, error) {
	count, err := w.oracle.Count(ctx)
	if err != nil {
		return next, err
	}
	if count < next {
		return next, nil
	}

	last := chainutil.MinUint64(count, next+uint64(w.cfg.BatchSize)-1)
	seqIDs := chainutil.Uint64Range(next, last)

	fetched, err := w.oracle.Milestones(ctx, seqIDs)
	if err != nil {
		return next, err
	}

	// Gap detection (first pass): every id in [next, last] must be present
	// in the response before anything is accepted. A missing id means the
	// batch is incomplete; stop here and retry the same range next tick
	// rather than advance past the gap.
	for _, id := range seqIDs {
		if _, ok := fetched[id]; !ok {
			w.log.Warnw("milestone sequence gap detected, holding cursor", "expected", id, "next", next, "last", last)
			return next, nil
		}
	}

	// Predecessor check: the id immediately before this batch must already
	// be known (from the seen cache seeded at startup, or genesis). If it
	// isn't, the worker's own view of the chain is incomplete; stop rather
	// than stitch onto an unverified predecessor.
	if next > 1 && !w.seen.contains(next-1) {
		w.log.Warnw("milestone predecessor unknown, holding cursor", "predecessor", next-1, "next", next)
		return next, nil
	}

	milestones := make([]models.Milestone, 0, len(seqIDs))
	for _, id := range seqIDs {
		milestones = append(milestones, fetched[id])
		w.seen.add(id)
	}

	lastMilestone := milestones[len(milestones)-1]
	inserted, err := w.store.InsertMilestones(ctx, repository.MilestoneIndexerService, milestones, lastMilestone.SequenceID)
	if err != nil {
		return next, err
	}
	w.log.Infow("indexed milestones", "from", milestones[0].SequenceID, "to", lastMilestone.SequenceID, "inserted", inserted)

	for _, m := range milestones {
		if err := w.finality.Reconcile(ctx, m); err != nil {
			w.log.Errorw("finality reconcile failed", "sequenceId", m.SequenceID, "error", err)
		}
	}

	return lastMilestone.SequenceID + 1, nil
}
