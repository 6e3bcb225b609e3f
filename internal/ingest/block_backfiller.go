package ingest

import (
	"context"
	"sort"
	"time"

	"ingestd/internal/chainutil"
	"ingestd/internal/enrich"
	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/pushsink"
	"ingestd/internal/repository"
	"ingestd/internal/workerstatus"
)

// BlockBackfillerConfig configures one BlockBackfiller instance.
type BlockBackfillerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Target       uint64 // backfiller stops once it reaches this height (inclusive)
}

// BlockBackfiller walks backward from the lowest stored block toward
// Target: no reorg check (history below the live edge is
// assumed settled), inserts use ON CONFLICT DO NOTHING, and the first
// block in a batch leaves block_time_sec null since its predecessor's
// timestamp is outside the fetched window.
type BlockBackfiller struct {
	chain  ChainClient
	store  *repository.Store
	sink   *pushsink.Sink
	status *workerstatus.Tracker
	log    *obslog.Logger
	cfg    BlockBackfillerConfig
}

func NewBlockBackfiller(chain ChainClient, store *repository.Store, sink *pushsink.Sink, status *workerstatus.Tracker, log *obslog.Logger, cfg BlockBackfillerConfig) *BlockBackfiller {
	return &BlockBackfiller{chain: chain, store: store, sink: sink, status: status, log: log.With("worker", "block_backfiller"), cfg: cfg}
}

func (w *BlockBackfiller) Run(ctx context.Context) {
	defer w.status.SetStopped(repository.BlockBackfillerService)

	cur, err := w.startPosition(ctx)
	if err != nil {
		w.log.Errorw("failed to determine start position", "error", err)
		w.status.SetError(repository.BlockBackfillerService, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if cur <= w.cfg.Target {
			w.status.SetIdle(repository.BlockBackfillerService)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		advanced, err := w.tick(ctx, cur)
		if err != nil {
			w.log.Errorw("tick failed", "cursor", cur, "error", err)
			w.status.SetError(repository.BlockBackfillerService, err)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		w.status.SetRunning(repository.BlockBackfillerService)
		cur = advanced
	}
}

func (w *BlockBackfiller) startPosition(ctx context.Context) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, repository.BlockBackfillerService)
	if err != nil {
		return 0, err
	}
	if ok {
		if cursor.LastPosition == 0 {
			return 0, nil
		}
		return cursor.LastPosition - 1, nil
	}
	lowest, _, found, err := w.store.LowestBlock(ctx)
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

// tick fetches the batch [max(Target, cur-BatchSize+1), cur], inserts it,
// and returns the new (lower) cursor position.
func (w *BlockBackfiller) tick(ctx context.Context, cur uint64) (uint64, error) {
	low := w.cfg.Target
	if cur >= uint64(w.cfg.BatchSize) && cur-uint64(w.cfg.BatchSize)+1 > low {
		low = cur - uint64(w.cfg.BatchSize) + 1
	}
	numbers := chainutil.Uint64Range(low, cur)

	fetched, err := w.chain.BlocksByNumbers(ctx, numbers, true)
	if err != nil {
		return cur, err
	}
	blocks := make([]models.Block, 0, len(fetched))
	for _, n := range numbers {
		if b, ok := fetched[n]; ok {
			blocks = append(blocks, *b)
		}
	}
	if len(blocks) == 0 {
		return cur, nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Number < blocks[j].Number })

	var prevTimestamp int64 // left zero: the block preceding `low` was not fetched
	for i := range blocks {
		blocks[i] = computeBlockMetrics(blocks[i], prevTimestamp)
		prevTimestamp = blocks[i].Timestamp.Unix()
	}

	enrichCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	_ = enrich.Reliably(enrichCtx, w.chain, blocks)
	cancel()

	newCursor := uint64(0)
	if low > 0 {
		newCursor = low - 1
	}
	// The persisted cursor is the lowest height processed; startPosition
	// resumes one below it.
	inserted, err := w.store.InsertBlocks(ctx, repository.BlockBackfillerService, blocks, low, "")
	if err != nil {
		return cur, err
	}
	w.log.Infow("backfilled blocks", "from", low, "to", blocks[len(blocks)-1].Number, "inserted", inserted)
	w.sink.Push(ctx, "blocks.backfilled", blocks)

	return newCursor, nil
}
