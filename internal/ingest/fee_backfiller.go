package ingest

import (
	"context"
	"math/big"
	"time"

	"ingestd/internal/chainutil"
	"ingestd/internal/metrics"
	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/repository"
	"ingestd/internal/workerstatus"
)

const HistoricalFeeBackfillerService = "historical_fee_backfiller"

// HistoricalFeeBackfillerConfig configures one HistoricalFeeBackfiller.
type HistoricalFeeBackfillerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Target       uint64
}

// HistoricalFeeBackfiller repairs blocks the live and backward-fill
// paths left with incomplete priority-fee metrics: a distinct cursor
// that starts at the store's current highest block (if no cursor is
// persisted yet) and walks downward toward Target in windows of
// 10*BatchSize blocks, looking for blocks with transactions whose
// priority-fee fields are still null (the live/backfill paths left them
// null because the reliable receipt fetch timed out or was skipped),
// fetches receipts for just those blocks with a plain (non-reliable)
// fan-out, and writes back whatever it could get. Walking down from the
// tip repairs the freshest rows first, while their receipts are still
// likely retrievable, before older rows age out of node history. Unlike
// the forward workers this one is allowed to make partial progress per
// tick: a block that still can't get its receipts simply stays a
// candidate for the next pass.
type HistoricalFeeBackfiller struct {
	chain  ChainClient
	store  *repository.Store
	status *workerstatus.Tracker
	log    *obslog.Logger
	cfg    HistoricalFeeBackfillerConfig
}

func NewHistoricalFeeBackfiller(chain ChainClient, store *repository.Store, status *workerstatus.Tracker, log *obslog.Logger, cfg HistoricalFeeBackfillerConfig) *HistoricalFeeBackfiller {
	return &HistoricalFeeBackfiller{chain: chain, store: store, status: status, log: log.With("worker", "historical_fee_backfiller"), cfg: cfg}
}

func (w *HistoricalFeeBackfiller) Run(ctx context.Context) {
	defer w.status.SetStopped(HistoricalFeeBackfillerService)

	cur, err := w.startPosition(ctx)
	if err != nil {
		w.log.Errorw("failed to determine start position", "error", err)
		w.status.SetError(HistoricalFeeBackfillerService, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if cur <= w.cfg.Target {
			w.status.SetIdle(HistoricalFeeBackfillerService)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}

		advanced, err := w.tick(ctx, cur)
		if err != nil {
			w.log.Errorw("tick failed", "cursor", cur, "error", err)
			w.status.SetError(HistoricalFeeBackfillerService, err)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		if advanced == cur {
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
		}
		w.status.SetRunning(HistoricalFeeBackfillerService)
		cur = advanced
		if err := w.store.SetCursor(ctx, HistoricalFeeBackfillerService, cur, ""); err != nil {
			w.log.Errorw("failed to persist cursor", "cursor", cur, "error", err)
		}
	}
}

func (w *HistoricalFeeBackfiller) startPosition(ctx context.Context) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, HistoricalFeeBackfillerService)
	if err != nil {
		return 0, err
	}
	if ok {
		return cursor.LastPosition, nil
	}
	highest, _, found, err := w.store.HighestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		return highest, nil
	}
	return w.cfg.Target, nil
}

func (w *HistoricalFeeBackfiller) tick(ctx context.Context, cur uint64) (uint64, error) {
	windowSize := uint64(10 * w.cfg.BatchSize)
	low := w.cfg.Target
	if cur > windowSize && cur-windowSize > low {
		low = cur - windowSize
	}

	candidates, err := w.store.BlocksMissingReceiptMetrics(ctx, low, cur, w.cfg.BatchSize)
	if err != nil {
		return cur, err
	}

	nextCur := low
	if low > 0 {
		nextCur = low - 1
	}

	if len(candidates) == 0 {
		return nextCur, nil
	}

	numbers := make([]uint64, len(candidates))
	baseFeeByBlock := make(map[uint64]float64, len(candidates))
	for i, c := range candidates {
		numbers[i] = c.Number
		baseFeeByBlock[c.Number] = c.BaseFeeGwei
	}

	receiptsByBlock, err := w.chain.ReceiptsByBlocks(ctx, numbers)
	if err != nil {
		w.log.Warnw("plain receipt fan-out failed", "error", err)
		return cur, nil
	}

	updated := 0
	for _, number := range numbers {
		receipts, ok := receiptsByBlock[number]
		if !ok || len(receipts) == 0 {
			continue
		}
		m := metrics.ComputeReceiptMetrics(receiptInputFromReceipts(receipts, baseFeeByBlock[number]))
		block := models.Block{
			MinPriorityFeeGwei:    m.MinPriorityFeeGwei,
			MaxPriorityFeeGwei:    m.MaxPriorityFeeGwei,
			MedianPriorityFeeGwei: m.MedianPriorityFeeGwei,
			AvgPriorityFeeGwei:    m.AvgPriorityFeeGwei,
			TotalPriorityFeeGwei:  m.TotalPriorityFeeGwei,
		}
		if err := w.store.UpdateBlockMetrics(ctx, number, block); err != nil {
			w.log.Errorw("failed to update block metrics", "block", number, "error", err)
			continue
		}
		updated++
	}
	w.log.Infow("historical fee backfill tick", "window", []uint64{low, cur}, "candidates", len(candidates), "updated", updated)

	// Stay on this window until a query finds no candidates left in it.
	return cur, nil
}

func receiptInputFromReceipts(receipts []models.Receipt, baseFeeGwei float64) metrics.ReceiptInput {
	prices := make([]*big.Int, len(receipts))
	gasUsed := make([]*big.Int, len(receipts))
	for i, r := range receipts {
		prices[i] = parseDecimalOrZeroLocal(r.EffectiveGasPrice)
		gasUsed[i] = new(big.Int).SetUint64(r.GasUsed)
	}
	f := new(big.Float).Mul(big.NewFloat(baseFeeGwei), big.NewFloat(1e9))
	baseFeeWei, _ := f.Int(nil)
	return metrics.ReceiptInput{EffectiveGasPrices: prices, GasUsed: gasUsed, BaseFeeWei: baseFeeWei}
}

func parseDecimalOrZeroLocal(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
