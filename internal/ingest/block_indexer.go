// Package ingest holds the five long-running workers that walk the
// chain and the finality oracle: two forward indexers tailing the live
// edge, two backward backfillers filling in history, and a historical
// priority-fee backfiller that repairs rows the live path left
// incomplete. Each worker owns exactly one cursor and loops until its
// context is cancelled, grounded on the upstream service's
// poll-fetch-persist-sleep worker shape.
package ingest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"ingestd/internal/chainutil"
	"ingestd/internal/enrich"
	"ingestd/internal/finality"
	"ingestd/internal/metrics"
	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/pushsink"
	"ingestd/internal/reorg"
	"ingestd/internal/repository"
	"ingestd/internal/workerstatus"
)

// ChainClient is the subset of rpcclient.Client the block indexer needs.
type ChainClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlocksByNumbers(ctx context.Context, numbers []uint64, withTxs bool) (map[uint64]*models.Block, error)
	ReceiptsByBlocks(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error)
	ReceiptsByBlocksReliably(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error)
}

// reorgChainAdapter satisfies reorg.ChainReader by re-fetching a single
// block for its hash/parent-hash pair. The reorg walk is expected to be
// rare and shallow, so re-fetching one block at a time rather than
// threading a batched path through the detector keeps that package
// simple.
type reorgChainAdapter struct{ chain ChainClient }

func (a reorgChainAdapter) BlockHashAndParent(ctx context.Context, number uint64) (string, string, error) {
	got, err := a.chain.BlocksByNumbers(ctx, []uint64{number}, false)
	if err != nil {
		return "", "", err
	}
	b, ok := got[number]
	if !ok {
		return "", "", errNotFound(number)
	}
	return b.Hash, b.ParentHash, nil
}

type errNotFound uint64

func (e errNotFound) Error() string { return "block not found during reorg walk" }

// reorgStoreAdapter adapts repository.Store's *models.Block-returning
// method to reorg.Store's narrower BlockRef shape.
type reorgStoreAdapter struct{ store *repository.Store }

func (a reorgStoreAdapter) GetBlockByNumber(ctx context.Context, number uint64) (*reorg.BlockRef, error) {
	b, err := a.store.GetBlockByNumber(ctx, number)
	if err != nil || b == nil {
		return nil, err
	}
	return &reorg.BlockRef{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}, nil
}

func (a reorgStoreAdapter) AnyFinalizedAtOrAbove(ctx context.Context, height uint64) (bool, error) {
	return a.store.AnyFinalizedAtOrAbove(ctx, height)
}

func (a reorgStoreAdapter) ArchiveAndDeleteFromHeight(ctx context.Context, fromHeight uint64, replacedByHash string) (int, error) {
	return a.store.ArchiveAndDeleteFromHeight(ctx, fromHeight, replacedByHash)
}

// NewReorgDetector wires a reorg.Detector over a repository.Store and an
// rpcclient.Client, the wiring every forward worker that needs reorg
// protection shares.
func NewReorgDetector(store *repository.Store, chain ChainClient, maxDepth uint64, log *obslog.Logger) *reorg.Detector {
	return reorg.New(reorgStoreAdapter{store: store}, reorgChainAdapter{chain: chain}, maxDepth, log)
}

// BlockIndexerConfig configures one BlockIndexer instance.
type BlockIndexerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxReorgDepth  uint64
	EnrichDeadline time.Duration
}

// BlockIndexer is the forward (live) block worker:
type BlockIndexer struct {
	chain  ChainClient
	store  *repository.Store
	reorg  *reorg.Detector
	sink   *pushsink.Sink
	status *workerstatus.Tracker
	log    *obslog.Logger
	cfg    BlockIndexerConfig
}

func NewBlockIndexer(chain ChainClient, store *repository.Store, detector *reorg.Detector, sink *pushsink.Sink, status *workerstatus.Tracker, log *obslog.Logger, cfg BlockIndexerConfig) *BlockIndexer {
	return &BlockIndexer{chain: chain, store: store, reorg: detector, sink: sink, status: status, log: log.With("worker", "block_indexer"), cfg: cfg}
}

// Run loops until ctx is cancelled: fetch the tip, fetch up to BatchSize
// missing blocks, sort, reorg-check, enrich, insert, reconcile finality
// for the warm window, advance the cursor, sleep.
func (w *BlockIndexer) Run(ctx context.Context) {
	defer w.status.SetStopped(repository.BlockIndexerService)

	next, err := w.startPosition(ctx)
	if err != nil {
		w.log.Errorw("failed to determine start position", "error", err)
		w.status.SetError(repository.BlockIndexerService, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		advanced, err := w.tick(ctx, next)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.Errorw("tick failed", "next", next, "error", err)
			w.status.SetError(repository.BlockIndexerService, err)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		if advanced == next {
			w.status.SetIdle(repository.BlockIndexerService)
			if sleepErr := chainutil.SleepContext(ctx, w.cfg.PollInterval); sleepErr != nil {
				return
			}
			continue
		}
		w.status.SetRunning(repository.BlockIndexerService)
		next = advanced
	}
}

func (w *BlockIndexer) startPosition(ctx context.Context) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, repository.BlockIndexerService)
	if err != nil {
		return 0, err
	}
	if ok {
		return cursor.LastPosition + 1, nil
	}
	highest, _, found, err := w.store.HighestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		return highest + 1, nil
	}
	return 0, nil
}

// tick processes one batch starting at next, returning the new cursor
// position (equal to next if there was nothing new to do).
func (w *BlockIndexer) tick(ctx context.Context, next uint64) (uint64, error) {
	tip, err := w.chain.LatestBlockNumber(ctx)
	if err != nil {
		return next, err
	}
	if tip < next {
		return next, nil
	}

	last := chainutil.MinUint64(tip, next+uint64(w.cfg.BatchSize)-1)
	numbers := chainutil.Uint64Range(next, last)

	fetched, err := w.chain.BlocksByNumbers(ctx, numbers, true)
	if err != nil {
		return next, err
	}
	blocks := make([]models.Block, 0, len(fetched))
	for _, n := range numbers {
		if b, ok := fetched[n]; ok {
			blocks = append(blocks, *b)
		}
	}
	if len(blocks) == 0 {
		return next, nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Number < blocks[j].Number })

	first := blocks[0]
	if res, err := w.reorg.Check(ctx, first.Number, first.Hash, first.ParentHash); err != nil {
		return next, err
	} else if res.Reorged {
		w.log.Warnw("reorg handled before insert", "rewindToBlock", res.RewindToBlock, "archived", res.Archived)
		return res.RewindToBlock, nil
	}

	var prevTimestamp int64
	if next > 0 {
		if prior, err := w.store.GetBlockByNumber(ctx, next-1); err == nil && prior != nil {
			prevTimestamp = prior.Timestamp.Unix()
		}
	}
	for i := range blocks {
		blocks[i] = computeBlockMetrics(blocks[i], prevTimestamp)
		prevTimestamp = blocks[i].Timestamp.Unix()
	}

	enrichCtx, cancel := context.WithTimeout(ctx, w.cfg.EnrichDeadline)
	if err := enrich.Reliably(enrichCtx, w.chain, blocks); err != nil && ctx.Err() != nil {
		cancel()
		return next, err
	}
	cancel()

	lastBlock := blocks[len(blocks)-1]
	inserted, err := w.store.InsertBlocks(ctx, repository.BlockIndexerService, blocks, lastBlock.Number, lastBlock.Hash)
	if err != nil {
		return next, err
	}
	w.log.Infow("indexed blocks", "from", blocks[0].Number, "to", lastBlock.Number, "inserted", inserted)

	if touched, err := w.store.TouchBlocksFinality(ctx, time.Now().Add(-finality.WarmWindow)); err != nil {
		w.log.Warnw("finality reconcile after insert failed", "error", err)
	} else if touched > 0 {
		w.log.Infow("reconciled finality for indexed blocks", "touched", touched)
	}

	w.sink.Push(ctx, "blocks.indexed", blocks)
	return lastBlock.Number + 1, nil
}

func computeBlockMetrics(b models.Block, prevTimestamp int64) models.Block {
	txs := make([]metrics.Tx, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = metrics.Tx{
			MaxPriorityFeePerGas: parseOptionalDecimal(t.MaxPriorityFeePerGas),
			GasPrice:             parseOptionalDecimal(t.GasPrice),
			GasUsed:              parseOptionalDecimalPtr(t.GasUsed),
		}
	}
	m := metrics.ComputeBlockMetrics(metrics.BlockInput{
		BaseFeePerGas:     gweiFieldToWei(b.BaseFeeGwei),
		GasUsed:           b.GasUsed,
		Timestamp:         b.Timestamp.Unix(),
		PreviousTimestamp: prevTimestamp,
		TxCount:           b.TxCount,
		Transactions:      txs,
	})
	b.BaseFeeGwei = m.BaseFeeGwei
	b.MinPriorityFeeGwei = m.MinPriorityFeeGwei
	b.MaxPriorityFeeGwei = m.MaxPriorityFeeGwei
	b.MedianPriorityFeeGwei = m.MedianPriorityFeeGwei
	b.AvgPriorityFeeGwei = m.AvgPriorityFeeGwei
	b.TotalPriorityFeeGwei = m.TotalPriorityFeeGwei
	b.BlockTimeSec = m.BlockTimeSec
	b.MgasPerSec = m.MgasPerSec
	b.Tps = m.Tps
	return b
}

func parseOptionalDecimal(s *string) *big.Int {
	if s == nil {
		return nil
	}
	n, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return n
}

func parseOptionalDecimalPtr(v *uint64) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).SetUint64(*v)
}

func gweiFieldToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei
}
