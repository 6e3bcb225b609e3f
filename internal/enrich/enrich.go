// Package enrich joins receipts onto already-fetched blocks to compute
// the priority-fee metrics that raw block/transaction data alone cannot
// provide (effective gas price is only known once a receipt exists).
// Grounded on the fetch-then-reassemble shape of the upstream service's
// ordered worker pool, narrowed here to a map-join plus a pure-function
// metrics call.
package enrich

import (
	"context"
	"math/big"

	"ingestd/internal/metrics"
	"ingestd/internal/models"
)

// ReceiptFetcher is the subset of rpcclient.Client the enricher needs.
type ReceiptFetcher interface {
	ReceiptsByBlocksReliably(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error)
}

// Apply joins receiptsByBlock onto blocks in place, recomputing each
// block's receipt-derived priority-fee fields . Blocks with no entry in receiptsByBlock, or
// with zero transactions, are left untouched.
func Apply(blocks []models.Block, receiptsByBlock map[uint64][]models.Receipt) {
	for i := range blocks {
		b := &blocks[i]
		if b.TxCount == 0 {
			continue
		}
		receipts, ok := receiptsByBlock[b.Number]
		if !ok || len(receipts) == 0 {
			continue
		}

		prices := make([]*big.Int, len(receipts))
		gasUsed := make([]*big.Int, len(receipts))
		for j, r := range receipts {
			prices[j] = parseDecimalOrZero(r.EffectiveGasPrice)
			gasUsed[j] = new(big.Int).SetUint64(r.GasUsed)
		}
		baseFeeWei := gweiToWei(b.BaseFeeGwei)

		m := metrics.ComputeReceiptMetrics(metrics.ReceiptInput{
			EffectiveGasPrices: prices,
			GasUsed:            gasUsed,
			BaseFeeWei:         baseFeeWei,
		})
		b.MinPriorityFeeGwei = m.MinPriorityFeeGwei
		b.MaxPriorityFeeGwei = m.MaxPriorityFeeGwei
		b.MedianPriorityFeeGwei = m.MedianPriorityFeeGwei
		b.AvgPriorityFeeGwei = m.AvgPriorityFeeGwei
		b.TotalPriorityFeeGwei = m.TotalPriorityFeeGwei
	}
}

// Reliably fetches receipts for every block with at least one
// transaction via the fetcher's reliable fan-out, then applies them. It
// never returns an error except for cancellation: a block whose
// receipts time out simply keeps its null priority-fee fields for the
// historical backfiller to fill in later.
func Reliably(ctx context.Context, fetcher ReceiptFetcher, blocks []models.Block) error {
	var numbers []uint64
	for _, b := range blocks {
		if b.TxCount > 0 {
			numbers = append(numbers, b.Number)
		}
	}
	if len(numbers) == 0 {
		return nil
	}

	receiptsByBlock, err := fetcher.ReceiptsByBlocksReliably(ctx, numbers)
	Apply(blocks, receiptsByBlock)
	return err
}

func parseDecimalOrZero(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

const weiPerGwei = 1_000_000_000

func gweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(weiPerGwei))
	wei, _ := f.Int(nil)
	return wei
}
