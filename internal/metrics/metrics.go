// Package metrics computes per-block gas/fee metrics from either raw
// transactions or joined receipts. Both entry points are pure functions:
// no I/O, no store, no RPC. All wei arithmetic stays in *big.Int until the
// final conversion to gwei for storage: summing priorityFeePerGas *
// gasUsed in float64 loses precision silently and is the single most
// common correctness bug in this kind of code.
package metrics

import (
	"math/big"
	"sort"

	"ingestd/internal/chainutil"
)

// Tx is the minimal per-transaction shape the block-level computation
// needs. GasUsed is nil until a receipt has been joined.
type Tx struct {
	MaxPriorityFeePerGas *big.Int // nil if the tx predates EIP-1559
	GasPrice             *big.Int // legacy fallback
	GasUsed              *big.Int // nil until receipt-joined
}

// BlockInput is the per-block data the metrics computer consumes.
type BlockInput struct {
	BaseFeePerGas    *big.Int
	GasUsed          uint64
	Timestamp        int64 // unix seconds
	PreviousTimestamp int64 // 0 means "unavailable"
	TxCount          int
	Transactions     []Tx
}

// BlockMetrics is the computed output, using *float64 for every field
// that can be legitimately absent (no predecessor timestamp, no
// transactions, etc).
type BlockMetrics struct {
	BaseFeeGwei           float64
	MinPriorityFeeGwei    *float64
	MaxPriorityFeeGwei    *float64
	MedianPriorityFeeGwei *float64
	AvgPriorityFeeGwei    *float64
	TotalPriorityFeeGwei  *float64
	BlockTimeSec          *float64
	MgasPerSec            *float64
	Tps                   *float64
}

// ComputeBlockMetrics derives per-block gas and timing metrics from raw
// block fields.
func ComputeBlockMetrics(in BlockInput) BlockMetrics {
	baseFee := in.BaseFeePerGas
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	out := BlockMetrics{BaseFeeGwei: chainutil.WeiToGwei(baseFee)}

	if len(in.Transactions) > 0 {
		perTx := make([]*big.Int, len(in.Transactions))
		allHaveGasUsed := true
		for i, tx := range in.Transactions {
			perTx[i] = priorityFeePerGas(tx, baseFee)
			if tx.GasUsed == nil {
				allHaveGasUsed = false
			}
		}

		min, max, median := minMaxMedian(perTx)
		out.MinPriorityFeeGwei = gweiPtr(min)
		out.MaxPriorityFeeGwei = gweiPtr(max)
		out.MedianPriorityFeeGwei = gweiPtr(median)

		if allHaveGasUsed {
			total := new(big.Int)
			totalGas := new(big.Int)
			for i, tx := range in.Transactions {
				weighted := new(big.Int).Mul(perTx[i], tx.GasUsed)
				total.Add(total, weighted)
				totalGas.Add(totalGas, tx.GasUsed)
			}
			out.TotalPriorityFeeGwei = gweiPtr(total)
			if totalGas.Sign() > 0 {
				avg := new(big.Float).Quo(
					new(big.Float).SetInt(total),
					new(big.Float).SetInt(totalGas),
				)
				avgWei, _ := avg.Int(nil)
				out.AvgPriorityFeeGwei = gweiPtr(avgWei)
			}
		}
	}

	if in.PreviousTimestamp > 0 {
		blockTime := float64(in.Timestamp - in.PreviousTimestamp)
		if blockTime > 0 {
			out.BlockTimeSec = &blockTime
			mgas := float64(in.GasUsed) / blockTime / 1e6
			out.MgasPerSec = &mgas
			tps := float64(in.TxCount) / blockTime
			out.Tps = &tps
		}
	}

	return out
}

// priorityFeePerGas derives the per-transaction priority fee: the
// declared maxPriorityFeePerGas for EIP-1559 transactions, or
// max(0, gasPrice - baseFee) for legacy ones. When baseFee is zero the
// whole gasPrice is treated as priority (pre-EIP-1559 regime, or a chain
// that hasn't activated it).
func priorityFeePerGas(tx Tx, baseFee *big.Int) *big.Int {
	if tx.MaxPriorityFeePerGas != nil {
		return new(big.Int).Set(tx.MaxPriorityFeePerGas)
	}
	gasPrice := tx.GasPrice
	if gasPrice == nil {
		return big.NewInt(0)
	}
	if baseFee.Sign() == 0 {
		return new(big.Int).Set(gasPrice)
	}
	diff := new(big.Int).Sub(gasPrice, baseFee)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

func minMaxMedian(values []*big.Int) (min, max, median *big.Int) {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	n := len(sorted)
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
		median = new(big.Int).Quo(sum, big.NewInt(2))
	}
	return min, max, median
}

func gweiPtr(wei *big.Int) *float64 {
	v := chainutil.WeiToGwei(wei)
	return &v
}

// ReceiptInput is the per-block data available for receipt-derived
// metrics: every receipt for the block's transactions, plus the block's
// base fee in wei (receipts don't carry base fee).
type ReceiptInput struct {
	EffectiveGasPrices []*big.Int // one per receipt
	GasUsed            []*big.Int // one per receipt, same order
	BaseFeeWei         *big.Int
}

// ComputeReceiptMetrics derives priority-fee metrics from a block's
// receipts. Unlike ComputeBlockMetrics, avg/total do not depend on
// per-transaction gasUsed being present (receipts always carry it): total
// is set whenever at least one receipt is given, and avg too unless the
// receipts' gasUsed sums to zero. With no receipts every priority-fee
// field stays nil.
func ComputeReceiptMetrics(in ReceiptInput) BlockMetrics {
	baseFee := in.BaseFeeWei
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	out := BlockMetrics{BaseFeeGwei: chainutil.WeiToGwei(baseFee)}

	if len(in.EffectiveGasPrices) == 0 {
		return out
	}

	perTx := make([]*big.Int, len(in.EffectiveGasPrices))
	total := new(big.Int)
	totalGas := new(big.Int)
	for i, price := range in.EffectiveGasPrices {
		diff := new(big.Int).Sub(price, baseFee)
		if diff.Sign() < 0 {
			diff = big.NewInt(0)
		}
		perTx[i] = diff
		weighted := new(big.Int).Mul(diff, in.GasUsed[i])
		total.Add(total, weighted)
		totalGas.Add(totalGas, in.GasUsed[i])
	}

	min, max, median := minMaxMedian(perTx)
	out.MinPriorityFeeGwei = gweiPtr(min)
	out.MaxPriorityFeeGwei = gweiPtr(max)
	out.MedianPriorityFeeGwei = gweiPtr(median)
	out.TotalPriorityFeeGwei = gweiPtr(total)

	if totalGas.Sign() > 0 {
		avg := new(big.Float).Quo(
			new(big.Float).SetInt(total),
			new(big.Float).SetInt(totalGas),
		)
		avgWei, _ := avg.Int(nil)
		out.AvgPriorityFeeGwei = gweiPtr(avgWei)
	}

	return out
}
