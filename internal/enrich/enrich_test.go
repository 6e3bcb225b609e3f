package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestd/internal/models"
)

type fakeFetcher struct {
	receipts map[uint64][]models.Receipt
	err      error
}

func (f *fakeFetcher) ReceiptsByBlocksReliably(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error) {
	return f.receipts, f.err
}

func TestApply_JoinsReceiptsAndComputesMetrics(t *testing.T) {
	blocks := []models.Block{
		{Number: 1, TxCount: 1, BaseFeeGwei: 30},
		{Number: 2, TxCount: 0},
	}
	receipts := map[uint64][]models.Receipt{
		1: {{EffectiveGasPrice: "35000000000", GasUsed: 21000}},
	}

	Apply(blocks, receipts)

	require.NotNil(t, blocks[0].MinPriorityFeeGwei)
	require.InDelta(t, 5.0, *blocks[0].MinPriorityFeeGwei, 0.001)
	require.Nil(t, blocks[1].MinPriorityFeeGwei)
}

func TestApply_MissingReceiptsLeaveBlockUntouched(t *testing.T) {
	blocks := []models.Block{{Number: 1, TxCount: 2}}
	Apply(blocks, map[uint64][]models.Receipt{})
	require.Nil(t, blocks[0].MinPriorityFeeGwei)
}

func TestReliably_SkipsBlocksWithNoTransactions(t *testing.T) {
	fetcher := &fakeFetcher{receipts: map[uint64][]models.Receipt{}}
	blocks := []models.Block{{Number: 1, TxCount: 0}, {Number: 2, TxCount: 0}}

	err := Reliably(context.Background(), fetcher, blocks)
	require.NoError(t, err)
}

func TestReliably_AppliesPartialResultsEvenOnError(t *testing.T) {
	fetcher := &fakeFetcher{
		receipts: map[uint64][]models.Receipt{
			1: {{EffectiveGasPrice: "35000000000", GasUsed: 21000}},
		},
		err: errors.New("cancelled"),
	}
	blocks := []models.Block{
		{Number: 1, TxCount: 1, BaseFeeGwei: 30},
		{Number: 2, TxCount: 1, BaseFeeGwei: 30},
	}

	err := Reliably(context.Background(), fetcher, blocks)
	require.Error(t, err)
	require.NotNil(t, blocks[0].MinPriorityFeeGwei)
	require.Nil(t, blocks[1].MinPriorityFeeGwei)
}
