package metrics

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestComputeBlockMetrics_EndToEndScenario(t *testing.T) {
	// Live tail scenario: base fee 30 gwei, one tx with priority 5 gwei
	// and gasUsed 21000.
	in := BlockInput{
		BaseFeePerGas: gwei(30),
		GasUsed:       21000,
		Timestamp:     1000,
		TxCount:       1,
		Transactions: []Tx{
			{
				MaxPriorityFeePerGas: gwei(5),
				GasUsed:              big.NewInt(21000),
			},
		},
	}

	out := ComputeBlockMetrics(in)

	require.NotNil(t, out.AvgPriorityFeeGwei)
	require.NotNil(t, out.TotalPriorityFeeGwei)
	assert.InDelta(t, 5.0, *out.AvgPriorityFeeGwei, 1e-9)
	assert.InDelta(t, 5.0, *out.MinPriorityFeeGwei, 1e-9)
	assert.InDelta(t, 5.0, *out.MaxPriorityFeeGwei, 1e-9)
	assert.InDelta(t, 5.0, *out.MedianPriorityFeeGwei, 1e-9)
	assert.InDelta(t, 105000.0, *out.TotalPriorityFeeGwei, 1e-6)
}

func TestComputeBlockMetrics_NullWhenGasUsedIncomplete(t *testing.T) {
	in := BlockInput{
		BaseFeePerGas: gwei(10),
		Transactions: []Tx{
			{MaxPriorityFeePerGas: gwei(2), GasUsed: big.NewInt(21000)},
			{MaxPriorityFeePerGas: gwei(3), GasUsed: nil},
		},
	}

	out := ComputeBlockMetrics(in)

	assert.Nil(t, out.AvgPriorityFeeGwei, "avg must be null when any tx lacks gasUsed")
	assert.Nil(t, out.TotalPriorityFeeGwei, "total must be null when any tx lacks gasUsed")
	assert.NotNil(t, out.MinPriorityFeeGwei, "min/max/median do not require gasUsed")
}

func TestComputeBlockMetrics_LegacyTxZeroBaseFee(t *testing.T) {
	in := BlockInput{
		BaseFeePerGas: big.NewInt(0),
		Transactions: []Tx{
			{GasPrice: gwei(7), GasUsed: big.NewInt(21000)},
		},
	}

	out := ComputeBlockMetrics(in)
	require.NotNil(t, out.AvgPriorityFeeGwei)
	assert.InDelta(t, 7.0, *out.AvgPriorityFeeGwei, 1e-9)
}

func TestComputeBlockMetrics_GasPriceBelowBaseFeeClampsToZero(t *testing.T) {
	in := BlockInput{
		BaseFeePerGas: gwei(50),
		Transactions: []Tx{
			{GasPrice: gwei(10), GasUsed: big.NewInt(21000)},
		},
	}

	out := ComputeBlockMetrics(in)
	require.NotNil(t, out.MinPriorityFeeGwei)
	assert.InDelta(t, 0.0, *out.MinPriorityFeeGwei, 1e-9)
}

func TestComputeBlockMetrics_BlockTimeDerivation(t *testing.T) {
	in := BlockInput{
		BaseFeePerGas:     big.NewInt(0),
		GasUsed:           2_000_000,
		Timestamp:         1010,
		PreviousTimestamp: 1000,
		TxCount:           20,
	}

	out := ComputeBlockMetrics(in)
	require.NotNil(t, out.BlockTimeSec)
	assert.InDelta(t, 10.0, *out.BlockTimeSec, 1e-9)
	require.NotNil(t, out.MgasPerSec)
	assert.InDelta(t, 0.2, *out.MgasPerSec, 1e-9)
	require.NotNil(t, out.Tps)
	assert.InDelta(t, 2.0, *out.Tps, 1e-9)
}

func TestComputeBlockMetrics_NoPreviousTimestampLeavesBlockTimeNull(t *testing.T) {
	in := BlockInput{BaseFeePerGas: big.NewInt(0)}
	out := ComputeBlockMetrics(in)
	assert.Nil(t, out.BlockTimeSec)
	assert.Nil(t, out.MgasPerSec)
	assert.Nil(t, out.Tps)
}

func TestComputeReceiptMetrics_AlwaysNonNull(t *testing.T) {
	in := ReceiptInput{
		BaseFeeWei:         gwei(30),
		EffectiveGasPrices: []*big.Int{gwei(35), gwei(32)},
		GasUsed:            []*big.Int{big.NewInt(21000), big.NewInt(50000)},
	}

	out := ComputeReceiptMetrics(in)
	require.NotNil(t, out.AvgPriorityFeeGwei)
	require.NotNil(t, out.TotalPriorityFeeGwei)
	// priority fees: 5, 2; weighted total = 5*21000 + 2*50000 = 205000
	assert.InDelta(t, 205000.0, *out.TotalPriorityFeeGwei, 1e-6)
	assert.InDelta(t, 205000.0/71000.0, *out.AvgPriorityFeeGwei, 1e-6)
}

func TestComputeReceiptMetrics_EmptyReturnsNullFields(t *testing.T) {
	out := ComputeReceiptMetrics(ReceiptInput{BaseFeeWei: gwei(1)})
	assert.Nil(t, out.AvgPriorityFeeGwei)
	assert.Nil(t, out.TotalPriorityFeeGwei)
}

func TestMedianEvenCount(t *testing.T) {
	in := BlockInput{
		BaseFeePerGas: big.NewInt(0),
		Transactions: []Tx{
			{MaxPriorityFeePerGas: gwei(1)},
			{MaxPriorityFeePerGas: gwei(2)},
			{MaxPriorityFeePerGas: gwei(3)},
			{MaxPriorityFeePerGas: gwei(4)},
		},
	}
	out := ComputeBlockMetrics(in)
	require.NotNil(t, out.MedianPriorityFeeGwei)
	assert.InDelta(t, 2.5, *out.MedianPriorityFeeGwei, 1e-9)
}
