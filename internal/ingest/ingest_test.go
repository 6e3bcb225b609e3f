package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/models"
)

func TestSeenCache_AddAndContains(t *testing.T) {
	c := newSeenCache(3, []uint64{1, 2})
	require.True(t, c.contains(1))
	require.True(t, c.contains(2))
	require.False(t, c.contains(3))

	c.add(3)
	require.True(t, c.contains(3))
}

func TestSeenCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newSeenCache(2, nil)
	c.add(1)
	c.add(2)
	c.add(3)

	require.False(t, c.contains(1))
	require.True(t, c.contains(2))
	require.True(t, c.contains(3))
}

func TestSeenCache_AddIsIdempotent(t *testing.T) {
	c := newSeenCache(2, nil)
	c.add(1)
	c.add(1)
	c.add(2)

	require.True(t, c.contains(1))
	require.True(t, c.contains(2))
}

func TestComputeBlockMetrics_DerivesBlockTimeFromPredecessor(t *testing.T) {
	b := models.Block{
		Number:      100,
		Timestamp:   time.Unix(1000, 0),
		GasUsed:     1_000_000,
		BaseFeeGwei: 30,
		TxCount:     0,
	}
	out := computeBlockMetrics(b, 988)

	require.NotNil(t, out.BlockTimeSec)
	require.InDelta(t, 12.0, *out.BlockTimeSec, 0.001)
	require.NotNil(t, out.MgasPerSec)
}

func TestComputeBlockMetrics_NoPredecessorLeavesBlockTimeNull(t *testing.T) {
	b := models.Block{
		Number:    0,
		Timestamp: time.Unix(1000, 0),
		GasUsed:   1000,
	}
	out := computeBlockMetrics(b, 0)
	require.Nil(t, out.BlockTimeSec)
}
