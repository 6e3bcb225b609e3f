package chainutil

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWeiToGwei_ConvertsExactMultiple(t *testing.T) {
	wei := big.NewInt(35_000_000_000)
	require.InDelta(t, 35.0, WeiToGwei(wei), 0.0001)
}

func TestWeiToGwei_NilIsZero(t *testing.T) {
	require.Equal(t, 0.0, WeiToGwei(nil))
}

func TestSleepContext_ReturnsAfterDuration(t *testing.T) {
	err := SleepContext(context.Background(), time.Millisecond)
	require.NoError(t, err)
}

func TestSleepContext_ZeroDurationReturnsImmediately(t *testing.T) {
	err := SleepContext(context.Background(), 0)
	require.NoError(t, err)
}

func TestSleepContext_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUint64Range_InclusiveBounds(t *testing.T) {
	require.Equal(t, []uint64{5, 6, 7}, Uint64Range(5, 7))
}

func TestUint64Range_SingleElement(t *testing.T) {
	require.Equal(t, []uint64{5}, Uint64Range(5, 5))
}

func TestUint64Range_InvertedReturnsNil(t *testing.T) {
	require.Nil(t, Uint64Range(7, 5))
}

func TestMinMaxUint64(t *testing.T) {
	require.Equal(t, uint64(3), MinUint64(3, 9))
	require.Equal(t, uint64(9), MaxUint64(3, 9))
	require.Equal(t, uint64(3), MinUint64(9, 3))
	require.Equal(t, uint64(9), MaxUint64(9, 3))
}
