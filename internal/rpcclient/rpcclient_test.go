package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func jsonRPCServer(t *testing.T, handler func(method string, params []any) (any, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, err := handler(req.Method, req.Params)
		if err != nil {
			json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: -32000, Message: err.Error()}})
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcResponse{Result: raw})
	}))
}

func TestLatestBlockNumber(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, error) {
		require.Equal(t, "eth_blockNumber", method)
		return "0x64", nil
	})
	defer srv.Close()

	c, err := New([]string{srv.URL}, DefaultRetryPolicy(), 0)
	require.NoError(t, err)

	n, err := c.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), n)
}

func TestCallRotatesAcrossEndpointsOnFailure(t *testing.T) {
	var badHits, goodHits int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&badHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := jsonRPCServer(t, func(method string, params []any) (any, error) {
		atomic.AddInt64(&goodHits, 1)
		return "0x1", nil
	})
	defer good.Close()

	c, err := New([]string{bad.URL, good.URL}, RetryPolicy{MaxRetries: 1, Delay: 10 * time.Millisecond}, 0)
	require.NoError(t, err)

	n, err := c.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	require.GreaterOrEqual(t, atomic.LoadInt64(&goodHits), int64(1))
}

func TestCallExhaustedAfterAllRoundsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, RetryPolicy{MaxRetries: 2, Delay: 5 * time.Millisecond}, 0)
	require.NoError(t, err)

	_, err = c.LatestBlockNumber(context.Background())
	require.Error(t, err)
	var exhausted *ErrExhausted
	require.ErrorAs(t, err, &exhausted)
}

func TestBlockByNumberPopulatesBaseFeeGwei(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, error) {
		return rawBlock{
			Number:        "0x64",
			Hash:          "0xhash",
			ParentHash:    "0xparent",
			Timestamp:     "0x64",
			BaseFeePerGas: "0x821a7300", // 2,182,771,456 wei = 2.182771456 gwei
		}, nil
	})
	defer srv.Close()

	c, err := New([]string{srv.URL}, DefaultRetryPolicy(), 0)
	require.NoError(t, err)

	blk, err := c.BlockByNumber(context.Background(), 100, false)
	require.NoError(t, err)
	require.InDelta(t, 2.182771456, blk.BaseFeeGwei, 0.000001)
}

func TestBlockByNumberZeroBaseFeeWhenFieldAbsent(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, error) {
		return rawBlock{
			Number:     "0x64",
			Hash:       "0xhash",
			ParentHash: "0xparent",
			Timestamp:  "0x64",
		}, nil
	})
	defer srv.Close()

	c, err := New([]string{srv.URL}, DefaultRetryPolicy(), 0)
	require.NoError(t, err)

	blk, err := c.BlockByNumber(context.Background(), 100, false)
	require.NoError(t, err)
	require.Equal(t, 0.0, blk.BaseFeeGwei)
}

func TestBlocksByNumbersPartialFailureToleration(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, error) {
		arg := params[0].(string)
		if arg == "0x2" {
			return nil, context.DeadlineExceeded
		}
		return rawBlock{
			Number:     arg,
			Hash:       "0xhash" + arg,
			ParentHash: "0xparent" + arg,
			Timestamp:  "0x64",
		}, nil
	})
	defer srv.Close()

	c, err := New([]string{srv.URL}, RetryPolicy{MaxRetries: 0, Delay: time.Millisecond}, 0)
	require.NoError(t, err)

	out, err := c.BlocksByNumbers(context.Background(), []uint64{1, 2, 3}, false)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, uint64(1))
	require.Contains(t, out, uint64(3))
	require.NotContains(t, out, uint64(2))
}

func TestReceiptsByBlocksReliablyRetriesUntilComplete(t *testing.T) {
	var attempt int64
	srv := jsonRPCServer(t, func(method string, params []any) (any, error) {
		n := atomic.AddInt64(&attempt, 1)
		if n <= 2 {
			return nil, context.DeadlineExceeded
		}
		return []rawReceipt{{TransactionHash: "0xabc", EffectiveGasPrice: "0x1", GasUsed: "0x5208"}}, nil
	})
	defer srv.Close()

	c, err := New([]string{srv.URL}, RetryPolicy{MaxRetries: 0, Delay: time.Millisecond}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.ReceiptsByBlocksReliably(ctx, []uint64{1})
	require.NoError(t, err)
	require.Contains(t, out, uint64(1))
}

func TestReceiptsByBlocksReliablyHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, RetryPolicy{MaxRetries: 0, Delay: 5 * time.Millisecond}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.ReceiptsByBlocksReliably(ctx, []uint64{1})
	require.ErrorIs(t, err, ErrCancelled)
}
