// Package rpcclient is the fault-tolerant execution-layer RPC client:
// endpoint rotation, bounded fixed-cadence retry, and parallel fan-out.
// Grounded on the upstream Flow client's rotation/retry shape, generalised
// from gRPC nodes to JSON-RPC-over-HTTP endpoints.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"ingestd/internal/chainutil"
	"ingestd/internal/models"
)

// ErrExhausted is returned once every endpoint has failed every retry
// round for a call.
type ErrExhausted struct {
	Method   string
	LastErr  error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("rpc: all endpoints exhausted for %s: %v", e.Method, e.LastErr)
}

func (e *ErrExhausted) Unwrap() error { return e.LastErr }

// RetryPolicy is a fixed-cadence rotation policy: try every endpoint
// once per round, sleep delay, repeat up to maxRetries additional
// rounds. No exponential backoff: endpoints are treated as uniformly
// lossy.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 500 * time.Millisecond}
}

// Client is the execution-layer RPC client.
type Client struct {
	endpoints []string
	limiters  []*rate.Limiter
	http      *http.Client
	retry     RetryPolicy
	nextIdx   uint64
}

// New constructs a client over an ordered, non-empty list of endpoint
// URLs. requestsPerSecond bounds each endpoint independently; 0 disables
// limiting.
func New(endpoints []string, retry RetryPolicy, requestsPerSecond float64) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpcclient: at least one endpoint required")
	}
	limiters := make([]*rate.Limiter, len(endpoints))
	for i := range endpoints {
		if requestsPerSecond > 0 {
			limiters[i] = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
		}
	}
	return &Client{
		endpoints: endpoints,
		limiters:  limiters,
		http:      &http.Client{Timeout: 15 * time.Second},
		retry:     retry,
	}, nil
}

func (c *Client) pickIndex() int {
	n := atomic.AddUint64(&c.nextIdx, 1)
	return int(n % uint64(len(c.endpoints)))
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// callOnce issues one JSON-RPC call against endpoints[idx].
func (c *Client) callOnce(ctx context.Context, idx int, method string, params []any, out any) error {
	if lim := c.limiters[idx]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints[idx], bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("rpc: endpoint %s returned %d", c.endpoints[idx], resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return err
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		return json.Unmarshal(rr.Result, out)
	}
	return nil
}

// call performs the rotate-through-every-endpoint-then-sleep retry
// loop: one round tries every endpoint in order starting from the
// rotating index, then sleeps Delay, for up to MaxRetries additional
// rounds.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	var lastErr error
	start := c.pickIndex()
	for round := 0; round <= c.retry.MaxRetries; round++ {
		for i := 0; i < len(c.endpoints); i++ {
			idx := (start + i) % len(c.endpoints)
			if err := ctx.Err(); err != nil {
				return err
			}
			err := c.callOnce(ctx, idx, method, params, out)
			if err == nil {
				return nil
			}
			lastErr = err
		}
		if round < c.retry.MaxRetries {
			if err := chainutil.SleepContext(ctx, c.retry.Delay); err != nil {
				return err
			}
		}
	}
	return &ErrExhausted{Method: method, LastErr: lastErr}
}

// LatestBlockNumber returns the current chain tip.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint64(hexNum)
}

// rawBlock mirrors the subset of eth_getBlockByNumber's JSON shape this
// engine needs.
type rawBlock struct {
	Number       string    `json:"number"`
	Hash         string    `json:"hash"`
	ParentHash   string    `json:"parentHash"`
	Timestamp    string    `json:"timestamp"`
	GasUsed      string    `json:"gasUsed"`
	GasLimit     string    `json:"gasLimit"`
	BaseFeePerGas string   `json:"baseFeePerGas"`
	Transactions []rawTx   `json:"transactions"`
}

type rawTx struct {
	Hash                 string `json:"hash"`
	Gas                  string `json:"gas"`
	GasPrice             string `json:"gasPrice"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// BlockByNumber fetches a single block, optionally with full transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64, withTxs bool) (*models.Block, error) {
	var rb rawBlock
	params := []any{toBlockNumArg(number), withTxs}
	if err := c.call(ctx, "eth_getBlockByNumber", params, &rb); err != nil {
		return nil, err
	}
	return rawBlockToModel(rb)
}

// BlocksByNumbers fetches N blocks in parallel, assigning request i to
// endpoint i mod E. Failed individual requests are absent from the
// result map unless every request failed.
func (c *Client) BlocksByNumbers(ctx context.Context, numbers []uint64, withTxs bool) (map[uint64]*models.Block, error) {
	type result struct {
		number uint64
		block  *models.Block
		err    error
	}
	results := make(chan result, len(numbers))
	var wg sync.WaitGroup
	for i, n := range numbers {
		wg.Add(1)
		go func(i int, n uint64) {
			defer wg.Done()
			idx := i % len(c.endpoints)
			var rb rawBlock
			err := c.callOnceWithRetry(ctx, idx, "eth_getBlockByNumber", []any{toBlockNumArg(n), withTxs}, &rb)
			if err != nil {
				results <- result{number: n, err: err}
				return
			}
			blk, err := rawBlockToModel(rb)
			results <- result{number: n, block: blk, err: err}
		}(i, n)
	}
	wg.Wait()
	close(results)

	out := make(map[uint64]*models.Block, len(numbers))
	var lastErr error
	failCount := 0
	for r := range results {
		if r.err != nil {
			lastErr = r.err
			failCount++
			continue
		}
		out[r.number] = r.block
	}
	if failCount == len(numbers) && len(numbers) > 0 {
		return nil, &ErrExhausted{Method: "eth_getBlockByNumber (parallel)", LastErr: lastErr}
	}
	return out, nil
}

// callOnceWithRetry applies the same round-robin-fallback retry loop as
// call, but starting from a caller-assigned endpoint rather than the
// shared rotation counter. Used by parallel fan-out so each concurrent
// request gets independent retry state without fighting over nextIdx.
func (c *Client) callOnceWithRetry(ctx context.Context, preferredIdx int, method string, params []any, out any) error {
	var lastErr error
	for round := 0; round <= c.retry.MaxRetries; round++ {
		for i := 0; i < len(c.endpoints); i++ {
			idx := (preferredIdx + i) % len(c.endpoints)
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.callOnce(ctx, idx, method, params, out); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		if round < c.retry.MaxRetries {
			if err := chainutil.SleepContext(ctx, c.retry.Delay); err != nil {
				return err
			}
		}
	}
	return &ErrExhausted{Method: method, LastErr: lastErr}
}

type rawReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	GasUsed           string `json:"gasUsed"`
}

// ReceiptsByBlock fetches every transaction receipt for one block via
// eth_getBlockReceipts.
func (c *Client) ReceiptsByBlock(ctx context.Context, number uint64) ([]models.Receipt, error) {
	var raws []rawReceipt
	if err := c.call(ctx, "eth_getBlockReceipts", []any{toBlockNumArg(number)}, &raws); err != nil {
		return nil, err
	}
	return rawReceiptsToModel(raws)
}

// ReceiptsByBlocks fetches receipts for N blocks in parallel, with the
// same per-request-independent-endpoint and partial-failure semantics as
// BlocksByNumbers.
func (c *Client) ReceiptsByBlocks(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error) {
	return c.receiptsByBlocksFrom(ctx, numbers, 0)
}

// receiptsByBlocksFrom is ReceiptsByBlocks with request i assigned to
// endpoint (start+i) mod E.
func (c *Client) receiptsByBlocksFrom(ctx context.Context, numbers []uint64, start int) (map[uint64][]models.Receipt, error) {
	type result struct {
		number   uint64
		receipts []models.Receipt
		err      error
	}
	results := make(chan result, len(numbers))
	var wg sync.WaitGroup
	for i, n := range numbers {
		wg.Add(1)
		go func(i int, n uint64) {
			defer wg.Done()
			idx := (start + i) % len(c.endpoints)
			var raws []rawReceipt
			err := c.callOnceWithRetry(ctx, idx, "eth_getBlockReceipts", []any{toBlockNumArg(n)}, &raws)
			if err != nil {
				results <- result{number: n, err: err}
				return
			}
			rc, err := rawReceiptsToModel(raws)
			results <- result{number: n, receipts: rc, err: err}
		}(i, n)
	}
	wg.Wait()
	close(results)

	out := make(map[uint64][]models.Receipt, len(numbers))
	var lastErr error
	failCount := 0
	for r := range results {
		if r.err != nil {
			lastErr = r.err
			failCount++
			continue
		}
		out[r.number] = r.receipts
	}
	if failCount == len(numbers) && len(numbers) > 0 {
		return nil, &ErrExhausted{Method: "eth_getBlockReceipts (parallel)", LastErr: lastErr}
	}
	return out, nil
}

// ErrCancelled is returned by ReceiptsByBlocksReliably when the caller's
// cancellation signal fires before every block's receipts were obtained.
var ErrCancelled = fmt.Errorf("rpcclient: reliable fetch cancelled")

// ReceiptsByBlocksReliably retries until every requested block's
// receipts are obtained or ctx is cancelled: fan out the still-missing
// block numbers, merge any non-empty results into
// a running map, sleep a short backoff, and repeat until either every
// requested block is covered or ctx is done. Every round re-derives its
// starting endpoint from the shared rotation counter so a chronically
// slow endpoint doesn't keep drawing the same requests.
func (c *Client) ReceiptsByBlocksReliably(ctx context.Context, numbers []uint64) (map[uint64][]models.Receipt, error) {
	const backoff = 250 * time.Millisecond

	have := make(map[uint64][]models.Receipt, len(numbers))
	missing := append([]uint64(nil), numbers...)

	for len(missing) > 0 {
		if err := ctx.Err(); err != nil {
			return have, ErrCancelled
		}

		got, _ := c.receiptsByBlocksFrom(ctx, missing, c.pickIndex()) // partial results tolerated
		stillMissing := missing[:0]
		for _, n := range missing {
			if rs, ok := got[n]; ok {
				have[n] = rs
			} else {
				stillMissing = append(stillMissing, n)
			}
		}
		missing = stillMissing
		if len(missing) == 0 {
			break
		}
		if err := chainutil.SleepContext(ctx, backoff); err != nil {
			return have, ErrCancelled
		}
	}
	return have, nil
}

func toBlockNumArg(n uint64) string { return hexutil.EncodeUint64(n) }

func parseHexUint64(s string) (uint64, error) {
	return hexutil.DecodeUint64(s)
}

func rawBlockToModel(rb rawBlock) (*models.Block, error) {
	number, err := parseHexUint64(rb.Number)
	if err != nil {
		return nil, fmt.Errorf("parsing block number %q: %w", rb.Number, err)
	}
	ts, err := parseHexUint64(rb.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing block timestamp %q: %w", rb.Timestamp, err)
	}
	gasUsed, _ := parseHexUint64(rb.GasUsed)
	gasLimit, _ := parseHexUint64(rb.GasLimit)

	var baseFeeGwei float64
	if rb.BaseFeePerGas != "" {
		if wei, err := hexutil.DecodeBig(rb.BaseFeePerGas); err == nil {
			baseFeeGwei = chainutil.WeiToGwei(wei)
		}
	}

	blk := &models.Block{
		Number:      number,
		Hash:        rb.Hash,
		ParentHash:  rb.ParentHash,
		Timestamp:   time.Unix(int64(ts), 0).UTC(),
		GasUsed:     gasUsed,
		GasLimit:    gasLimit,
		BaseFeeGwei: baseFeeGwei,
		TxCount:     len(rb.Transactions),
	}

	for _, tx := range rb.Transactions {
		t := models.Transaction{Hash: tx.Hash}
		if tx.Gas != "" {
			if g, err := parseHexUint64(tx.Gas); err == nil {
				t.GasLimit = g
			}
		}
		if tx.MaxPriorityFeePerGas != "" {
			v := hexWeiToDecimalString(tx.MaxPriorityFeePerGas)
			t.MaxPriorityFeePerGas = &v
		} else if tx.GasPrice != "" {
			v := hexWeiToDecimalString(tx.GasPrice)
			t.GasPrice = &v
		}
		blk.Transactions = append(blk.Transactions, t)
	}

	return blk, nil
}

func rawReceiptsToModel(raws []rawReceipt) ([]models.Receipt, error) {
	out := make([]models.Receipt, 0, len(raws))
	for _, r := range raws {
		gasUsed, err := parseHexUint64(r.GasUsed)
		if err != nil {
			return nil, fmt.Errorf("parsing receipt gasUsed %q: %w", r.GasUsed, err)
		}
		out = append(out, models.Receipt{
			TxHash:            r.TransactionHash,
			EffectiveGasPrice: hexWeiToDecimalString(r.EffectiveGasPrice),
			GasUsed:           gasUsed,
		})
	}
	return out, nil
}

// hexWeiToDecimalString converts a "0x..."-prefixed wei value into a
// decimal string, the wire shape models.Transaction/Receipt carry so that
// downstream big.Int parsing never has to special-case hex.
func hexWeiToDecimalString(hexVal string) string {
	n, err := hexutil.DecodeBig(hexVal)
	if err != nil {
		return "0"
	}
	return n.String()
}
