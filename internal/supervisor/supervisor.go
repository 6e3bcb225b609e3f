// Package supervisor wires every long-running worker, the health
// endpoint, and graceful shutdown together. Grounded on the upstream
// service's main-loop orchestration shape, replacing its package-level
// singleton services with explicitly constructed, injected
// dependencies.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"ingestd/internal/config"
	"ingestd/internal/finality"
	"ingestd/internal/ingest"
	"ingestd/internal/obslog"
	"ingestd/internal/oracleclient"
	"ingestd/internal/pushsink"
	"ingestd/internal/repository"
	"ingestd/internal/rpcclient"
	"ingestd/internal/workerstatus"
)

// Worker is anything the supervisor can run as a tracked goroutine.
type Worker interface {
	Run(ctx context.Context)
}

// Supervisor owns every worker's lifecycle and the health HTTP server.
type Supervisor struct {
	cfg     *config.Config
	log     *obslog.Logger
	status  *workerstatus.Tracker
	store   *repository.Store
	workers []Worker
	server  *http.Server
}

// New constructs every client, store, and worker from cfg. Nothing here
// is a package-level singleton: a second call to New (e.g. in a test)
// gets its own independent set of objects.
func New(ctx context.Context, cfg *config.Config, log *obslog.Logger) (*Supervisor, error) {
	store, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	status := workerstatus.New()

	chain, err := rpcclient.New(cfg.ExecutionRPCEndpoints, rpcclient.RetryPolicy{
		MaxRetries: cfg.RPCRetryMax,
		Delay:      cfg.RPCRetryDelay,
	}, 0)
	if err != nil {
		return nil, err
	}

	oracle, err := oracleclient.New(cfg.FinalityOracleEndpoints, oracleclient.RetryPolicy{
		MaxRetries: cfg.OracleRetryMax,
		BaseDelay:  cfg.OracleRetryBaseDelay,
		MaxDelay:   cfg.OracleRetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}

	sink := pushsink.New(cfg.PushSinkURL, cfg.PushSinkTimeout, log.With("component", "pushsink"))
	finalityWriter := finality.New(store, sink, log.With("component", "finality"))
	reorgDetector := ingest.NewReorgDetector(store, chain, cfg.MaxReorgDepth, log.With("component", "reorg"))

	blockIndexer := ingest.NewBlockIndexer(chain, store, reorgDetector, sink, status, log, ingest.BlockIndexerConfig{
		BatchSize:      cfg.BlockIndexerBatchSize,
		PollInterval:   cfg.BlockIndexerPollInterval,
		MaxReorgDepth:  cfg.MaxReorgDepth,
		EnrichDeadline: cfg.ReceiptEnrichDeadline,
	})

	milestoneIndexer := ingest.NewMilestoneIndexer(oracle, store, finalityWriter, status, log, ingest.MilestoneIndexerConfig{
		BatchSize:    cfg.MilestoneIndexerBatchSize,
		PollInterval: cfg.MilestoneIndexerPollInterval,
	})

	blockBackfiller := ingest.NewBlockBackfiller(chain, store, sink, status, log, ingest.BlockBackfillerConfig{
		BatchSize:    cfg.BlockBackfillBatchSize,
		PollInterval: cfg.BlockIndexerPollInterval,
		Target:       cfg.BlockBackfillTarget,
	})

	milestoneBackfiller := ingest.NewMilestoneBackfiller(oracle, store, finalityWriter, status, log, ingest.MilestoneBackfillerConfig{
		BatchSize:    cfg.MilestoneBackfillBatchSize,
		PollInterval: cfg.MilestoneIndexerPollInterval,
		Target:       cfg.MilestoneBackfillTarget,
	})

	feeBackfiller := ingest.NewHistoricalFeeBackfiller(chain, store, status, log, ingest.HistoricalFeeBackfillerConfig{
		BatchSize:    cfg.HistoricalFeeBackfillBatchSize,
		PollInterval: cfg.BlockIndexerPollInterval,
		Target:       cfg.HistoricalFeeBackfillTarget,
	})

	s := &Supervisor{
		cfg:    cfg,
		log:    log,
		status: status,
		store:  store,
		workers: []Worker{
			blockIndexer,
			milestoneIndexer,
			blockBackfiller,
			milestoneBackfiller,
			feeBackfiller,
		},
	}
	s.server = s.newHealthServer()
	return s, nil
}

// Run launches every worker and the health server, then blocks until ctx
// is cancelled. On cancellation it waits up to 5 seconds for workers to
// drain before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		s.log.Infow("health server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	persistDone := make(chan struct{})
	go s.persistStatusLoop(ctx, persistDone)

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		s.log.Errorw("health server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		s.log.Warnw("workers did not drain within timeout, exiting anyway")
	}
	<-persistDone

	s.store.Close()
	return nil
}

func (s *Supervisor) persistStatusLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range s.status.Snapshot() {
				s.log.Debugw("worker status", "name", st.Name, "state", st.State)
			}
		}
	}
}

func (s *Supervisor) newHealthServer() *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		snapshot := s.status.Snapshot()
		healthy := s.status.Healthy()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": healthy,
			"workers": snapshot,
		})
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HealthPort),
		Handler: r,
	}
}
