// Command ingestd runs the block/milestone indexers, their backfillers,
// and the historical priority-fee backfiller against a single Postgres
// store, until SIGINT/SIGTERM.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"ingestd/internal/config"
	"ingestd/internal/obslog"
	"ingestd/internal/supervisor"
)

func main() {
	log := obslog.New()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup, err := supervisor.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize supervisor", "error", err)
	}

	if err := sup.Run(ctx); err != nil {
		log.Fatalw("supervisor exited with error", "error", err)
	}
}
