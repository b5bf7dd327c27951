package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/settings"
	"escrowflow/sweep"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	provider := settings.NewProvider(settings.NewPGReader(pool))
	ledgerClient := ledger.NewHTTPClient(cfg.LedgerBaseURL, cfg.LedgerServiceID, cfg.LedgerSigningKey, cfg.LedgerTimeout)
	store := escrow.NewRepository(pool)
	coordinator := escrow.NewCoordinator(pool, store, ledgerClient, provider, cfg.EscrowPoolBalanceID, log.Default())

	scheduler := sweep.NewScheduler(coordinator, cfg.AutoReleaseInterval, cfg.AutoDeductionInterval, log.Default())

	log.Printf("escrowd sweeps running (auto-release every %s, auto-deduction every %s)",
		cfg.AutoReleaseInterval, cfg.AutoDeductionInterval)
	if err := scheduler.Run(ctx); err != nil {
		log.Fatalf("scheduler stopped: %v", err)
	}
}
