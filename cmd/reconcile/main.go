// Command reconcile performs a single reconciliation run and exits. Intended
// for cron jobs and manual invocations; the long-running service lives in
// cmd/reconciler.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/Dylzzzzz/actual-budget-system/internal/config"
	"github.com/Dylzzzzz/actual-budget-system/internal/export"
	"github.com/Dylzzzzz/actual-budget-system/internal/ledger"
	"github.com/Dylzzzzz/actual-budget-system/internal/logger"
	"github.com/Dylzzzzz/actual-budget-system/internal/reconcile"
	"github.com/Dylzzzzz/actual-budget-system/internal/retry"
	"github.com/Dylzzzzz/actual-budget-system/internal/state"
)

func main() {
	// CLI flags override the environment for the settings a one-shot run
	// most often varies.
	dryRun := flag.Bool("dry-run", false, "Preview submissions without calling the export endpoint")
	lookback := flag.Int("lookback-days", 0, "Override the transaction lookback window in days")
	batchSize := flag.Int("batch-size", 0, "Override the per-run submission cap")
	statePath := flag.String("state", "", "Override the state snapshot path (file or gs:// URI)")
	reprocessID := flag.String("reprocess", "", "Reset one failed transaction to pending instead of running")
	flag.Parse()

	cfg, err := config.Parse()
	if err != nil {
		fallbackLog := logger.New("info")
		fallbackLog.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *lookback > 0 {
		cfg.LookbackDays = *lookback
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if err := cfg.Validate(); err != nil {
		fallbackLog := logger.New("info")
		fallbackLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log := logger.New(cfg.LogLevel)

	// Bound the whole run so a stuck remote cannot hang a cron job.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	var store state.Store
	if state.IsGCSPath(cfg.StatePath) {
		gcsStore, err := state.NewGCSStore(ctx, cfg.StatePath)
		if err != nil {
			log.Fatal().Err(err).Str("state_path", cfg.StatePath).Msg("Failed to create GCS state store")
		}
		defer gcsStore.Close()
		store = gcsStore
	} else {
		store = state.NewFileStore(cfg.StatePath)
	}

	st, err := store.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("state_path", cfg.StatePath).Msg("Failed to load processing state")
	}

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerBudget, retry.Policy{
		MaxAttempts: cfg.ConnectAttempts,
		BaseDelay:   time.Second,
	})
	exportClient := export.NewClient(cfg.ExportURL, cfg.ExportToken)

	engine := reconcile.NewEngine(ledgerClient, exportClient, store, nil, st, reconcile.Options{
		LookbackDays:     cfg.LookbackDays,
		BatchSize:        cfg.BatchSize,
		MaxAttempts:      cfg.MaxAttempts,
		SubmitPacing:     cfg.SubmitPacing,
		DryRun:           cfg.DryRun,
		MarkerSubmitted:  cfg.MarkerSubmitted,
		MarkerPaid:       cfg.MarkerPaid,
		BusinessGroup:    cfg.BusinessGroup,
		CurrencyExponent: cfg.CurrencyExponent,
	}, log)

	if *reprocessID != "" {
		if err := engine.Reprocess(ctx, *reprocessID); err != nil {
			log.Fatal().Err(err).Str("transaction_id", *reprocessID).Msg("Reprocess failed")
		}
		fmt.Printf("Transaction %s reset to pending.\n", *reprocessID)
		return
	}

	log.Info().
		Int("lookback_days", cfg.LookbackDays).
		Int("batch_size", cfg.BatchSize).
		Bool("dry_run", cfg.DryRun).
		Msg("Starting reconciliation run")

	res, err := engine.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}

	fmt.Printf("Run completed: %d processed, %d submitted, %d failed.\n", res.Processed, res.Submitted, res.Failed)
}
