package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dylzzzzz/actual-budget-system/internal/config"
	"github.com/Dylzzzzz/actual-budget-system/internal/export"
	"github.com/Dylzzzzz/actual-budget-system/internal/homeassistant"
	"github.com/Dylzzzzz/actual-budget-system/internal/ledger"
	"github.com/Dylzzzzz/actual-budget-system/internal/logger"
	"github.com/Dylzzzzz/actual-budget-system/internal/reconcile"
	"github.com/Dylzzzzz/actual-budget-system/internal/retry"
	"github.com/Dylzzzzz/actual-budget-system/internal/schedule"
	"github.com/Dylzzzzz/actual-budget-system/internal/server"
	"github.com/Dylzzzzz/actual-budget-system/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New("info")
		fallbackLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log := logger.New(cfg.LogLevel)
	ctx := logger.WithContext(context.Background(), log)

	// Select the state store: plain path -> local file, gs:// -> object store.
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
	log.Info().
		Str("state_path", cfg.StatePath).
		Int("tracked_transactions", len(st.Transactions)).
		Msg("Loaded processing state")

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerBudget, retry.Policy{
		MaxAttempts: cfg.ConnectAttempts,
		BaseDelay:   time.Second,
	})
	exportClient := export.NewClient(cfg.ExportURL, cfg.ExportToken)

	// Leave the publisher nil when Home Assistant is not configured so the
	// engine skips publication entirely.
	var publisher reconcile.StatusPublisher
	if hass := homeassistant.New(cfg.HassURL, cfg.HassToken, cfg.HassEntity); hass != nil {
		publisher = hass
		log.Info().Str("entity", cfg.HassEntity).Msg("Home Assistant status publishing enabled")
	}

	engine := reconcile.NewEngine(ledgerClient, exportClient, store, publisher, st, reconcile.Options{
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

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go schedule.New(engine, cfg.RunInterval, log).Start(runCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.New(engine, log).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Bool("dry_run", cfg.DryRun).
			Dur("run_interval", cfg.RunInterval).
			Msg("Starting reconciler server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
