// Package main is the entry point for the finbook cost-basis accounting core.
// It maintains per-ledger inventory state (FIFO lots or weighted-average
// balances) derived from the transaction journal, keeps the positions
// projection synchronized, and computes the unit-price return series.
//
// The application follows clean architecture principles:
// - Domain layer is pure (no infrastructure dependencies)
// - Repository pattern for data access
// - Service layer for business logic
package main

import (
	"context"
	"os"
	"time"

	"github.com/mingqi/finbook/internal/config"
	"github.com/mingqi/finbook/internal/database"
	"github.com/mingqi/finbook/internal/modules/currency"
	"github.com/mingqi/finbook/internal/modules/inventory"
	"github.com/mingqi/finbook/internal/modules/portfolio"
	"github.com/mingqi/finbook/internal/modules/returns"
	"github.com/mingqi/finbook/pkg/logger"
)

// main loads configuration, opens the database, wires the modules together
// and runs one consistency pass: every ledger is brought up to date with its
// journal and its return series is recomputed.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet, use stderr directly.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Str("report_currency", cfg.ReportCurrency).
		Msg("finbook starting")

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "finbook",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.HealthCheck(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("database health check failed")
	}
	cancel()

	// Inventory module
	ledgerRepo := inventory.NewLedgerRepository(db.Conn(), log)
	txRepo := inventory.NewTransactionRepository(db.Conn(), log)
	checkpointRepo := inventory.NewCheckpointRepository(db.Conn(), log)
	rateRepo := currency.NewRateRepository(db.Conn(), cfg.ReportCurrency, log)
	controller := inventory.NewController(txRepo, checkpointRepo, rateRepo, log)
	fifoEngine := inventory.NewFIFOEngine(log)
	wacEngine := inventory.NewWACEngine(log)
	stateCache := inventory.NewStateCache(cfg.CacheDir(), log)

	// Portfolio projection
	positionRepo := portfolio.NewPositionRepository(db.Conn(), log)
	syncer := portfolio.NewSynchronizer(positionRepo, log)

	invService := inventory.NewService(ledgerRepo, txRepo, checkpointRepo, controller,
		fifoEngine, wacEngine, syncer, stateCache, log)

	// Returns module
	flowRepo := returns.NewFlowRepository(db.Conn(), log)
	assetsRepo := returns.NewAssetsRepository(db.Conn(), log)
	seriesRepo := returns.NewSeriesRepository(db.Conn(), log)
	calculator := returns.NewCalculator(log)
	returnsService := returns.NewService(flowRepo, assetsRepo, seriesRepo, calculator, log)

	ledgers, err := invService.Ledgers()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list ledgers")
	}
	if len(ledgers) == 0 {
		log.Info().Msg("no ledgers found, nothing to do")
		return
	}

	failed := 0
	for _, ledger := range ledgers {
		llog := log.With().Int64("ledger_id", ledger.ID).Str("name", ledger.Name).Logger()

		if err := invService.Rebuild(ledger.ID, false); err != nil {
			llog.Error().Err(err).Msg("inventory rebuild failed")
			failed++
			continue
		}
		if err := returnsService.Recompute(ledger.ID); err != nil {
			llog.Error().Err(err).Msg("return series recompute failed")
			failed++
			continue
		}
		llog.Info().Str("cost_method", string(ledger.CostMethod)).Msg("ledger up to date")
	}

	// A full pass rewrites a lot of rows; truncate the WAL before exiting.
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if failed > 0 {
		log.Error().Int("failed", failed).Int("total", len(ledgers)).Msg("consistency pass finished with errors")
		os.Exit(1)
	}
	log.Info().Int("ledgers", len(ledgers)).Msg("consistency pass finished")
}
