package inventory

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RateSource resolves a currency's exchange rate on a date for transactions
// that do not carry an explicit rate.
type RateSource interface {
	RateOn(currency, date string) (decimal.Decimal, error)
}

// Controller keeps engine state consistent with the transaction journal.
// New transactions take the incremental fast path when they arrive exactly
// one id after the checkpoint; any gap, destructive edit or unknown state
// falls back to a full ordered replay of the ledger's journal.
type Controller struct {
	transactions *TransactionRepository
	checkpoints  *CheckpointRepository
	rates        RateSource
	log          zerolog.Logger
}

// NewController creates a rebuild controller.
func NewController(transactions *TransactionRepository, checkpoints *CheckpointRepository, rates RateSource, log zerolog.Logger) *Controller {
	return &Controller{
		transactions: transactions,
		checkpoints:  checkpoints,
		rates:        rates,
		log:          log.With().Str("component", "rebuild").Logger(),
	}
}

// Apply brings an engine up to date after transaction txID was appended to
// the ledger's journal. The checkpoint advances only once the replay
// actually completed.
func (c *Controller) Apply(engine Engine, ledgerID, txID int64) error {
	last, ok, err := c.checkpoints.Get(ledgerID)
	if err != nil {
		return err
	}
	if !ok || last == 0 || txID != last+1 {
		c.log.Info().Int64("ledger_id", ledgerID).Int64("tx_id", txID).
			Int64("checkpoint", last).Msg("fast path unavailable, full rebuild")
		return c.FullRebuild(engine, ledgerID)
	}

	tx, err := c.transactions.GetByID(ledgerID, txID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("%w: transaction %d missing from ledger %d journal", domain.ErrConsistency, txID, ledgerID)
	}

	if err := c.processOne(engine, *tx); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInsufficientData) {
			// Bad row: it is skipped, but the checkpoint still advances so
			// the same row is not retried forever.
			c.log.Warn().Int64("ledger_id", ledgerID).Int64("tx_id", txID).Err(err).
				Msg("transaction skipped")
		} else if errors.Is(err, domain.ErrConsistency) {
			c.log.Error().Int64("ledger_id", ledgerID).Int64("tx_id", txID).Err(err).
				Msg("engine inconsistency, forcing full rebuild")
			return c.FullRebuild(engine, ledgerID)
		} else {
			return err
		}
	}

	return c.checkpoints.Set(ledgerID, txID)
}

// FullRebuild clears the ledger's engine state and replays its entire
// journal in (date, id) order.
func (c *Controller) FullRebuild(engine Engine, ledgerID int64) error {
	runID := uuid.New().String()
	log := c.log.With().Int64("ledger_id", ledgerID).Str("run_id", runID).Logger()

	txs, err := c.transactions.ListByLedger(ledgerID)
	if err != nil {
		return err
	}

	engine.ClearLedger(ledgerID)
	log.Info().Int("transactions", len(txs)).Msg("full rebuild started")

	var maxID int64
	skipped := 0
	for _, tx := range txs {
		if tx.ID > maxID {
			maxID = tx.ID
		}
		if err := c.processOne(engine, tx); err != nil {
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInsufficientData) {
				skipped++
				log.Warn().Int64("tx_id", tx.ID).Err(err).Msg("transaction skipped during rebuild")
				continue
			}
			// The checkpoint is not advanced: the next access rebuilds again.
			if invErr := c.checkpoints.Invalidate(ledgerID); invErr != nil {
				log.Error().Err(invErr).Msg("failed to invalidate checkpoint after rebuild error")
			}
			return fmt.Errorf("full rebuild of ledger %d failed at transaction %d: %w", ledgerID, tx.ID, err)
		}
	}

	if err := c.checkpoints.Set(ledgerID, maxID); err != nil {
		return err
	}
	log.Info().Int64("checkpoint", maxID).Int("skipped", skipped).Msg("full rebuild completed")
	return nil
}

// EnsureReady makes sure a warm engine reflects the journal: a ledger whose
// checkpoint already matches the journal head is left untouched, a ledger
// that fell behind replays only the rows past its checkpoint, and anything
// without a usable checkpoint is fully rebuilt.
func (c *Controller) EnsureReady(engine Engine, ledgerID int64) error {
	state, err := c.checkpoints.State(ledgerID)
	if err != nil {
		return err
	}
	if state != StateIncrementalReady {
		return c.FullRebuild(engine, ledgerID)
	}
	last, _, err := c.checkpoints.Get(ledgerID)
	if err != nil {
		return err
	}
	maxID, err := c.transactions.MaxID(ledgerID)
	if err != nil {
		return err
	}
	if last == maxID {
		return nil
	}
	if last > maxID {
		// Checkpoint past the journal head means rows were deleted behind
		// our back; the engine state cannot be trusted.
		return c.FullRebuild(engine, ledgerID)
	}
	return c.catchUp(engine, ledgerID, last, maxID)
}

// catchUp replays only the journal rows past the checkpoint. A new row dated
// before an already-processed one would replay out of order, so that case
// falls back to a full rebuild.
func (c *Controller) catchUp(engine Engine, ledgerID, last, maxID int64) error {
	anchor, err := c.transactions.GetByID(ledgerID, last)
	if err != nil {
		return err
	}
	pending, err := c.transactions.ListSince(ledgerID, last)
	if err != nil {
		return err
	}
	if anchor != nil {
		for _, tx := range pending {
			if tx.Date < anchor.Date {
				c.log.Info().Int64("ledger_id", ledgerID).Int64("tx_id", tx.ID).
					Str("date", tx.Date).Msg("backdated row behind checkpoint, full rebuild")
				return c.FullRebuild(engine, ledgerID)
			}
		}
	}

	for _, tx := range pending {
		if err := c.processOne(engine, tx); err != nil {
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInsufficientData) {
				c.log.Warn().Int64("ledger_id", ledgerID).Int64("tx_id", tx.ID).Err(err).
					Msg("transaction skipped during catch-up")
				continue
			}
			return c.FullRebuild(engine, ledgerID)
		}
	}
	c.log.Debug().Int64("ledger_id", ledgerID).Int64("from", last).Int64("to", maxID).
		Int("replayed", len(pending)).Msg("engine caught up incrementally")
	return c.checkpoints.Set(ledgerID, maxID)
}

// processOne resolves the transaction's exchange rate and feeds it to the
// engine. A transaction without an explicit rate uses the latest historical
// rate on or before its date.
func (c *Controller) processOne(engine Engine, tx domain.Transaction) error {
	if tx.ExchangeRate.IsZero() {
		rate, err := c.rates.RateOn(tx.Currency, tx.Date)
		if err != nil {
			return fmt.Errorf("%w: rate lookup for %s on %s failed: %v",
				domain.ErrInsufficientData, tx.Currency, tx.Date, err)
		}
		tx.ExchangeRate = rate
	}
	return engine.Process(tx)
}
