// Package currency provides historical exchange rate lookups. Rates convert
// one unit of a foreign currency into the report currency.
package currency

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RateRepository reads and writes the exchange_rate_history table.
type RateRepository struct {
	db             *sql.DB
	reportCurrency string
	log            zerolog.Logger
}

// NewRateRepository creates a new rate repository. reportCurrency is the
// currency everything is reported in; its rate is always exactly 1.
func NewRateRepository(db *sql.DB, reportCurrency string, log zerolog.Logger) *RateRepository {
	return &RateRepository{
		db:             db,
		reportCurrency: reportCurrency,
		log:            log.With().Str("repo", "exchange_rates").Logger(),
	}
}

// Save upserts one dated rate.
func (r *RateRepository) Save(currency, date string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("exchange rate must be positive, got %s", rate)
	}
	_, err := r.db.Exec(`
		INSERT INTO exchange_rate_history (currency, date, rate)
		VALUES (?, ?, ?)
		ON CONFLICT(currency, date) DO UPDATE SET rate = excluded.rate`,
		currency, date, rate.String())
	if err != nil {
		return fmt.Errorf("failed to save rate for %s on %s: %w", currency, date, err)
	}
	return nil
}

// RateOn returns the most recent stored rate on or before the given date.
// The report currency is always 1, and a currency with no history at all
// falls back to 1 rather than failing the caller.
func (r *RateRepository) RateOn(currency, date string) (decimal.Decimal, error) {
	if currency == "" || currency == r.reportCurrency {
		return decimal.NewFromInt(1), nil
	}

	var raw string
	err := r.db.QueryRow(`
		SELECT rate FROM exchange_rate_history
		WHERE currency = ? AND date <= ?
		ORDER BY date DESC LIMIT 1`, currency, date).Scan(&raw)
	if err == sql.ErrNoRows {
		r.log.Warn().Str("currency", currency).Str("date", date).
			Msg("no exchange rate history, defaulting to 1")
		return decimal.NewFromInt(1), nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to look up rate for %s on %s: %w", currency, date, err)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid stored rate %q for %s: %w", raw, currency, err)
	}
	return rate, nil
}
