// Package inventory implements the cost-basis accounting core: the FIFO and
// weighted-average-cost engines, the incremental rebuild controller and the
// service facade that serializes access per ledger.
package inventory

import (
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/shopspring/decimal"
)

// Holding is an engine-agnostic aggregation unit: one FIFO lot or one WAC
// balance, reduced to the fields the position synchronizer needs.
type Holding struct {
	LedgerID     int64
	Account      string
	Code         string
	Name         string
	Currency     string
	Quantity     decimal.Decimal
	BookValue    decimal.Decimal
	ExchangeRate decimal.Decimal // acquisition-time (cost) rate
}

// Filter narrows inventory and realized-P&L queries. A nil LedgerID or empty
// Code matches everything.
type Filter struct {
	LedgerID *int64
	Code     string
}

func (f Filter) matches(ledgerID int64, code string) bool {
	if f.LedgerID != nil && *f.LedgerID != ledgerID {
		return false
	}
	if f.Code != "" && f.Code != code {
		return false
	}
	return true
}

// Engine is the common contract of the FIFO and WAC engines.
//
// Process is idempotent per (transaction id, account): reprocessing a known
// pair is a no-op. This is required because the engine receives both full
// backfills and live increments. Engines are not goroutine-safe; the service
// facade serializes all access per ledger.
type Engine interface {
	Method() domain.CostMethod
	Process(tx domain.Transaction) error
	Holdings(f Filter) []Holding
	RealizedPL(f Filter) []domain.RealizedPL
	TotalQuantity(ledgerID int64, code, account string) decimal.Decimal
	ClearLedger(ledgerID int64)
	Clear()
}

// invKey isolates inventory per (ledger, security).
type invKey struct {
	LedgerID int64
	Code     string
}

// txKey identifies one processed (transaction, account) pair for idempotency.
type txKey struct {
	TxID    int64
	Account string
}

// Money is rounded to the cent, half-up; average costs, unit prices and
// blended rates to four places. decimal.Round ties away from zero, matching
// the rounding the rest of the books were produced with.
func roundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

func roundUnit(d decimal.Decimal) decimal.Decimal { return d.Round(4) }

// validate rejects rows the engines cannot account for. A zero quantity is
// not an accounting event and ends up here as well.
func validate(tx domain.Transaction) error {
	if tx.ID <= 0 {
		return fmt.Errorf("%w: transaction id %d", domain.ErrValidation, tx.ID)
	}
	if tx.Code == "" {
		return fmt.Errorf("%w: empty security code (id=%d)", domain.ErrValidation, tx.ID)
	}
	if tx.Account == "" {
		return fmt.Errorf("%w: empty account (id=%d)", domain.ErrValidation, tx.ID)
	}
	if tx.Date == "" {
		return fmt.Errorf("%w: empty date (id=%d)", domain.ErrValidation, tx.ID)
	}
	if tx.Quantity.IsZero() {
		return fmt.Errorf("%w: zero quantity (id=%d)", domain.ErrValidation, tx.ID)
	}
	return nil
}

// rateOrOne defaults a missing exchange rate to 1.0.
func rateOrOne(rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return rate
}
