package portfolio

import (
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/mingqi/finbook/internal/modules/inventory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Synchronizer reconciles the positions projection with the holdings an
// inventory engine reports. Engine state always wins: rows are updated when
// they drift past the noise threshold, created when missing, and deleted when
// the engine no longer knows them.
type Synchronizer struct {
	positions *PositionRepository
	log       zerolog.Logger
}

// NewSynchronizer creates a position synchronizer.
func NewSynchronizer(positions *PositionRepository, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		positions: positions,
		log:       log.With().Str("component", "position_sync").Logger(),
	}
}

// SyncLedger aggregates holdings per (account, code, currency) and writes the
// result through to the positions table. Aggregates within ±epsilon of zero
// are treated as flat and get no row.
func (s *Synchronizer) SyncLedger(ledgerID int64, holdings []inventory.Holding) error {
	aggregated := aggregate(ledgerID, holdings)

	stored, err := s.positions.ListByLedger(ledgerID)
	if err != nil {
		return err
	}
	existing := make(map[string]domain.Position, len(stored))
	for _, p := range stored {
		existing[PositionKey(p.Account, p.Code, p.Currency)] = p
	}

	keep := make(map[string]struct{}, len(aggregated))
	var created, updated int
	for key, want := range aggregated {
		keep[key] = struct{}{}
		have, ok := existing[key]
		if ok && !positionDrifted(have, want) {
			continue
		}
		if err := s.positions.Upsert(want); err != nil {
			return fmt.Errorf("position sync for ledger %d failed: %w", ledgerID, err)
		}
		if ok {
			updated++
		} else {
			created++
		}
	}

	deleted, err := s.positions.DeleteStale(ledgerID, keep)
	if err != nil {
		return fmt.Errorf("position sync for ledger %d failed: %w", ledgerID, err)
	}

	if created+updated > 0 || deleted > 0 {
		s.log.Info().Int64("ledger_id", ledgerID).
			Int("created", created).Int("updated", updated).Int64("deleted", deleted).
			Msg("positions synchronized")
	}
	return nil
}

// aggregate sums holdings per (account, code, currency). The exchange rate of
// the aggregate is the book-value-weighted blend of the lot rates.
func aggregate(ledgerID int64, holdings []inventory.Holding) map[string]domain.Position {
	out := make(map[string]domain.Position)
	for _, h := range holdings {
		key := PositionKey(h.Account, h.Code, h.Currency)
		p, ok := out[key]
		if !ok {
			p = domain.Position{
				LedgerID:     ledgerID,
				Account:      h.Account,
				Code:         h.Code,
				Name:         h.Name,
				Currency:     h.Currency,
				ExchangeRate: h.ExchangeRate,
			}
		}
		p.Quantity = p.Quantity.Add(h.Quantity)
		p.BookValue = p.BookValue.Add(h.BookValue)
		if h.Name != "" {
			p.Name = h.Name
		}
		out[key] = p
	}

	for key, p := range out {
		if p.Quantity.Abs().LessThan(domain.PositionEpsilon) {
			delete(out, key)
			continue
		}
		p.AvgCost = p.BookValue.Div(p.Quantity).Round(4)
		p.ExchangeRate = blendRate(holdings, p)
		out[key] = p
	}
	return out
}

// blendRate computes the |book-value|-weighted exchange rate across the lots
// that make up one aggregate. Falls back to 1 when the books cancel out.
func blendRate(holdings []inventory.Holding, p domain.Position) decimal.Decimal {
	totalWeight := decimal.Zero
	weighted := decimal.Zero
	for _, h := range holdings {
		if h.Account != p.Account || h.Code != p.Code || h.Currency != p.Currency {
			continue
		}
		w := h.BookValue.Abs()
		totalWeight = totalWeight.Add(w)
		weighted = weighted.Add(h.ExchangeRate.Mul(w))
	}
	if totalWeight.IsZero() {
		return decimal.NewFromInt(1)
	}
	return weighted.Div(totalWeight).Round(4)
}

// positionDrifted reports whether a stored row differs from the engine view
// beyond the noise threshold.
func positionDrifted(have, want domain.Position) bool {
	if have.Quantity.Sub(want.Quantity).Abs().GreaterThanOrEqual(domain.PositionEpsilon) {
		return true
	}
	if have.BookValue.Sub(want.BookValue).Abs().GreaterThanOrEqual(domain.PositionEpsilon) {
		return true
	}
	if !have.ExchangeRate.Equal(want.ExchangeRate) {
		return true
	}
	return have.Name != want.Name
}
