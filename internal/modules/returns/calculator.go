// Package returns computes the unit-price (NAV) return series of a ledger.
// Capital contributions buy units at the day's unit price, so the price
// series isolates performance from principal movements.
package returns

import (
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// ShareDecimals is the precision units are confirmed at.
	ShareDecimals = 4
	// NAVDecimals is the precision of the unit price.
	NAVDecimals = 6
)

var one = decimal.NewFromInt(1)

// DayInput is everything the calculator needs about one date, in ascending
// date order. HasAssets is false when neither a balance nor a position
// snapshot exists for the date.
type DayInput struct {
	Date      string
	Flow      decimal.Decimal
	NetAssets decimal.Decimal
	HasAssets bool
}

// Seed carries the state of the last computed day before an incremental
// continuation. The zero value starts a series from scratch.
type Seed struct {
	TotalUnits decimal.Decimal
	PrevPrice  decimal.Decimal
	PrevAssets decimal.Decimal
	HasPrev    bool
}

// Calculator turns day inputs into NAV points. It is pure: all I/O lives in
// the repositories and the service.
type Calculator struct {
	log zerolog.Logger
}

// NewCalculator creates a NAV calculator.
func NewCalculator(log zerolog.Logger) *Calculator {
	return &Calculator{log: log.With().Str("component", "nav_calculator").Logger()}
}

// Compute walks the days in order and produces one NAV point per day that
// has asset data, plus a rounding-diff record for every flow whose raw units
// did not land exactly on the confirmed precision.
//
// The unit price starts at exactly 1 on the first funded day. On later days
// the price is (net assets - flow) / prior units: the flow has not bought
// units yet when the day's price is struck, so it cannot distort the return.
//
// A flow can only be confirmed at a positive price. A contribution landing on
// a day whose unit price is zero (net assets wiped out) is an error: the data
// needs correcting, not silent unit inflation.
func (c *Calculator) Compute(ledgerID int64, days []DayInput, seed Seed) ([]domain.NAVPoint, []domain.RoundingDiff, error) {
	var (
		points []domain.NAVPoint
		diffs  []domain.RoundingDiff
	)

	totalUnits := seed.TotalUnits
	prevPrice := seed.PrevPrice
	if prevPrice.IsZero() {
		prevPrice = one
	}
	prevAssets := seed.PrevAssets
	hasPrev := seed.HasPrev

	for _, day := range days {
		if !day.HasAssets {
			if !day.Flow.IsZero() {
				c.log.Warn().Int64("ledger_id", ledgerID).Str("date", day.Date).
					Str("flow", day.Flow.String()).
					Msg("capital flow on a date without asset data, day omitted")
			}
			continue
		}

		if totalUnits.IsZero() {
			// Before the first contribution there is nothing to price.
			if day.Flow.IsZero() {
				continue
			}
			price := one
			rawUnits := day.Flow.Div(price)
			confirmed := rawUnits.Round(ShareDecimals)
			diffs = appendDiff(diffs, ledgerID, day.Date, rawUnits, confirmed, price)

			totalUnits = confirmed
			points = append(points, domain.NAVPoint{
				LedgerID:         ledgerID,
				Date:             day.Date,
				CapitalFlow:      day.Flow,
				ConfirmedUnits:   confirmed,
				ConfirmPrice:     price,
				TotalUnits:       totalUnits,
				UnitPrice:        price,
				NetAssets:        day.NetAssets,
				DailyPnL:         decimal.Zero,
				DailyReturnPct:   "0.00%",
				CumulativeReturn: decimal.Zero,
			})
			prevPrice = price
			prevAssets = day.NetAssets
			hasPrev = true
			continue
		}

		price := day.NetAssets.Sub(day.Flow).Div(totalUnits).Round(NAVDecimals)

		dailyReturn := decimal.Zero
		if prevPrice.IsPositive() {
			dailyReturn = price.Sub(prevPrice).Div(prevPrice)
		}
		cumulative := price.Sub(one)

		confirmed := decimal.Zero
		if !day.Flow.IsZero() {
			if !price.IsPositive() {
				return nil, nil, fmt.Errorf("%w: capital flow %s on %s but unit price is %s for ledger %d",
					domain.ErrConsistency, day.Flow, day.Date, price, ledgerID)
			}
			rawUnits := day.Flow.Div(price)
			confirmed = rawUnits.Round(ShareDecimals)
			diffs = appendDiff(diffs, ledgerID, day.Date, rawUnits, confirmed, price)
			totalUnits = totalUnits.Add(confirmed)
		}

		dailyPnL := decimal.Zero
		if hasPrev {
			dailyPnL = day.NetAssets.Sub(prevAssets).Sub(day.Flow)
		}

		points = append(points, domain.NAVPoint{
			LedgerID:         ledgerID,
			Date:             day.Date,
			CapitalFlow:      day.Flow,
			ConfirmedUnits:   confirmed,
			ConfirmPrice:     price,
			TotalUnits:       totalUnits,
			UnitPrice:        price,
			NetAssets:        day.NetAssets,
			DailyPnL:         dailyPnL,
			DailyReturnPct:   formatReturn(dailyReturn),
			CumulativeReturn: cumulative,
		})
		prevPrice = price
		prevAssets = day.NetAssets
		hasPrev = true
	}

	return points, diffs, nil
}

func appendDiff(diffs []domain.RoundingDiff, ledgerID int64, date string, raw, confirmed, price decimal.Decimal) []domain.RoundingDiff {
	diffUnits := raw.Sub(confirmed)
	if diffUnits.IsZero() {
		return diffs
	}
	return append(diffs, domain.RoundingDiff{
		LedgerID:       ledgerID,
		Date:           date,
		RawUnits:       raw,
		ConfirmedUnits: confirmed,
		DiffUnits:      diffUnits,
		DiffAmount:     diffUnits.Mul(price),
		UnitPrice:      price,
	})
}

// formatReturn renders a fractional return as a percentage with two decimal
// places, e.g. 0.05 -> "5.00%".
func formatReturn(r decimal.Decimal) string {
	return r.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
