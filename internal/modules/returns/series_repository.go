package returns

import (
	"database/sql"
	"fmt"

	"github.com/mingqi/finbook/internal/database"
	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SeriesRepository handles persistence of the computed return series and its
// rounding-diff side records.
type SeriesRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSeriesRepository creates a new series repository.
func NewSeriesRepository(db *sql.DB, log zerolog.Logger) *SeriesRepository {
	return &SeriesRepository{
		db:  db,
		log: log.With().Str("repo", "return_rate").Logger(),
	}
}

// ReplaceFrom atomically deletes all series rows of the ledger on or after
// fromDate ("" = everything) and inserts the freshly computed ones.
func (r *SeriesRepository) ReplaceFrom(ledgerID int64, fromDate string, points []domain.NAVPoint, diffs []domain.RoundingDiff) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return r.replaceFromTx(tx, ledgerID, fromDate, points, diffs)
	})
}

func (r *SeriesRepository) replaceFromTx(tx *sql.Tx, ledgerID int64, fromDate string, points []domain.NAVPoint, diffs []domain.RoundingDiff) error {
	if _, err := tx.Exec(`DELETE FROM return_rate WHERE ledger_id = ? AND date >= ?`, ledgerID, fromDate); err != nil {
		return fmt.Errorf("failed to clear return series for ledger %d: %w", ledgerID, err)
	}
	if _, err := tx.Exec(`DELETE FROM rounding_diff WHERE ledger_id = ? AND date >= ?`, ledgerID, fromDate); err != nil {
		return fmt.Errorf("failed to clear rounding diffs for ledger %d: %w", ledgerID, err)
	}

	for _, p := range points {
		_, err := tx.Exec(`
			INSERT INTO return_rate
			(ledger_id, date, capital_flow, confirmed_units, confirm_price, total_units, unit_price, net_assets, daily_pnl, daily_return, cumulative_return)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ledger_id, date) DO UPDATE SET
				capital_flow = excluded.capital_flow,
				confirmed_units = excluded.confirmed_units,
				confirm_price = excluded.confirm_price,
				total_units = excluded.total_units,
				unit_price = excluded.unit_price,
				net_assets = excluded.net_assets,
				daily_pnl = excluded.daily_pnl,
				daily_return = excluded.daily_return,
				cumulative_return = excluded.cumulative_return`,
			p.LedgerID, p.Date, p.CapitalFlow.String(), p.ConfirmedUnits.String(),
			p.ConfirmPrice.String(), p.TotalUnits.String(), p.UnitPrice.String(),
			p.NetAssets.String(), p.DailyPnL.String(), p.DailyReturnPct,
			p.CumulativeReturn.String())
		if err != nil {
			return fmt.Errorf("failed to insert return point %s: %w", p.Date, err)
		}
	}

	for _, d := range diffs {
		_, err := tx.Exec(`
			INSERT INTO rounding_diff
			(ledger_id, date, raw_units, confirmed_units, diff_units, diff_amount, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.LedgerID, d.Date, d.RawUnits.String(), d.ConfirmedUnits.String(),
			d.DiffUnits.String(), d.DiffAmount.String(), d.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("failed to insert rounding diff %s: %w", d.Date, err)
		}
	}
	return nil
}

// ListByLedger returns the stored series in date order.
func (r *SeriesRepository) ListByLedger(ledgerID int64) ([]domain.NAVPoint, error) {
	rows, err := r.db.Query(`
		SELECT ledger_id, date, capital_flow, confirmed_units, confirm_price, total_units, unit_price, net_assets, daily_pnl, daily_return, cumulative_return
		FROM return_rate WHERE ledger_id = ?
		ORDER BY date ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list return series for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var out []domain.NAVPoint
	for rows.Next() {
		p, err := scanNAVPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate return series: %w", err)
	}
	return out, nil
}

// LastBefore returns the latest stored point strictly before date, nil when
// there is none. Used to seed incremental recomputation.
func (r *SeriesRepository) LastBefore(ledgerID int64, date string) (*domain.NAVPoint, error) {
	row := r.db.QueryRow(`
		SELECT ledger_id, date, capital_flow, confirmed_units, confirm_price, total_units, unit_price, net_assets, daily_pnl, daily_return, cumulative_return
		FROM return_rate WHERE ledger_id = ? AND date < ?
		ORDER BY date DESC LIMIT 1`, ledgerID, date)
	p, err := scanNAVPoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListRoundingDiffs returns the rounding-diff records of a ledger.
func (r *SeriesRepository) ListRoundingDiffs(ledgerID int64) ([]domain.RoundingDiff, error) {
	rows, err := r.db.Query(`
		SELECT ledger_id, date, raw_units, confirmed_units, diff_units, diff_amount, unit_price
		FROM rounding_diff WHERE ledger_id = ?
		ORDER BY date ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounding diffs for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var out []domain.RoundingDiff
	for rows.Next() {
		var (
			d                               domain.RoundingDiff
			raw, conf, units, amount, price string
		)
		if err := rows.Scan(&d.LedgerID, &d.Date, &raw, &conf, &units, &amount, &price); err != nil {
			return nil, fmt.Errorf("failed to scan rounding diff row: %w", err)
		}
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&d.RawUnits, raw}, {&d.ConfirmedUnits, conf}, {&d.DiffUnits, units},
			{&d.DiffAmount, amount}, {&d.UnitPrice, price},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("invalid rounding diff value %q: %w", f.src, err)
			}
			*f.dst = v
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rounding diffs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNAVPoint(row rowScanner) (*domain.NAVPoint, error) {
	var (
		p                                            domain.NAVPoint
		flow, units, confPrice, total, price, assets string
		pnl, cumulative                              string
	)
	err := row.Scan(&p.LedgerID, &p.Date, &flow, &units, &confPrice, &total,
		&price, &assets, &pnl, &p.DailyReturnPct, &cumulative)
	if err != nil {
		return nil, err
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.CapitalFlow, flow}, {&p.ConfirmedUnits, units}, {&p.ConfirmPrice, confPrice},
		{&p.TotalUnits, total}, {&p.UnitPrice, price}, {&p.NetAssets, assets},
		{&p.DailyPnL, pnl}, {&p.CumulativeReturn, cumulative},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("invalid return series value %q: %w", f.src, err)
		}
		*f.dst = v
	}
	return &p, nil
}
