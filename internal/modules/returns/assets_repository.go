package returns

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AssetsRepository handles the daily net-asset snapshots: account balances
// and position market values, both in the report currency.
type AssetsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAssetsRepository creates a new assets repository.
func NewAssetsRepository(db *sql.DB, log zerolog.Logger) *AssetsRepository {
	return &AssetsRepository{
		db:  db,
		log: log.With().Str("repo", "daily_assets").Logger(),
	}
}

// SaveBalance upserts one account's balance snapshot for a date.
func (r *AssetsRepository) SaveBalance(ledgerID int64, account, date string, balance decimal.Decimal) error {
	_, err := r.db.Exec(`
		INSERT INTO account_balance_history (ledger_id, account, date, balance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger_id, account, date) DO UPDATE SET balance = excluded.balance`,
		ledgerID, account, date, balance.String())
	if err != nil {
		return fmt.Errorf("failed to save balance for %s on %s: %w", account, date, err)
	}
	return nil
}

// SavePositionValue upserts one position's market value snapshot for a date.
func (r *AssetsRepository) SavePositionValue(ledgerID int64, account, code, date string, marketValue decimal.Decimal) error {
	_, err := r.db.Exec(`
		INSERT INTO position_history (ledger_id, account, code, date, market_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ledger_id, account, code, date) DO UPDATE SET market_value = excluded.market_value`,
		ledgerID, account, code, date, marketValue.String())
	if err != nil {
		return fmt.Errorf("failed to save position value for %s/%s on %s: %w", account, code, date, err)
	}
	return nil
}

// NetAssetsOn sums balances and position values for one date. The boolean is
// false when neither table has any row for the date, which is different from
// assets that genuinely sum to zero.
func (r *AssetsRepository) NetAssetsOn(ledgerID int64, date string) (decimal.Decimal, bool, error) {
	total := decimal.Zero
	found := false

	rows, err := r.db.Query(`SELECT balance FROM account_balance_history WHERE ledger_id = ? AND date = ?`, ledgerID, date)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to query balances for %s: %w", date, err)
	}
	total, found, err = sumRows(rows, total, found)
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	rows, err = r.db.Query(`SELECT market_value FROM position_history WHERE ledger_id = ? AND date = ?`, ledgerID, date)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to query position values for %s: %w", date, err)
	}
	total, found, err = sumRows(rows, total, found)
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	return total, found, nil
}

// DatesWithData returns the sorted distinct dates with at least one balance
// or position snapshot, starting at fromDate ("" = all).
func (r *AssetsRepository) DatesWithData(ledgerID int64, fromDate string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT date FROM account_balance_history WHERE ledger_id = ? AND date >= ?
		UNION
		SELECT date FROM position_history WHERE ledger_id = ? AND date >= ?`,
		ledgerID, fromDate, ledgerID, fromDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot dates for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot dates: %w", err)
	}
	sort.Strings(dates)
	return dates, nil
}

func sumRows(rows *sql.Rows, total decimal.Decimal, found bool) (decimal.Decimal, bool, error) {
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("failed to scan asset row: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("invalid asset value %q: %w", raw, err)
		}
		total = total.Add(v)
		found = true
	}
	if err := rows.Err(); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to iterate asset rows: %w", err)
	}
	return total, found, nil
}
