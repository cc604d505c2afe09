// Package portfolio projects engine holdings into the positions table and
// keeps that projection consistent with the inventory engines.
package portfolio

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionRepository handles position database operations.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// Upsert writes one position row keyed by (ledger, account, code, currency).
func (r *PositionRepository) Upsert(p domain.Position) error {
	_, err := r.db.Exec(`
		INSERT INTO positions (ledger_id, account, code, name, quantity, book_value, currency, exchange_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(ledger_id, account, code, currency) DO UPDATE SET
			name = excluded.name,
			quantity = excluded.quantity,
			book_value = excluded.book_value,
			exchange_rate = excluded.exchange_rate,
			updated_at = excluded.updated_at`,
		p.LedgerID, p.Account, p.Code, p.Name,
		p.Quantity.String(), p.BookValue.String(), p.Currency, p.ExchangeRate.String())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s/%s: %w", p.Account, p.Code, err)
	}
	return nil
}

// ListByLedger returns all stored positions of one ledger.
func (r *PositionRepository) ListByLedger(ledgerID int64) ([]domain.Position, error) {
	rows, err := r.db.Query(`
		SELECT ledger_id, account, code, name, quantity, book_value, currency, exchange_rate
		FROM positions WHERE ledger_id = ?
		ORDER BY account ASC, code ASC, currency ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p             domain.Position
			qty, book, fx string
		)
		if err := rows.Scan(&p.LedgerID, &p.Account, &p.Code, &p.Name, &qty, &book, &p.Currency, &fx); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("invalid position quantity %q: %w", qty, err)
		}
		if p.BookValue, err = decimal.NewFromString(book); err != nil {
			return nil, fmt.Errorf("invalid position book value %q: %w", book, err)
		}
		if p.ExchangeRate, err = decimal.NewFromString(fx); err != nil {
			return nil, fmt.Errorf("invalid position exchange rate %q: %w", fx, err)
		}
		if !p.Quantity.IsZero() {
			p.AvgCost = p.BookValue.Div(p.Quantity).Round(4)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}
	return out, nil
}

// DeleteStale removes positions of a ledger that are not in the keep set.
// Keys are built with PositionKey.
func (r *PositionRepository) DeleteStale(ledgerID int64, keep map[string]struct{}) (int64, error) {
	if len(keep) == 0 {
		res, err := r.db.Exec(`DELETE FROM positions WHERE ledger_id = ?`, ledgerID)
		if err != nil {
			return 0, fmt.Errorf("failed to clear positions for ledger %d: %w", ledgerID, err)
		}
		return res.RowsAffected()
	}

	args := make([]interface{}, 0, len(keep)+1)
	args = append(args, ledgerID)
	placeholders := make([]string, 0, len(keep))
	for key := range keep {
		placeholders = append(placeholders, "?")
		args = append(args, key)
	}
	query := fmt.Sprintf(`
		DELETE FROM positions
		WHERE ledger_id = ? AND account || '|' || code || '|' || currency NOT IN (%s)`,
		strings.Join(placeholders, ", "))
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale positions for ledger %d: %w", ledgerID, err)
	}
	return res.RowsAffected()
}

// PositionKey builds the keep-set key for a position.
func PositionKey(account, code, currency string) string {
	return account + "|" + code + "|" + currency
}
