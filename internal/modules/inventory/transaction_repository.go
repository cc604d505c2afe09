package inventory

import (
	"database/sql"
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TransactionRepository handles persistence of the transaction journal.
// The journal is the book of record: engine state is always derivable from it.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

// Create inserts a transaction and returns its assigned id.
func (r *TransactionRepository) Create(tx domain.Transaction) (int64, error) {
	var rate interface{}
	if !tx.ExchangeRate.IsZero() {
		rate = tx.ExchangeRate.String()
	}
	res, err := r.db.Exec(`
		INSERT INTO transactions (ledger_id, account, code, name, date, quantity, amount, currency, exchange_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.LedgerID, tx.Account, tx.Code, tx.Name, tx.Date,
		tx.Quantity.String(), tx.Amount.String(), tx.Currency, rate)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction id: %w", err)
	}
	return id, nil
}

// Update rewrites an existing transaction row.
func (r *TransactionRepository) Update(tx domain.Transaction) error {
	var rate interface{}
	if !tx.ExchangeRate.IsZero() {
		rate = tx.ExchangeRate.String()
	}
	res, err := r.db.Exec(`
		UPDATE transactions
		SET account = ?, code = ?, name = ?, date = ?, quantity = ?, amount = ?, currency = ?, exchange_rate = ?
		WHERE id = ? AND ledger_id = ?`,
		tx.Account, tx.Code, tx.Name, tx.Date,
		tx.Quantity.String(), tx.Amount.String(), tx.Currency, rate,
		tx.ID, tx.LedgerID)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", tx.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of transaction %d: %w", tx.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d not found in ledger %d", tx.ID, tx.LedgerID)
	}
	return nil
}

// Delete removes a transaction row.
func (r *TransactionRepository) Delete(ledgerID, id int64) error {
	res, err := r.db.Exec(`DELETE FROM transactions WHERE id = ? AND ledger_id = ?`, id, ledgerID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete of transaction %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d not found in ledger %d", id, ledgerID)
	}
	return nil
}

// GetByID fetches a single transaction.
func (r *TransactionRepository) GetByID(ledgerID, id int64) (*domain.Transaction, error) {
	row := r.db.QueryRow(`
		SELECT id, ledger_id, account, code, name, date, quantity, amount, currency, exchange_rate
		FROM transactions WHERE id = ? AND ledger_id = ?`, id, ledgerID)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return tx, nil
}

// ListByLedger returns the full journal of one ledger in replay order
// (date first, insertion id as tiebreaker).
func (r *TransactionRepository) ListByLedger(ledgerID int64) ([]domain.Transaction, error) {
	rows, err := r.db.Query(`
		SELECT id, ledger_id, account, code, name, date, quantity, amount, currency, exchange_rate
		FROM transactions WHERE ledger_id = ?
		ORDER BY date ASC, id ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

// ListSince returns the journal rows with id > afterID in replay order.
// Used to catch a warm engine up to the journal head.
func (r *TransactionRepository) ListSince(ledgerID, afterID int64) ([]domain.Transaction, error) {
	rows, err := r.db.Query(`
		SELECT id, ledger_id, account, code, name, date, quantity, amount, currency, exchange_rate
		FROM transactions WHERE ledger_id = ? AND id > ?
		ORDER BY date ASC, id ASC`, ledgerID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for ledger %d after %d: %w", ledgerID, afterID, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

// MaxID returns the highest transaction id in a ledger, 0 when empty.
func (r *TransactionRepository) MaxID(ledgerID int64) (int64, error) {
	var max sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(id) FROM transactions WHERE ledger_id = ?`, ledgerID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max transaction id for ledger %d: %w", ledgerID, err)
	}
	return max.Int64, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx       domain.Transaction
		qty, amt string
		rate     sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.LedgerID, &tx.Account, &tx.Code, &tx.Name,
		&tx.Date, &qty, &amt, &tx.Currency, &rate)
	if err != nil {
		return nil, err
	}
	if tx.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", qty, err)
	}
	if tx.Amount, err = decimal.NewFromString(amt); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amt, err)
	}
	if rate.Valid {
		if tx.ExchangeRate, err = decimal.NewFromString(rate.String); err != nil {
			return nil, fmt.Errorf("invalid exchange rate %q: %w", rate.String, err)
		}
	}
	return &tx, nil
}
