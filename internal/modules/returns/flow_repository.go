package returns

import (
	"database/sql"
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FlowRepository handles persistence of capital contributions and
// withdrawals. At most one flow row exists per (ledger, date); same-day
// movements are summed into it.
type FlowRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewFlowRepository creates a new capital flow repository.
func NewFlowRepository(db *sql.DB, log zerolog.Logger) *FlowRepository {
	return &FlowRepository{
		db:  db,
		log: log.With().Str("repo", "capital_flows").Logger(),
	}
}

// Record adds a flow to the ledger, accumulating onto any existing flow of
// the same date.
func (r *FlowRepository) Record(flow domain.CapitalFlow) error {
	if flow.Date == "" {
		return fmt.Errorf("%w: capital flow date is required", domain.ErrValidation)
	}
	if flow.Amount.IsZero() {
		return fmt.Errorf("%w: capital flow amount must not be zero", domain.ErrValidation)
	}
	// Summing happens in Go to keep the stored amount exact.
	var existing sql.NullString
	err := r.db.QueryRow(`SELECT amount FROM capital_flows WHERE ledger_id = ? AND date = ?`,
		flow.LedgerID, flow.Date).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read capital flow for ledger %d on %s: %w", flow.LedgerID, flow.Date, err)
	}
	amount := flow.Amount
	if existing.Valid {
		prev, perr := decimal.NewFromString(existing.String)
		if perr != nil {
			return fmt.Errorf("invalid stored capital flow amount %q: %w", existing.String, perr)
		}
		amount = amount.Add(prev)
	}
	_, err = r.db.Exec(`
		INSERT INTO capital_flows (ledger_id, date, amount, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger_id, date) DO UPDATE SET
			amount = excluded.amount,
			note = excluded.note`,
		flow.LedgerID, flow.Date, amount.String(), flow.Note)
	if err != nil {
		return fmt.Errorf("failed to record capital flow for ledger %d on %s: %w", flow.LedgerID, flow.Date, err)
	}
	return nil
}

// Set replaces the flow of one date outright.
func (r *FlowRepository) Set(flow domain.CapitalFlow) error {
	_, err := r.db.Exec(`
		INSERT INTO capital_flows (ledger_id, date, amount, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger_id, date) DO UPDATE SET
			amount = excluded.amount,
			note = excluded.note`,
		flow.LedgerID, flow.Date, flow.Amount.String(), flow.Note)
	if err != nil {
		return fmt.Errorf("failed to set capital flow for ledger %d on %s: %w", flow.LedgerID, flow.Date, err)
	}
	return nil
}

// ListByLedger returns all flows of a ledger in date order.
func (r *FlowRepository) ListByLedger(ledgerID int64) ([]domain.CapitalFlow, error) {
	rows, err := r.db.Query(`
		SELECT id, ledger_id, date, amount, note
		FROM capital_flows WHERE ledger_id = ?
		ORDER BY date ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capital flows for ledger %d: %w", ledgerID, err)
	}
	defer rows.Close()

	var out []domain.CapitalFlow
	for rows.Next() {
		var (
			f   domain.CapitalFlow
			amt string
		)
		if err := rows.Scan(&f.ID, &f.LedgerID, &f.Date, &amt, &f.Note); err != nil {
			return nil, fmt.Errorf("failed to scan capital flow row: %w", err)
		}
		if f.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("invalid capital flow amount %q: %w", amt, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate capital flows: %w", err)
	}
	return out, nil
}

// FirstDate returns the earliest flow date of a ledger; the boolean is false
// when the ledger has no flows at all.
func (r *FlowRepository) FirstDate(ledgerID int64) (string, bool, error) {
	var date sql.NullString
	err := r.db.QueryRow(`SELECT MIN(date) FROM capital_flows WHERE ledger_id = ?`, ledgerID).Scan(&date)
	if err != nil {
		return "", false, fmt.Errorf("failed to get first flow date for ledger %d: %w", ledgerID, err)
	}
	return date.String, date.Valid, nil
}
