package inventory

import (
	"database/sql"
	"fmt"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
)

// LedgerRepository handles ledger metadata, most importantly each ledger's
// cost method, which is fixed at creation and routes transactions to the
// right engine.
type LedgerRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *sql.DB, log zerolog.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		log: log.With().Str("repo", "ledgers").Logger(),
	}
}

// Create inserts a ledger. An empty cost method falls back to FIFO.
func (r *LedgerRepository) Create(name string, method domain.CostMethod) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: ledger name must not be empty", domain.ErrValidation)
	}
	if method == "" {
		method = domain.DefaultCostMethod
	}
	if method != domain.CostMethodFIFO && method != domain.CostMethodWAC {
		return 0, fmt.Errorf("%w: unknown cost method %q", domain.ErrValidation, method)
	}
	res, err := r.db.Exec(`INSERT INTO ledgers (name, cost_method) VALUES (?, ?)`, name, string(method))
	if err != nil {
		return 0, fmt.Errorf("failed to create ledger %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get ledger id: %w", err)
	}
	r.log.Info().Int64("ledger_id", id).Str("name", name).Str("cost_method", string(method)).Msg("ledger created")
	return id, nil
}

// GetByID fetches one ledger, nil when it does not exist.
func (r *LedgerRepository) GetByID(id int64) (*domain.Ledger, error) {
	var (
		l      domain.Ledger
		method string
	)
	err := r.db.QueryRow(`SELECT id, name, cost_method FROM ledgers WHERE id = ?`, id).
		Scan(&l.ID, &l.Name, &method)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger %d: %w", id, err)
	}
	l.CostMethod = domain.CostMethod(method)
	return &l, nil
}

// List returns all ledgers ordered by id.
func (r *LedgerRepository) List() ([]domain.Ledger, error) {
	rows, err := r.db.Query(`SELECT id, name, cost_method FROM ledgers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}
	defer rows.Close()

	var out []domain.Ledger
	for rows.Next() {
		var (
			l      domain.Ledger
			method string
		)
		if err := rows.Scan(&l.ID, &l.Name, &method); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		l.CostMethod = domain.CostMethod(method)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledgers: %w", err)
	}
	return out, nil
}
