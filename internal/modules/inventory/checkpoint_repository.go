package inventory

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// RebuildState describes how much replay a ledger needs before its engine
// state can be trusted.
type RebuildState string

const (
	// StateUninitialized - the ledger has never been replayed
	StateUninitialized RebuildState = "uninitialized"
	// StateFullRebuildRequired - a destructive change invalidated the checkpoint
	StateFullRebuildRequired RebuildState = "full_rebuild_required"
	// StateIncrementalReady - new transactions can be applied on top of the checkpoint
	StateIncrementalReady RebuildState = "incremental_ready"
)

// CheckpointRepository tracks, per ledger, the id of the last transaction the
// inventory engine has replayed. The checkpoint only ever advances after a
// replay completed, so a crash mid-rebuild leaves it pointing at known-good
// state.
type CheckpointRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(db *sql.DB, log zerolog.Logger) *CheckpointRepository {
	return &CheckpointRepository{
		db:  db,
		log: log.With().Str("repo", "checkpoints").Logger(),
	}
}

// Get returns the last processed transaction id for a ledger. The boolean is
// false when the ledger has no checkpoint row yet.
func (r *CheckpointRepository) Get(ledgerID int64) (int64, bool, error) {
	var last int64
	err := r.db.QueryRow(`SELECT last_processed_id FROM inventory_state WHERE ledger_id = ?`, ledgerID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint for ledger %d: %w", ledgerID, err)
	}
	return last, true, nil
}

// Set records the last processed transaction id for a ledger.
func (r *CheckpointRepository) Set(ledgerID, lastProcessedID int64) error {
	_, err := r.db.Exec(`
		INSERT INTO inventory_state (ledger_id, last_processed_id, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(ledger_id) DO UPDATE SET
			last_processed_id = excluded.last_processed_id,
			updated_at = excluded.updated_at`,
		ledgerID, lastProcessedID)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for ledger %d: %w", ledgerID, err)
	}
	return nil
}

// Invalidate marks a ledger as needing a full rebuild. Called after
// destructive journal changes (update or delete of an existing row).
func (r *CheckpointRepository) Invalidate(ledgerID int64) error {
	if err := r.Set(ledgerID, 0); err != nil {
		return err
	}
	r.log.Debug().Int64("ledger_id", ledgerID).Msg("checkpoint invalidated")
	return nil
}

// Clear removes the checkpoint row entirely, returning the ledger to the
// uninitialized state.
func (r *CheckpointRepository) Clear(ledgerID int64) error {
	if _, err := r.db.Exec(`DELETE FROM inventory_state WHERE ledger_id = ?`, ledgerID); err != nil {
		return fmt.Errorf("failed to clear checkpoint for ledger %d: %w", ledgerID, err)
	}
	return nil
}

// State derives the rebuild state of a ledger from its checkpoint row.
func (r *CheckpointRepository) State(ledgerID int64) (RebuildState, error) {
	last, ok, err := r.Get(ledgerID)
	if err != nil {
		return "", err
	}
	switch {
	case !ok:
		return StateUninitialized, nil
	case last == 0:
		return StateFullRebuildRequired, nil
	default:
		return StateIncrementalReady, nil
	}
}
