package domain

import "errors"

// Error taxonomy for the accounting core.
//
// ErrValidation and ErrInsufficientData are recoverable: a replay loop skips
// the offending row (logged) and continues. ErrConsistency marks state that
// contradicts itself (a checkpoint gap, an impossible cost method, a capital
// flow with no price to confirm it at); the rebuild controller converts a
// checkpoint gap into a full rebuild, everywhere else it aborts the
// operation. Anything else coming out of a repository is a store error and
// propagates wrapped; the checkpoint is never advanced past the last
// successfully completed replay, so retrying is always safe.
var (
	// ErrValidation marks a malformed transaction (missing fields, zero
	// quantity). The row is skipped, never aborts a batch replay.
	ErrValidation = errors.New("invalid transaction")

	// ErrInsufficientData marks a NAV date with no usable net-asset or
	// capital-flow data. The date is omitted from the series, not zero-filled.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrConsistency marks internally contradictory state.
	ErrConsistency = errors.New("inconsistent state")
)
