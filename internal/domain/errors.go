package domain

import "errors"

var (
	// Caller errors. Rejected synchronously with no state change.
	ErrInsufficientLiquidity = errors.New("insufficient available liquidity")
	ErrOverSell              = errors.New("sale exceeds remaining shares")
	ErrNotPending            = errors.New("partial sale is not pending")
	ErrInvalidWeight         = errors.New("participation weight must be in (0, 100]")
	ErrPositionClosed        = errors.New("position is not active")

	// ErrPoolBusy means the per-pool writer lock could not be acquired
	// within the configured wait. Callers retry with backoff.
	ErrPoolBusy = errors.New("pool is locked by another writer")

	// Drift errors. Never ignored; they are surfaced to the operator queue
	// and resolved through reconciliation.
	ErrPoolImbalance  = errors.New("pool liquidity out of balance")
	ErrOrphanDetected = errors.New("orphaned position or distribution")

	ErrPolicyViolation = errors.New("position violates allocation policy")

	// Store / infrastructure errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStaleVersion  = errors.New("stale pool version")
	ErrLockHeld      = errors.New("lock already held")
)
