package domain

import "errors"

// Command failure kinds. Every command validates against these before any
// state is mutated; a returned error guarantees the ledger is untouched.
var (
	// ErrInvalidAmount rejects non-positive or non-finite numeric input.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance means available < required for a specific asset.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLiquidity means the pool cannot honor a withdrawal in
	// the requested target asset.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrNotFound means an unknown order, position, or bot id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState rejects an operation on an entity in the wrong state,
	// e.g. cancelling a non-open order.
	ErrInvalidState = errors.New("invalid state")
)
