package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Transaction-level errors. A transaction failing with one of these is never
// applied: state, nonce and balance are untouched.
var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrNonceTooHigh        = errors.New("nonce too high")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWrongChain          = errors.New("wrong chain id")
	ErrMalformedTx         = errors.New("malformed transaction")
)

// ErrOutOfGas is a payload-level failure: the transaction is included, its
// effects are reverted, and the reserved gas is still charged.
var ErrOutOfGas = errors.New("out of gas")

// Block and consensus errors.
var (
	ErrInvalidBlock        = errors.New("invalid block")
	ErrUnknownParent       = errors.New("unknown parent")
	ErrDuplicateBlock      = errors.New("block already known")
	ErrNoEligibleValidator = errors.New("no eligible validator")
	ErrConsensusViolation  = errors.New("consensus violation")
	ErrStateRootMismatch   = errors.New("state root mismatch")
)

// IsFatal reports whether err must be surfaced to the node operator rather
// than handled locally: a misbehaving validator, a replay divergence, or a
// halted producer set.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConsensusViolation) ||
		errors.Is(err, ErrStateRootMismatch) ||
		errors.Is(err, ErrNoEligibleValidator)
}

// IsRejection reports whether err means the transaction was never applied.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrNonceTooLow) ||
		errors.Is(err, ErrNonceTooHigh) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrWrongChain) ||
		errors.Is(err, ErrMalformedTx)
}
