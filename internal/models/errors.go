package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Validation error kinds
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInsufficientValue = errors.New("insufficient value")
)

// Wallet errors
var (
	ErrWalletUnavailable = errors.New("wallet unavailable")
	ErrUserRejected      = errors.New("user rejected request")
	ErrNotConnected      = errors.New("wallet not connected")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

var (
	ErrNetwork             = errors.New("network error")
	ErrContractRevert      = errors.New("contract reverted")
	ErrRoomNotFound        = errors.New("room not found")
	ErrActionInProgress    = errors.New("action already in progress")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrTxNotTracked        = errors.New("transaction not tracked")
)

// ValidationError reports bad local input. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Kind == nil {
		return ErrInvalidInput
	}
	return e.Kind
}

// NewValidationError builds a ValidationError of kind ErrInvalidInput
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Kind: ErrInvalidInput}
}

// RevertError is an on-chain rejection of a write
type RevertError struct {
	Reason string
	TxHash *common.Hash // nil when the revert surfaced during gas estimation
}

func (e *RevertError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "execution reverted"
	}
	if e.TxHash != nil {
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), reason)
	}
	return fmt.Sprintf("contract reverted: %s", reason)
}

func (e *RevertError) Is(target error) bool {
	return target == ErrContractRevert
}

// NetworkError wraps a transport failure so callers can match ErrNetwork
func NetworkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}

// ErrorKind groups errors for the user-visible message channel
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindWallet     ErrorKind = "wallet"
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindRevert     ErrorKind = "revert"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindInternal   ErrorKind = "internal"
)

// Classify maps err onto the error taxonomy
func Classify(err error) ErrorKind {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return ErrorKindValidation
	case errors.Is(err, ErrWalletUnavailable),
		errors.Is(err, ErrUserRejected),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrInsufficientFunds):
		return ErrorKindWallet
	case errors.Is(err, ErrContractRevert):
		return ErrorKindRevert
	case errors.Is(err, ErrConfirmationTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrActionInProgress):
		return ErrorKindConflict
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrTxNotTracked):
		return ErrorKindNotFound
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorKindNetwork
	default:
		return ErrorKindInternal
	}
}
