package errs

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Common sentinel errors for cross-layer signaling.
var (
	ErrNotFound  = errors.New("not_found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid")
	// ErrUnprocessable is used for semantic validation failures (HTTP 422)
	ErrUnprocessable = errors.New("unprocessable")
)

// Ledger error kinds.
var (
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInsufficientTokens      = errors.New("insufficient_tokens")
	ErrReservationNotFound     = errors.New("reservation_not_found")
	ErrTokenConfirmationFailed = errors.New("token_confirmation_failed")
	ErrTokenRefundFailed       = errors.New("token_refund_failed")
	ErrUserNotFound            = errors.New("user_not_found")
	ErrStorage                 = errors.New("storage_failure")
	// ErrEmptyOperation is returned when a billable operation prices to zero.
	ErrEmptyOperation = errors.New("empty_operation")
	// ErrJobDispatch signals the external processing job failed or was rejected.
	ErrJobDispatch = errors.New("job_dispatch_failed")
)

// InsufficientTokensError carries the numbers a caller needs to tell the user
// how many tokens are missing.
type InsufficientTokensError struct {
	Required  decimal.Decimal
	Current   decimal.Decimal
	Shortfall decimal.Decimal
}

// NewInsufficientTokens builds the error with the shortfall derived from required and current.
func NewInsufficientTokens(required, current decimal.Decimal) *InsufficientTokensError {
	return &InsufficientTokensError{Required: required, Current: current, Shortfall: required.Sub(current)}
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %s, current %s, shortfall %s",
		e.Required.StringFixed(2), e.Current.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *InsufficientTokensError) Is(target error) bool { return target == ErrInsufficientTokens }

// StorageError wraps a failure from the durable store. The mutation it guarded
// may or may not have been applied.
type StorageError struct {
	Op  string
	Err error
}

// Storage wraps err as a StorageError unless it is nil or already a ledger error kind.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) != KindInternal {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Kind is the caller-facing classification of an error.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindInsufficient Kind = "insufficient_tokens"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindUnavailable  Kind = "unavailable"
	KindStorage      Kind = "storage_failure"
	KindInternal     Kind = "internal"
)

// Classify maps an error chain to a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientTokens):
		return KindInsufficient
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalid),
		errors.Is(err, ErrUnprocessable), errors.Is(err, ErrEmptyOperation):
		return KindInvalid
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTokenConfirmationFailed), errors.Is(err, ErrTokenRefundFailed), errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrJobDispatch):
		return KindUnavailable
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}
