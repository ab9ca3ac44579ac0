package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error codes carried on the wire. 403 always means the payment was checked
// and did not verify; unavailable means no chain data source could be
// reached and the caller should retry, never that the payment was invalid.
const (
	ErrCodeValidation          = "validation_error"
	ErrCodeNotFound            = "not_found"
	ErrCodeQuoteExpired        = "quote_expired"
	ErrCodeVerificationFailed  = "verification_failed"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeUnavailable         = "unavailable"
	ErrCodeInternal            = "internal_error"
)

// Sentinel errors for the taxonomy. Wrap with fmt.Errorf("...: %w", err) and
// test with errors.Is.
var (
	ErrValidation         = errors.New(ErrCodeValidation)
	ErrNotFound           = errors.New(ErrCodeNotFound)
	ErrQuoteExpired       = errors.New(ErrCodeQuoteExpired)
	ErrVerificationFailed = errors.New(ErrCodeVerificationFailed)
	ErrUnavailable        = errors.New(ErrCodeUnavailable)
	ErrInternal           = errors.New(ErrCodeInternal)
)

// InsufficientBalanceError carries the amounts the client needs for display.
type InsufficientBalanceError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: balance %s, required %s", ErrCodeInsufficientBalance, e.Balance, e.Required)
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}

// ErrorCode maps an error from the taxonomy to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrQuoteExpired):
		return ErrCodeQuoteExpired
	case errors.Is(err, ErrVerificationFailed):
		return ErrCodeVerificationFailed
	case errors.Is(err, ErrUnavailable):
		return ErrCodeUnavailable
	case IsInsufficientBalance(err):
		return ErrCodeInsufficientBalance
	default:
		return ErrCodeInternal
	}
}
