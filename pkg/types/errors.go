package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, transport-neutral error identifier. Every error
// that crosses the gateway boundary carries one of these codes; internal
// detail never leaks past it.
type ErrorCode string

const (
	CodeInsufficientBalance    ErrorCode = "INSUFFICIENT_BALANCE"
	CodeInsufficientShares     ErrorCode = "INSUFFICIENT_SHARES"
	CodeMarketNotOpen          ErrorCode = "MARKET_NOT_OPEN"
	CodeMarketHalted           ErrorCode = "MARKET_HALTED"
	CodePriceOutOfRange        ErrorCode = "PRICE_OUT_OF_RANGE"
	CodeQuantityOutOfRange     ErrorCode = "QUANTITY_OUT_OF_RANGE"
	CodePositionCapExceeded    ErrorCode = "POSITION_CAP_EXCEEDED"
	CodeSelfTrade              ErrorCode = "SELF_TRADE"
	CodeNoLiquidity            ErrorCode = "NO_LIQUIDITY"
	CodeIdempotencyReplay      ErrorCode = "IDEMPOTENCY_REPLAY"
	CodeIdempotencyKeyConflict ErrorCode = "IDEMPOTENCY_KEY_CONFLICT"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeNotOwner               ErrorCode = "NOT_OWNER"
	CodeAlreadyTerminal        ErrorCode = "ALREADY_TERMINAL"
	CodeNotClosed              ErrorCode = "NOT_CLOSED"
	CodeAlreadyResolved        ErrorCode = "ALREADY_RESOLVED"
	CodeNotOpenOrClosed        ErrorCode = "NOT_OPEN_OR_CLOSED"
	CodeValidation             ErrorCode = "VALIDATION"
	CodeInternal               ErrorCode = "INTERNAL"
)

// Error is the tagged error value returned from the core. Hint carries a
// user-facing remediation detail (e.g. the current available balance for
// INSUFFICIENT_BALANCE); it is safe to show to clients.
type Error struct {
	Code ErrorCode `json:"code"`
	Msg  string    `json:"message"`
	Hint string    `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Msg, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// E constructs a tagged error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Ef constructs a tagged error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithHint returns a copy of the error carrying a remediation hint.
func (e *Error) WithHint(format string, args ...any) *Error {
	return &Error{Code: e.Code, Msg: e.Msg, Hint: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from an error chain. Unrecognized errors
// map to INTERNAL so implementation detail never reaches a client.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
