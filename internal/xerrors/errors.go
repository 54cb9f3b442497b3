// Package xerrors defines the small closed set of error kinds the execution
// core surfaces, matching the taxonomy every connector and service reports
// against. Callers use errors.Is/errors.As against the sentinels and typed
// values here rather than matching on message text.
package xerrors

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork              = errors.New("network")
	ErrAuthInvalid          = errors.New("auth_invalid")
	ErrNonce                = errors.New("nonce_error")
	ErrOrderRejected        = errors.New("order_rejected")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrUnknownSymbol        = errors.New("unknown_symbol")
	ErrTrackingLimitTimeout = errors.New("tracking_limit_timeout")
	ErrInvalidResponse      = errors.New("invalid_response")
	ErrNotSupported         = errors.New("not_supported")
	ErrNoBook               = errors.New("no_book")
)

// HTTPError wraps a non-2xx REST response. Code is the HTTP status; Body is
// a truncated excerpt of the response for logging, not a parsed structure.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http_%d:%s", e.Code, e.Body)
}

// NewHTTPError truncates body to keep error strings log-friendly.
func NewHTTPError(code int, body string) *HTTPError {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return &HTTPError{Code: code, Body: body}
}

// RiskViolation is raised by pre-trade checks; Kind names the specific rule
// that failed (min_size, collateral, position_limit, concentration).
type RiskViolation struct {
	Kind    string
	Message string
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk_violation{%s}: %s", e.Kind, e.Message)
}

// NewRiskViolation constructs a RiskViolation with a formatted message.
func NewRiskViolation(kind, format string, args ...any) *RiskViolation {
	return &RiskViolation{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
