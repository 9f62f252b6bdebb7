// Package apperrors holds the error taxonomy from spec §7 as sentinel values,
// plus the venue-level sentinels the exchange adapters classify errors into.
// Callers compare with errors.Is; nothing here is a concrete error type,
// following the teacher's original sentinel-only style.
package apperrors

import "errors"

// Kinds from spec §7. ConfigurationError is fatal at startup; ExchangeError
// and RateLimitError are retried with backoff; OrderRejectedError and
// InsufficientBalanceError abort only the current attempt/trade;
// Leg1HedgeEvaporatedError aborts and rolls back without pausing the
// process; DomainError is logged without a stack trace.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrExchange            = errors.New("exchange error")
	ErrRateLimit           = errors.New("rate limit exceeded")
	ErrOrderRejected       = errors.New("order rejected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLeg1HedgeEvaporated = errors.New("leg1 hedge evaporated")
	ErrDomain              = errors.New("domain error")
)

// Venue-level sentinels the REST/WS adapters classify raw errors into before
// wrapping one of the kinds above.
var (
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
)

// IsTransient reports whether err should be retried with backoff rather than
// surfaced as a permanent failure. Network errors, rate limits, and generic
// exchange errors are transient; order rejections and insufficient balance
// are not (spec §7 propagation policy).
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrExchange), errors.Is(err, ErrRateLimit), errors.Is(err, ErrNetwork), errors.Is(err, ErrExchangeMaintenance):
		return true
	default:
		return false
	}
}
