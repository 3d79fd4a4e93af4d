package errors

import "github.com/pkg/errors"

var (
	ErrChainNotFound        = errors.New("chain not found")
	ErrInvalidChainType     = errors.New("invalid chain type")
	ErrInvalidConfig        = errors.New("invalid chain configuration")
	ErrNotImplemented       = errors.New("functionality not implemented")
	ErrDatabaseConnect      = errors.New("failed to connect to database")
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrQuoteExpired         = errors.New("quote has expired")
	ErrQuoteConsumed        = errors.New("quote already consumed by a swap")
	ErrSwapNotFound         = errors.New("swap not found")
	ErrStatusConflict       = errors.New("swap status changed concurrently")
	ErrInvalidTransition    = errors.New("invalid swap status transition")
	ErrMMNotConnected       = errors.New("market maker not connected")
	ErrMMRejected           = errors.New("market maker rejected the quote")
	ErrValidationTimeout    = errors.New("market maker validation timed out")
	ErrValidationInFlight   = errors.New("quote validation already in flight")
	ErrUnknownPayload       = errors.New("unknown protocol payload type")
	ErrProtocolVersion      = errors.New("unsupported protocol version")
	ErrCancelNotAllowed     = errors.New("swap cannot be cancelled after a deposit was observed")
	ErrRetryBudgetExhausted = errors.New("settlement retry budget exhausted")
)
