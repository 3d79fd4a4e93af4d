// Package mm implements the market maker coordination channel: a versioned,
// sequenced message protocol carried over persistent websocket connections,
// a connection registry, and request/response correlation with bounded
// waits.
package mm

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// Payload type discriminators. Every payload carries one of these in its
// "type" field.
const (
	TypeConnected            = "connected"
	TypeValidateQuote        = "validate_quote"
	TypeUserDeposited        = "user_deposited"
	TypeUserDepositConfirmed = "user_deposit_confirmed"
	TypeSwapComplete         = "swap_complete"
	TypePing                 = "ping"

	TypeQuoteValidated   = "quote_validated"
	TypeDepositInitiated = "deposit_initiated"
	TypeSwapCompleteAck  = "swap_complete_ack"
	TypePong             = "pong"
	TypeError            = "error"
)

// MMStatus is the operational status a market maker reports in Pong.
type MMStatus string

const (
	MMStatusActive      MMStatus = "active"
	MMStatusPaused      MMStatus = "paused"
	MMStatusMaintenance MMStatus = "maintenance"
	MMStatusDegraded    MMStatus = "degraded"
)

// ErrorCode classifies market maker error responses.
type ErrorCode string

const (
	ErrCodeQuoteNotFound         ErrorCode = "quote_not_found"
	ErrCodeQuoteExpired          ErrorCode = "quote_expired"
	ErrCodeInsufficientLiquidity ErrorCode = "insufficient_liquidity"
	ErrCodeInvalidRequest        ErrorCode = "invalid_request"
	ErrCodeInternalError         ErrorCode = "internal_error"
	ErrCodeRateLimited           ErrorCode = "rate_limited"
	ErrCodeUnsupportedChain      ErrorCode = "unsupported_chain"
	ErrCodeInvalidAmount         ErrorCode = "invalid_amount"
)

// Envelope wraps every message on the wire with protocol metadata. The
// sequence number is assigned by the sender and increases by one per
// message on a connection.
type Envelope struct {
	Version  string          `json:"version"`
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// payloadHeader is used to peek the discriminator before full decoding.
type payloadHeader struct {
	Type string `json:"type"`
}

// Connected is sent by the server immediately after a successful upgrade.
type Connected struct {
	Type          string    `json:"type"`
	SessionID     uuid.UUID `json:"session_id"`
	ServerVersion string    `json:"server_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// ValidateQuote asks a market maker whether it will fill a quote.
type ValidateQuote struct {
	Type                   string    `json:"type"`
	RequestID              uuid.UUID `json:"request_id"`
	QuoteID                uuid.UUID `json:"quote_id"`
	QuoteHash              string    `json:"quote_hash"`
	UserDestinationAddress string    `json:"user_destination_address"`
	Timestamp              time.Time `json:"timestamp"`
}

// UserDeposited tells a market maker the user deposit was observed and
// where the market maker should place its own deposit.
type UserDeposited struct {
	Type           string    `json:"type"`
	RequestID      uuid.UUID `json:"request_id"`
	SwapID         uuid.UUID `json:"swap_id"`
	QuoteID        uuid.UUID `json:"quote_id"`
	DepositAddress string    `json:"deposit_address"`
	UserTxHash     string    `json:"user_tx_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserDepositConfirmed tells a market maker the user deposit reached its
// confirmation threshold. The nonce must be embedded by the market maker
// so its payment can be attributed.
type UserDepositConfirmed struct {
	Type                   string    `json:"type"`
	RequestID              uuid.UUID `json:"request_id"`
	SwapID                 uuid.UUID `json:"swap_id"`
	QuoteID                uuid.UUID `json:"quote_id"`
	UserDestinationAddress string    `json:"user_destination_address"`
	MMNonce                string    `json:"mm_nonce"`
	ExpectedChain          string    `json:"expected_chain"`
	ExpectedToken          string    `json:"expected_token"`
	ExpectedAmount         string    `json:"expected_amount"`
	Timestamp              time.Time `json:"timestamp"`
}

// SwapComplete tells a market maker settlement finished and releases the
// user deposit wallet key to it.
type SwapComplete struct {
	Type                 string    `json:"type"`
	RequestID            uuid.UUID `json:"request_id"`
	SwapID               uuid.UUID `json:"swap_id"`
	UserDepositKey       string    `json:"user_deposit_private_key"`
	Chain                string    `json:"chain"`
	UserWithdrawalTxRef  string    `json:"user_withdrawal_tx"`
	Timestamp            time.Time `json:"timestamp"`
}

// Ping is a liveness probe.
type Ping struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is a decoded market maker payload.
type Response interface {
	// CorrelationID returns the request id the response answers.
	CorrelationID() uuid.UUID
}

// QuoteValidated answers ValidateQuote.
type QuoteValidated struct {
	Type            string    `json:"type"`
	RequestID       uuid.UUID `json:"request_id"`
	QuoteID         uuid.UUID `json:"quote_id"`
	Accepted        bool      `json:"accepted"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// DepositInitiated answers UserDeposited with the market maker deposit
// transaction and, optionally, the address any refund should go to.
type DepositInitiated struct {
	Type          string    `json:"type"`
	RequestID     uuid.UUID `json:"request_id"`
	SwapID        uuid.UUID `json:"swap_id"`
	TxHash        string    `json:"tx_hash"`
	AmountSent    string    `json:"amount_sent"`
	RefundAddress string    `json:"refund_address,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SwapCompleteAck acknowledges SwapComplete.
type SwapCompleteAck struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"request_id"`
	SwapID    uuid.UUID `json:"swap_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers Ping.
type Pong struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"request_id"`
	Status    MMStatus  `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse reports a market maker side failure for any request.
type ErrorResponse struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"request_id"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *QuoteValidated) CorrelationID() uuid.UUID   { return m.RequestID }
func (m *DepositInitiated) CorrelationID() uuid.UUID { return m.RequestID }
func (m *SwapCompleteAck) CorrelationID() uuid.UUID  { return m.RequestID }
func (m *Pong) CorrelationID() uuid.UUID             { return m.RequestID }
func (m *ErrorResponse) CorrelationID() uuid.UUID    { return m.RequestID }

// NewValidateQuote builds a ValidateQuote request for a quote.
func NewValidateQuote(quote *types.Quote, userDestination string) *ValidateQuote {
	hash := quote.Hash()

	return &ValidateQuote{
		Type:                   TypeValidateQuote,
		RequestID:              uuid.New(),
		QuoteID:                quote.ID,
		QuoteHash:              hex.EncodeToString(hash[:]),
		UserDestinationAddress: userDestination,
		Timestamp:              time.Now().UTC(),
	}
}

// DecodeResponse decodes a market maker payload into its concrete type.
//
// Parameters:
// - payload: the raw payload bytes from an envelope.
//
// Returns:
// - Response: the decoded payload.
// - error: ErrUnknownPayload for an unrecognized discriminator.
func DecodeResponse(payload []byte) (Response, error) {
	var header payloadHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, errors.Wrap(err, "failed to decode payload header")
	}

	var resp Response
	switch header.Type {
	case TypeQuoteValidated:
		resp = &QuoteValidated{}
	case TypeDepositInitiated:
		resp = &DepositInitiated{}
	case TypeSwapCompleteAck:
		resp = &SwapCompleteAck{}
	case TypePong:
		resp = &Pong{}
	case TypeError:
		resp = &ErrorResponse{}
	default:
		return nil, errors.Wrapf(commonerrors.ErrUnknownPayload, "payload type %q", header.Type)
	}

	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s payload", header.Type)
	}

	return resp, nil
}
