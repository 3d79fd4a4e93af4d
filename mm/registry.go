package mm

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// ValidationTimeout bounds how long a quote validation request may wait for
// the market maker. A request that outlives it counts as a rejection, not a
// failure: the quote stays usable until its own expiry.
const ValidationTimeout = 5 * time.Second

// ValidationResult is the outcome of asking a market maker to honor a
// quote.
type ValidationResult struct {
	Accepted        bool
	RejectionReason string
	TimedOut        bool
}

// DepositInitiatedHandler receives market maker deposit announcements.
type DepositInitiatedHandler func(mmID uuid.UUID, swapID uuid.UUID, txHash string, amountSent *big.Int, refundAddress string)

// StatusHandler receives market maker status reports from Pong responses.
type StatusHandler func(mmID uuid.UUID, status MMStatus, version string)

// Registry tracks connected market makers and correlates their responses
// with outstanding requests.
type Registry struct {
	logger *logrus.Logger

	// validationTimeout bounds each ValidateQuote wait.
	validationTimeout time.Duration

	connsMutex sync.RWMutex
	conns      map[uuid.UUID]*Conn

	pendingMutex sync.Mutex
	// pending maps request ids to the waiter for a QuoteValidated or
	// ErrorResponse answer.
	pending map[uuid.UUID]chan *ValidationResult
	// inFlight maps quote ids to the request currently validating them, so
	// at most one validation runs per quote.
	inFlight map[uuid.UUID]uuid.UUID

	onDepositInitiated DepositInitiatedHandler
	onStatus           StatusHandler
}

// NewRegistry creates an empty market maker registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:            logger,
		validationTimeout: ValidationTimeout,
		conns:             make(map[uuid.UUID]*Conn),
		pending:           make(map[uuid.UUID]chan *ValidationResult),
		inFlight:          make(map[uuid.UUID]uuid.UUID),
	}
}

// WithValidationTimeout overrides how long a quote validation request may
// wait for the market maker. Zero keeps the default.
func (r *Registry) WithValidationTimeout(timeout time.Duration) *Registry {
	if timeout > 0 {
		r.validationTimeout = timeout
	}
	return r
}

// SetDepositInitiatedHandler installs the callback invoked when a market
// maker announces its deposit transaction.
func (r *Registry) SetDepositInitiatedHandler(handler DepositInitiatedHandler) {
	r.onDepositInitiated = handler
}

// SetStatusHandler installs the callback invoked on Pong responses.
func (r *Registry) SetStatusHandler(handler StatusHandler) {
	r.onStatus = handler
}

// register binds a connection to its market maker id, replacing and closing
// any previous connection for the same identity.
func (r *Registry) register(conn *Conn) {
	r.connsMutex.Lock()
	previous := r.conns[conn.MMID()]
	r.conns[conn.MMID()] = conn
	r.connsMutex.Unlock()

	if previous != nil {
		previous.Close()
	}

	r.logger.WithFields(logrus.Fields{
		"mmID":      conn.MMID(),
		"sessionID": conn.SessionID(),
	}).Info("Market maker connected")
}

// unregister drops a connection if it is still the current one for its
// market maker.
func (r *Registry) unregister(conn *Conn) {
	r.connsMutex.Lock()
	if current, ok := r.conns[conn.MMID()]; ok && current == conn {
		delete(r.conns, conn.MMID())
	}
	r.connsMutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"mmID":      conn.MMID(),
		"sessionID": conn.SessionID(),
	}).Info("Market maker disconnected")
}

// IsConnected reports whether a market maker currently has a live
// connection.
func (r *Registry) IsConnected(mmID uuid.UUID) bool {
	r.connsMutex.RLock()
	defer r.connsMutex.RUnlock()

	_, ok := r.conns[mmID]
	return ok
}

// connection returns the live connection for a market maker.
func (r *Registry) connection(mmID uuid.UUID) (*Conn, error) {
	r.connsMutex.RLock()
	defer r.connsMutex.RUnlock()

	conn, ok := r.conns[mmID]
	if !ok {
		return nil, errors.Wrapf(commonerrors.ErrMMNotConnected, "market maker %s", mmID)
	}

	return conn, nil
}

// ValidateQuote asks the market maker behind a quote whether it will honor
// it. The wait is bounded by the configured validation timeout; an expired
// wait yields a rejection result rather than an error.
//
// Parameters:
// - ctx: the context for cancelling the wait early.
// - quote: the quote to validate.
// - userDestination: the user's payout address, forwarded for risk checks.
//
// Returns:
// - *ValidationResult: the validation outcome.
// - error: ErrMMNotConnected, ErrValidationInFlight, or a send failure.
func (r *Registry) ValidateQuote(ctx context.Context, quote *types.Quote, userDestination string) (*ValidationResult, error) {
	conn, err := r.connection(quote.MarketMakerID)
	if err != nil {
		return nil, err
	}

	request := NewValidateQuote(quote, userDestination)

	waiter := make(chan *ValidationResult, 1)
	r.pendingMutex.Lock()
	if _, busy := r.inFlight[quote.ID]; busy {
		r.pendingMutex.Unlock()
		return nil, errors.Wrapf(commonerrors.ErrValidationInFlight, "quote %s", quote.ID)
	}
	r.pending[request.RequestID] = waiter
	r.inFlight[quote.ID] = request.RequestID
	r.pendingMutex.Unlock()

	defer func() {
		r.pendingMutex.Lock()
		delete(r.pending, request.RequestID)
		delete(r.inFlight, quote.ID)
		r.pendingMutex.Unlock()
	}()

	if err := conn.Send(request); err != nil {
		return nil, errors.Wrap(err, "failed to send quote validation request")
	}

	timer := time.NewTimer(r.validationTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		r.logger.WithFields(logrus.Fields{
			"mmID":    quote.MarketMakerID,
			"quoteID": quote.ID,
		}).Warn("Quote validation timed out, treating as rejection")

		return &ValidationResult{
			Accepted:        false,
			RejectionReason: "validation timed out",
			TimedOut:        true,
		}, nil

	case result := <-waiter:
		return result, nil
	}
}

// NotifyUserDeposited tells the market maker the user deposit was seen and
// hands over the market maker deposit address.
func (r *Registry) NotifyUserDeposited(mmID uuid.UUID, swap *types.Swap) error {
	conn, err := r.connection(mmID)
	if err != nil {
		return err
	}

	return conn.Send(&UserDeposited{
		Type:           TypeUserDeposited,
		RequestID:      uuid.New(),
		SwapID:         swap.ID,
		QuoteID:        swap.QuoteID,
		DepositAddress: swap.MMDepositAddress,
		UserTxHash:     swap.UserDeposit.TxRef,
		Timestamp:      time.Now().UTC(),
	})
}

// NotifyUserDepositConfirmed tells the market maker the user deposit is
// final and payment is expected.
func (r *Registry) NotifyUserDepositConfirmed(mmID uuid.UUID, swap *types.Swap) error {
	conn, err := r.connection(mmID)
	if err != nil {
		return err
	}

	return conn.Send(&UserDepositConfirmed{
		Type:                   TypeUserDepositConfirmed,
		RequestID:              uuid.New(),
		SwapID:                 swap.ID,
		QuoteID:                swap.QuoteID,
		UserDestinationAddress: swap.UserDestinationAddress,
		MMNonce:                hex.EncodeToString(swap.MMNonce),
		ExpectedChain:          string(swap.Quote.To.Chain),
		ExpectedToken:          swap.Quote.To.Token.String(),
		ExpectedAmount:         swap.Quote.To.Amount.String(),
		Timestamp:              time.Now().UTC(),
	})
}

// NotifySwapComplete releases the user deposit wallet key to the market
// maker after settlement.
func (r *Registry) NotifySwapComplete(mmID uuid.UUID, swap *types.Swap, depositKey []byte) error {
	conn, err := r.connection(mmID)
	if err != nil {
		return err
	}

	withdrawalTx := ""
	if swap.Settlement != nil && swap.Settlement.UserPayout != nil {
		withdrawalTx = swap.Settlement.UserPayout.TxRef
	}

	return conn.Send(&SwapComplete{
		Type:                TypeSwapComplete,
		RequestID:           uuid.New(),
		SwapID:              swap.ID,
		UserDepositKey:      hex.EncodeToString(depositKey),
		Chain:               string(swap.Quote.From.Chain),
		UserWithdrawalTxRef: withdrawalTx,
		Timestamp:           time.Now().UTC(),
	})
}

// Ping probes a market maker for liveness and status.
func (r *Registry) Ping(mmID uuid.UUID) error {
	conn, err := r.connection(mmID)
	if err != nil {
		return err
	}

	return conn.Send(&Ping{
		Type:      TypePing,
		RequestID: uuid.New(),
		Timestamp: time.Now().UTC(),
	})
}

// handleResponse routes a decoded market maker payload to its waiter or
// handler.
func (r *Registry) handleResponse(mmID uuid.UUID, resp Response) {
	switch msg := resp.(type) {
	case *QuoteValidated:
		r.resolveValidation(msg.RequestID, &ValidationResult{
			Accepted:        msg.Accepted,
			RejectionReason: msg.RejectionReason,
		})

	case *DepositInitiated:
		amount, ok := new(big.Int).SetString(msg.AmountSent, 10)
		if !ok {
			r.logger.WithFields(logrus.Fields{
				"mmID":   mmID,
				"swapID": msg.SwapID,
			}).Warn("Discarding deposit announcement with unparseable amount")
			return
		}
		if r.onDepositInitiated != nil {
			r.onDepositInitiated(mmID, msg.SwapID, msg.TxHash, amount, msg.RefundAddress)
		}

	case *Pong:
		if r.onStatus != nil {
			r.onStatus(mmID, msg.Status, msg.Version)
		}

	case *SwapCompleteAck:
		r.logger.WithFields(logrus.Fields{
			"mmID":   mmID,
			"swapID": msg.SwapID,
		}).Debug("Market maker acknowledged swap completion")

	case *ErrorResponse:
		r.logger.WithFields(logrus.Fields{
			"mmID":      mmID,
			"requestID": msg.RequestID,
			"errorCode": msg.ErrorCode,
			"message":   msg.Message,
		}).Warn("Market maker reported error")

		// An error answering a pending validation is a rejection.
		r.resolveValidation(msg.RequestID, &ValidationResult{
			Accepted:        false,
			RejectionReason: msg.Message,
		})
	}
}

// resolveValidation delivers a result to the waiter for a request id, if
// one is still outstanding.
func (r *Registry) resolveValidation(requestID uuid.UUID, result *ValidationResult) {
	r.pendingMutex.Lock()
	waiter, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.pendingMutex.Unlock()

	if ok {
		waiter <- result
	}
}
