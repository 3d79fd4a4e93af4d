// Package settlement executes the terminal on-chain actions of a swap. It
// consumes declarative intents, derives the needed signing keys transiently,
// broadcasts per-leg transactions with a bounded retry budget, and reports
// the resulting references back to the lifecycle engine.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

const (
	// defaultMaxAttempts is the per-leg retry budget.
	defaultMaxAttempts = 3
	// defaultRetryDelay is the base delay between leg attempts; it grows
	// linearly with the attempt number.
	defaultRetryDelay = 15 * time.Second
	// confirmPollInterval is how often a broadcast leg is re-checked for
	// its first confirmation.
	confirmPollInterval = 15 * time.Second
)

// leg is one transfer required by an intent.
type leg struct {
	name   string
	chain  types.ChainType
	signer types.DepositRole
	to     string
	token  types.TokenIdentifier
	amount *big.Int
}

// Orchestrator turns settlement intents into confirmed transactions.
type Orchestrator struct {
	chains       types.ChainRegistry
	masterKey    []byte
	maxAttempts  int
	retryDelay   time.Duration
	confirmEvery time.Duration
	logger       *logrus.Logger
}

// New creates an orchestrator.
//
// Parameters:
// - chains: the registry of chain adapters.
// - masterKey: the enclave master key for transient wallet derivation.
// - maxAttempts: the per-leg retry budget, zero for the default.
// - retryDelay: the base delay between attempts, zero for the default.
// - logger: the logger for logging events.
//
// Returns:
// - *Orchestrator: a new Orchestrator instance.
func New(chains types.ChainRegistry, masterKey []byte, maxAttempts int, retryDelay time.Duration, logger *logrus.Logger) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Orchestrator{
		chains:       chains,
		masterKey:    masterKey,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		confirmEvery: confirmPollInterval,
		logger:       logger,
	}
}

// WithConfirmInterval overrides how often a broadcast leg is re-checked for
// its first confirmation. Zero keeps the default.
func (o *Orchestrator) WithConfirmInterval(interval time.Duration) *Orchestrator {
	if interval > 0 {
		o.confirmEvery = interval
	}
	return o
}

// Execute carries out one settlement intent for a swap. Every leg is
// retried independently within the budget; a partial record is returned
// with the error when a leg cannot be completed, so succeeded references
// survive for reconciliation.
//
// Parameters:
// - ctx: the context for cancelling long confirmation waits.
// - swap: the swap being settled.
// - intent: which transfers to perform.
//
// Returns:
// - *types.SettlementRecord: the record of completed legs, partial on error.
// - error: ErrRetryBudgetExhausted wrapped with the failing leg, or an
//   intent construction error.
func (o *Orchestrator) Execute(ctx context.Context, swap *types.Swap, intent types.SettlementIntentKind) (*types.SettlementRecord, error) {
	legs, err := o.legsFor(swap, intent)
	if err != nil {
		return nil, err
	}

	record := &types.SettlementRecord{Intent: intent}

	for _, l := range legs {
		settled, err := o.executeLeg(ctx, swap, l)
		if settled != nil {
			o.attach(record, l, settled)
		}
		if err != nil {
			return record, errors.Wrapf(err, "leg %s", l.name)
		}
	}

	now := time.Now().UTC()
	record.CompletedAt = &now

	return record, nil
}

// legsFor expands an intent into its transfers. Legs for sides that never
// deposited are omitted rather than failed.
func (o *Orchestrator) legsFor(swap *types.Swap, intent types.SettlementIntentKind) ([]leg, error) {
	var legs []leg

	payUser := leg{
		name:   "user_payout",
		chain:  swap.Quote.To.Chain,
		signer: types.RoleMM,
		to:     swap.UserDestinationAddress,
		token:  swap.Quote.To.Token,
		amount: swap.Quote.To.Amount,
	}

	refundUser := func() (leg, bool) {
		if swap.UserDeposit == nil {
			return leg{}, false
		}
		return leg{
			name:   "user_refund",
			chain:  swap.Quote.From.Chain,
			signer: types.RoleUser,
			to:     swap.UserRefundAddress,
			token:  swap.Quote.From.Token,
			amount: swap.UserDeposit.Amount,
		}, true
	}

	refundMM := func() (leg, bool) {
		if swap.MMDeposit == nil || swap.MMRefundAddress == "" {
			return leg{}, false
		}
		return leg{
			name:   "mm_refund",
			chain:  swap.Quote.To.Chain,
			signer: types.RoleMM,
			to:     swap.MMRefundAddress,
			token:  swap.Quote.To.Token,
			amount: swap.MMDeposit.Amount,
		}, true
	}

	switch intent {
	case types.IntentPayUser:
		legs = append(legs, payUser)

	case types.IntentPayUserAndRefundMM:
		legs = append(legs, payUser)
		// The market maker's compensation here is the user deposit itself,
		// transferred explicitly instead of released by key handoff.
		if swap.UserDeposit != nil && swap.MMRefundAddress != "" {
			legs = append(legs, leg{
				name:   "mm_compensation",
				chain:  swap.Quote.From.Chain,
				signer: types.RoleUser,
				to:     swap.MMRefundAddress,
				token:  swap.Quote.From.Token,
				amount: swap.UserDeposit.Amount,
			})
		}

	case types.IntentRefundUser:
		if l, ok := refundUser(); ok {
			legs = append(legs, l)
		}

	case types.IntentRefundBoth:
		if l, ok := refundUser(); ok {
			legs = append(legs, l)
		}
		if l, ok := refundMM(); ok {
			legs = append(legs, l)
		} else if swap.MMDeposit != nil {
			o.logger.WithField("swapID", swap.ID).Warn("Market maker deposit held but no refund address announced, leg skipped")
		}

	default:
		return nil, errors.Errorf("unknown settlement intent %s", intent)
	}

	if len(legs) == 0 {
		return nil, errors.Errorf("intent %s has no executable legs for swap %s", intent, swap.ID)
	}

	return legs, nil
}

// executeLeg broadcasts one transfer and waits for its first confirmation,
// retrying within the budget. The signing key is re-derived on every
// attempt and wiped immediately after use; the derived address is
// deterministic, so a retry targets the same wallet without double-spend
// risk.
func (o *Orchestrator) executeLeg(ctx context.Context, swap *types.Swap, l leg) (*types.SettlementLeg, error) {
	chain := o.chains.Get(l.chain)
	if chain == nil {
		return nil, errors.Wrapf(commonerrors.ErrChainNotFound, "chain %s", l.chain)
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.retryDelay * time.Duration(attempt-1)):
			}
		}

		txRef, err := o.broadcastLeg(ctx, chain, swap, l)
		if err != nil {
			lastErr = err
			o.logger.WithFields(logrus.Fields{
				"swapID":  swap.ID,
				"leg":     l.name,
				"chain":   l.chain,
				"attempt": attempt,
				"error":   err,
			}).Warn("Settlement leg broadcast failed")
			continue
		}

		broadcastAt := time.Now().UTC()
		settled := &types.SettlementLeg{
			Recipient:   l.to,
			TxRef:       txRef,
			BroadcastAt: broadcastAt,
		}

		confirmedAt, err := o.awaitConfirmation(ctx, chain, txRef)
		if err != nil {
			lastErr = err
			o.logger.WithFields(logrus.Fields{
				"swapID":  swap.ID,
				"leg":     l.name,
				"txRef":   txRef,
				"attempt": attempt,
				"error":   err,
			}).Warn("Settlement leg did not confirm")
			continue
		}

		settled.ConfirmedAt = confirmedAt

		o.logger.WithFields(logrus.Fields{
			"swapID": swap.ID,
			"leg":    l.name,
			"chain":  l.chain,
			"txRef":  txRef,
		}).Info("Settlement leg confirmed")

		return settled, nil
	}

	return nil, errors.Wrapf(commonerrors.ErrRetryBudgetExhausted,
		"%d attempts: %v", o.maxAttempts, lastErr)
}

// broadcastLeg derives the signing wallet, sends the transfer, and wipes
// the key material before returning.
func (o *Orchestrator) broadcastLeg(ctx context.Context, chain types.Chain, swap *types.Swap, l leg) (string, error) {
	wallet, err := chain.DeriveWallet(o.masterKey, swap.ID, l.signer, swap.DepositSalt(l.signer))
	if err != nil {
		return "", errors.Wrap(err, "failed to derive signing wallet")
	}
	defer wallet.Wipe()

	return chain.SendFunds(ctx, wallet, l.to, l.token, l.amount)
}

// awaitConfirmation polls until the transaction reaches at least one
// confirmation or vanishes.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, chain types.Chain, txRef string) (*time.Time, error) {
	ticker := time.NewTicker(o.confirmEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			status, err := chain.TxStatus(ctx, txRef)
			if err != nil {
				// Unknown, keep polling.
				continue
			}

			switch status.State {
			case types.TxStateNotFound:
				return nil, errors.Errorf("transaction %s left the canonical chain", txRef)
			case types.TxStateConfirmed:
				if status.Confirmations >= 1 {
					now := time.Now().UTC()
					return &now, nil
				}
			}
		}
	}
}

// attach stores a completed leg on the record slot matching its role.
func (o *Orchestrator) attach(record *types.SettlementRecord, l leg, settled *types.SettlementLeg) {
	switch l.name {
	case "user_payout", "user_refund":
		record.UserPayout = settled
	default:
		record.MMPayout = settled
	}
}
