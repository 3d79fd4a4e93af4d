package engine

import (
	"math/big"
	"time"

	"github.com/pkg/errors"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// bpsDenominator is the basis-point scale for the deposit tolerance.
const bpsDenominator = 10000

// Policy holds the per-swap thresholds the state machine applies. The
// runtime builds one from chain configuration when a swap is loaded.
type Policy struct {
	// DepositToleranceBps is how far below the quoted amount a deposit may
	// fall, in basis points, and still count. Zero means exact-or-more.
	DepositToleranceBps uint64
	// UserConfirmationThreshold is the confirmation depth required of the
	// user deposit, set from its chain.
	UserConfirmationThreshold uint64
	// MMConfirmationThreshold is the confirmation depth required of the
	// market maker deposit, set from its chain.
	MMConfirmationThreshold uint64
}

// requiredAmount returns the minimum acceptable deposit for a quoted
// amount under the tolerance.
func (p Policy) requiredAmount(quoted *big.Int) *big.Int {
	if p.DepositToleranceBps == 0 {
		return new(big.Int).Set(quoted)
	}

	keep := new(big.Int).SetUint64(bpsDenominator - p.DepositToleranceBps)
	required := new(big.Int).Mul(quoted, keep)
	return required.Div(required, big.NewInt(bpsDenominator))
}

// threshold returns the confirmation threshold for one deposit side.
func (p Policy) threshold(role types.DepositRole) uint64 {
	if role == types.RoleUser {
		return p.UserConfirmationThreshold
	}
	return p.MMConfirmationThreshold
}

// Transition applies one event to a swap. It mutates the swap in place and
// returns the side effects the runtime must execute after the new state is
// persisted. It performs no I/O: given the same swap and event it always
// produces the same result.
//
// Parameters:
// - swap: the swap aggregate, mutated in place on success.
// - event: the lifecycle input to apply.
// - policy: the thresholds in force for this swap.
//
// Returns:
// - []SideEffect: actions to execute after the transition persists.
// - error: ErrInvalidTransition if the event is not legal in the current
//   status.
func Transition(swap *types.Swap, event Event, policy Policy) ([]SideEffect, error) {
	if swap.Status.IsTerminal() {
		return nil, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"swap %s is terminal (%s), cannot apply %s", swap.ID, swap.Status, event.Name())
	}

	switch ev := event.(type) {
	case DepositDetectedEvent:
		return applyDepositDetected(swap, ev, policy)
	case ConfirmationsUpdatedEvent:
		return applyConfirmationsUpdated(swap, ev, policy)
	case DepositInvalidatedEvent:
		return applyDepositInvalidated(swap, ev)
	case TimeoutEvent:
		return applyTimeout(swap, ev)
	case CancelEvent:
		return applyCancel(swap, ev)
	case SettlementCompletedEvent:
		return applySettlementCompleted(swap, ev)
	case SettlementFailedEvent:
		return applySettlementFailed(swap, ev)
	default:
		return nil, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"unknown event %s for swap %s", event.Name(), swap.ID)
	}
}

// applyDepositDetected handles the first sighting of a deposit on either
// side.
func applyDepositDetected(swap *types.Swap, ev DepositDetectedEvent, policy Policy) ([]SideEffect, error) {
	switch ev.Role {
	case types.RoleUser:
		if swap.Status != types.StatusWaitingUserDeposit {
			return nil, invalidFor(swap, ev)
		}

		quoted := swap.Quote.From.Amount
		if ev.Amount.Cmp(policy.requiredAmount(quoted)) < 0 {
			// Under-threshold deposits never advance the machine; the swap
			// keeps waiting for a sufficient one.
			return nil, nil
		}

		swap.UserDeposit = &types.DepositRecord{
			TxRef:         ev.TxRef,
			Amount:        new(big.Int).Set(ev.Amount),
			DetectedAt:    ev.ObservedAt,
			Confirmations: ev.Confirmations,
			LastCheckedAt: ev.ObservedAt,
		}

		effects := []SideEffect{notify(EffectNotifyMMDeposited), notify(EffectWatchMMDeposit)}

		// A market maker deposit recorded before a user-side reorg replay
		// is still standing, so skip straight to confirmation counting.
		if swap.MMDeposit != nil {
			swap.Status = types.StatusWaitingConfirmations
		} else {
			swap.Status = types.StatusWaitingMMDeposit
		}
		swap.UpdatedAt = ev.ObservedAt

		return maybeSettle(swap, policy, effects, ev.ObservedAt), nil

	case types.RoleMM:
		if swap.Status != types.StatusWaitingMMDeposit {
			return nil, invalidFor(swap, ev)
		}

		quoted := swap.Quote.To.Amount
		if ev.Amount.Cmp(policy.requiredAmount(quoted)) < 0 {
			return nil, nil
		}

		swap.MMDeposit = &types.DepositRecord{
			TxRef:         ev.TxRef,
			Amount:        new(big.Int).Set(ev.Amount),
			DetectedAt:    ev.ObservedAt,
			Confirmations: ev.Confirmations,
			LastCheckedAt: ev.ObservedAt,
		}
		swap.Status = types.StatusWaitingConfirmations
		swap.UpdatedAt = ev.ObservedAt

		return maybeSettle(swap, policy, nil, ev.ObservedAt), nil
	}

	return nil, invalidFor(swap, ev)
}

// applyConfirmationsUpdated folds a confirmation-depth update into the
// matching deposit record. Counts only move forward.
func applyConfirmationsUpdated(swap *types.Swap, ev ConfirmationsUpdatedEvent, policy Policy) ([]SideEffect, error) {
	record := swap.Deposit(ev.Role)
	if record == nil {
		return nil, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"swap %s has no %s deposit to confirm", swap.ID, ev.Role)
	}

	if ev.Confirmations <= record.Confirmations {
		record.LastCheckedAt = ev.ObservedAt
		return nil, nil
	}

	crossed := record.Confirmations < policy.threshold(ev.Role) &&
		ev.Confirmations >= policy.threshold(ev.Role)

	record.Confirmations = ev.Confirmations
	record.LastCheckedAt = ev.ObservedAt
	swap.UpdatedAt = ev.ObservedAt

	var effects []SideEffect
	if ev.Role == types.RoleUser && crossed {
		effects = append(effects, notify(EffectNotifyMMDepositConfirmed))
	}

	return maybeSettle(swap, policy, effects, ev.ObservedAt), nil
}

// maybeSettle moves the swap into settlement when both deposits stand at
// their thresholds.
func maybeSettle(swap *types.Swap, policy Policy, effects []SideEffect, at time.Time) []SideEffect {
	if swap.Status != types.StatusWaitingConfirmations {
		return effects
	}
	if swap.UserDeposit == nil || swap.MMDeposit == nil {
		return effects
	}
	if swap.UserDeposit.Confirmations < policy.UserConfirmationThreshold {
		return effects
	}
	if swap.MMDeposit.Confirmations < policy.MMConfirmationThreshold {
		return effects
	}

	swap.Status = types.StatusSettling
	swap.UpdatedAt = at

	return append(effects, requestSettlement(types.IntentPayUser))
}

// applyDepositInvalidated handles a reorg retraction: the affected side's
// record resets and the status steps back to the matching waiting state.
func applyDepositInvalidated(swap *types.Swap, ev DepositInvalidatedEvent) ([]SideEffect, error) {
	switch swap.Status {
	case types.StatusWaitingMMDeposit, types.StatusWaitingConfirmations, types.StatusSettling:
	default:
		return nil, invalidFor(swap, ev)
	}

	record := swap.Deposit(ev.Role)
	if record == nil {
		return nil, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"swap %s has no %s deposit to invalidate", swap.ID, ev.Role)
	}

	switch ev.Role {
	case types.RoleUser:
		swap.UserDeposit = nil
		swap.Status = types.StatusWaitingUserDeposit
	case types.RoleMM:
		swap.MMDeposit = nil
		swap.Status = types.StatusWaitingMMDeposit
	}
	swap.UpdatedAt = ev.ObservedAt

	return nil, nil
}

// applyTimeout routes a deadline breach to the refund path that matches
// which sides hold funds.
func applyTimeout(swap *types.Swap, ev TimeoutEvent) ([]SideEffect, error) {
	switch swap.Status {
	case types.StatusRefundingUser, types.StatusRefundingBoth:
		// Already on a refund path; the orchestrator owns it from here.
		return nil, nil
	}

	userFunded := swap.UserDeposit != nil
	mmFunded := swap.MMDeposit != nil

	switch {
	case !userFunded && !mmFunded:
		swap.Status = types.StatusFailed
		swap.FailureReason = "timed out before any deposit arrived"
		return []SideEffect{notify(EffectUnwatchDeposits)}, nil

	case userFunded && !mmFunded:
		swap.Status = types.StatusRefundingUser
		swap.FailureReason = "timed out waiting for market maker deposit"
		return []SideEffect{requestSettlement(types.IntentRefundUser)}, nil

	default:
		// Both sides funded but the swap could not resolve; unwind both.
		swap.Status = types.StatusRefundingBoth
		swap.FailureReason = "timed out before settlement completed"
		return []SideEffect{requestSettlement(types.IntentRefundBoth)}, nil
	}
}

// applyCancel honors an external cancellation, allowed only before any
// funds are at risk.
func applyCancel(swap *types.Swap, ev CancelEvent) ([]SideEffect, error) {
	if swap.Status != types.StatusWaitingUserDeposit || swap.UserDeposit != nil {
		return nil, errors.Wrapf(commonerrors.ErrCancelNotAllowed,
			"swap %s in status %s", swap.ID, swap.Status)
	}

	swap.Status = types.StatusFailed
	reason := ev.Reason
	if reason == "" {
		reason = "cancelled"
	}
	swap.FailureReason = reason

	return []SideEffect{notify(EffectUnwatchDeposits)}, nil
}

// applySettlementCompleted records a finished settlement or refund.
func applySettlementCompleted(swap *types.Swap, ev SettlementCompletedEvent) ([]SideEffect, error) {
	switch swap.Status {
	case types.StatusSettling:
		swap.Settlement = ev.Record
		swap.Status = types.StatusCompleted
		return []SideEffect{notify(EffectReleaseKeyToMM), notify(EffectUnwatchDeposits)}, nil

	case types.StatusRefundingUser, types.StatusRefundingBoth:
		// Refund confirmed; the status itself is the terminal outcome and
		// the record preserves the transaction references.
		swap.Settlement = ev.Record
		return []SideEffect{notify(EffectUnwatchDeposits)}, nil

	default:
		return nil, invalidFor(swap, ev)
	}
}

// applySettlementFailed records retry-budget exhaustion. The record keeps
// any leg that did succeed for manual reconciliation.
func applySettlementFailed(swap *types.Swap, ev SettlementFailedEvent) ([]SideEffect, error) {
	switch swap.Status {
	case types.StatusSettling, types.StatusRefundingUser, types.StatusRefundingBoth:
		swap.Settlement = ev.Record
		swap.Status = types.StatusFailed
		swap.FailureReason = ev.Reason
		return []SideEffect{notify(EffectUnwatchDeposits)}, nil

	default:
		return nil, invalidFor(swap, ev)
	}
}

func invalidFor(swap *types.Swap, event Event) error {
	return errors.Wrapf(commonerrors.ErrInvalidTransition,
		"event %s not allowed in status %s for swap %s", event.Name(), swap.Status, swap.ID)
}
