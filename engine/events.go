// Package engine implements the swap lifecycle: a pure state machine over
// (swap, event) pairs plus the runtime that feeds it watcher events and
// market maker responses, persists every transition, and executes the
// resulting side effects.
package engine

import (
	"math/big"
	"time"

	"github.com/tee-otc/settle-lib/common/types"
)

// Event is one lifecycle input for a swap. Events carry observations only;
// the state machine decides what they mean for the swap's status.
type Event interface {
	// Name returns the event name for logs and errors.
	Name() string
}

// DepositDetectedEvent reports the first sighting of a deposit at one of
// the swap's derived addresses.
type DepositDetectedEvent struct {
	Role          types.DepositRole
	TxRef         string
	Amount        *big.Int
	Confirmations uint64
	ObservedAt    time.Time
}

func (e DepositDetectedEvent) Name() string { return "deposit_detected" }

// ConfirmationsUpdatedEvent reports confirmation growth for an already
// recorded deposit.
type ConfirmationsUpdatedEvent struct {
	Role          types.DepositRole
	Confirmations uint64
	ObservedAt    time.Time
}

func (e ConfirmationsUpdatedEvent) Name() string { return "confirmations_updated" }

// DepositInvalidatedEvent reports that a previously recorded deposit left
// the canonical chain.
type DepositInvalidatedEvent struct {
	Role       types.DepositRole
	TxRef      string
	ObservedAt time.Time
}

func (e DepositInvalidatedEvent) Name() string { return "deposit_invalidated" }

// TimeoutEvent reports that the swap passed its timeout deadline without
// resolving.
type TimeoutEvent struct {
	Deadline time.Time
}

func (e TimeoutEvent) Name() string { return "timeout" }

// CancelEvent is an external cancellation request.
type CancelEvent struct {
	Reason string
}

func (e CancelEvent) Name() string { return "cancel" }

// SettlementCompletedEvent reports that every leg of the swap's settlement
// intent confirmed on chain.
type SettlementCompletedEvent struct {
	Record *types.SettlementRecord
}

func (e SettlementCompletedEvent) Name() string { return "settlement_completed" }

// SettlementFailedEvent reports that the settlement retry budget ran out.
// Any leg that did succeed is retained in the record for reconciliation.
type SettlementFailedEvent struct {
	Reason string
	Record *types.SettlementRecord
}

func (e SettlementFailedEvent) Name() string { return "settlement_failed" }
