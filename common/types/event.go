package types

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// DepositEventType classifies deposit watcher events.
type DepositEventType string

const (
	// DepositDetected is emitted when a matching deposit is first observed.
	DepositDetected DepositEventType = "DEPOSIT_DETECTED"
	// DepositConfirmed is emitted when a known deposit's confirmation depth
	// increases.
	DepositConfirmed DepositEventType = "DEPOSIT_CONFIRMED"
	// DepositInvalidated is emitted when a previously reported deposit is no
	// longer on the canonical chain. The deposit is retracted explicitly,
	// never silently dropped.
	DepositInvalidated DepositEventType = "DEPOSIT_INVALIDATED"
)

// DepositEvent reports a deposit observation for a watched address.
//
// Fields:
// - Type: the kind of observation.
// - Chain: the chain family the observation was made on.
// - SwapID: the swap the watched address belongs to.
// - Role: which side of the swap the address belongs to.
// - Address: the watched deposit address.
// - TxRef: the deposit transaction reference.
// - Amount: the deposited amount in smallest units.
// - BlockHeight: the height of the including block.
// - Confirmations: the confirmation depth at observation time.
// - ObservedAt: the time the observation was made.
type DepositEvent struct {
	Type          DepositEventType
	Chain         ChainType
	SwapID        uuid.UUID
	Role          DepositRole
	Address       string
	TxRef         string
	Amount        *big.Int
	BlockHeight   uint64
	Confirmations uint64
	ObservedAt    time.Time
}

// WatchTarget registers a deposit address with a chain watcher.
type WatchTarget struct {
	SwapID           uuid.UUID
	Role             DepositRole
	Address          string
	Token            TokenIdentifier
	MinAmount        *big.Int
	MinConfirmations uint64
}
