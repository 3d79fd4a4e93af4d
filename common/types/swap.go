package types

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// DepositRole identifies which side of a swap a deposit wallet belongs to.
type DepositRole string

const (
	// RoleUser is the wallet the user funds with the source asset.
	RoleUser DepositRole = "user"
	// RoleMM is the wallet the market maker funds with the destination asset.
	RoleMM DepositRole = "mm"
)

// DepositRecord tracks an observed deposit for one side of a swap.
// Amount and Confirmations only ever increase, until a chain reorganization
// invalidates the deposit and the record is cleared as a whole.
type DepositRecord struct {
	TxRef         string
	Amount        *big.Int
	DetectedAt    time.Time
	Confirmations uint64
	LastCheckedAt time.Time
}

// SettlementLeg records one on-chain payout of a settlement or refund.
type SettlementLeg struct {
	Recipient   string
	TxRef       string
	BroadcastAt time.Time
	ConfirmedAt *time.Time
}

// SettlementRecord tracks the terminal on-chain actions of a swap.
type SettlementRecord struct {
	Intent      SettlementIntentKind
	UserPayout  *SettlementLeg
	MMPayout    *SettlementLeg
	CompletedAt *time.Time
}

// SettlementIntentKind names the settlement path chosen for a swap.
type SettlementIntentKind string

const (
	// IntentPayUser pays the destination amount to the user.
	IntentPayUser SettlementIntentKind = "PAY_USER"
	// IntentPayUserAndRefundMM pays the user and returns the surplus or the
	// user-side deposit to the market maker.
	IntentPayUserAndRefundMM SettlementIntentKind = "PAY_USER_AND_REFUND_MM"
	// IntentRefundUser returns the user deposit to the refund address.
	IntentRefundUser SettlementIntentKind = "REFUND_USER"
	// IntentRefundBoth returns both deposits to their depositors.
	IntentRefundBoth SettlementIntentKind = "REFUND_BOTH"
)

// Swap is the central aggregate of the settlement engine. It is created by
// consuming a quote, mutated exclusively by the state machine, and retained
// after reaching a terminal status for audit.
type Swap struct {
	ID      uuid.UUID
	QuoteID uuid.UUID
	Quote   *Quote

	MarketMakerID uuid.UUID

	// Salts for deterministic wallet derivation. Set exactly once at
	// creation, never rotated, never exposed outside the enclave except
	// indirectly through derived addresses.
	UserDepositSalt []byte
	MMDepositSalt   []byte

	// MMNonce must be embedded by the market maker in its deposit
	// transaction so the deposit can be attributed to this swap.
	MMNonce []byte

	// User supplied addresses, immutable after creation.
	UserDestinationAddress string
	UserRefundAddress      string

	// MMRefundAddress is announced by the market maker alongside its
	// deposit; empty until then.
	MMRefundAddress string

	// Derived deposit addresses, recomputed on demand and stored for
	// queries; never the keys themselves.
	UserDepositAddress string
	MMDepositAddress   string

	Status SwapStatus

	UserDeposit *DepositRecord
	MMDeposit   *DepositRecord

	Settlement *SettlementRecord

	FailureReason string

	// TimeoutAt is the absolute deadline after which a non-terminal swap
	// must move to a refund path.
	TimeoutAt time.Time

	MMNotifiedAt   *time.Time
	MMKeyReleaseAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DepositInfo describes a deposit observed on chain by a scanner.
type DepositInfo struct {
	TxRef         string
	Amount        *big.Int
	BlockHeight   uint64
	BlockHash     string
	Confirmations uint64
	DetectedAt    time.Time
}

// Deposit returns the deposit record for the given role, nil if none.
func (s *Swap) Deposit(role DepositRole) *DepositRecord {
	if role == RoleUser {
		return s.UserDeposit
	}
	return s.MMDeposit
}

// DepositSalt returns the salt for the given role.
func (s *Swap) DepositSalt(role DepositRole) []byte {
	if role == RoleUser {
		return s.UserDepositSalt
	}
	return s.MMDepositSalt
}

// DepositAddress returns the derived deposit address for the given role.
func (s *Swap) DepositAddress(role DepositRole) string {
	if role == RoleUser {
		return s.UserDepositAddress
	}
	return s.MMDepositAddress
}

// DepositChain returns the chain the given role deposits on: the user funds
// the source side of the quote, the market maker funds the destination side.
func (s *Swap) DepositChain(role DepositRole) ChainType {
	if role == RoleUser {
		return s.Quote.From.Chain
	}
	return s.Quote.To.Chain
}

// IsTimedOut reports whether the swap passed its timeout deadline.
func (s *Swap) IsTimedOut(now time.Time) bool {
	return now.After(s.TimeoutAt)
}

// IsActive reports whether the swap still needs monitoring.
func (s *Swap) IsActive() bool {
	return !s.Status.IsTerminal()
}
