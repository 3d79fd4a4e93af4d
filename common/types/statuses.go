package types

// SwapStatus is the closed set of swap lifecycle states. Transitions between
// statuses happen only through the state machine's transition table.
type SwapStatus string

const (
	// StatusWaitingUserDeposit is the initial status: the swap exists and the
	// user deposit address is waiting to be funded.
	StatusWaitingUserDeposit SwapStatus = "WAITING_USER_DEPOSIT"

	// StatusWaitingMMDeposit indicates the user deposit was observed and the
	// market maker deposit address is waiting to be funded.
	StatusWaitingMMDeposit SwapStatus = "WAITING_MM_DEPOSIT"

	// StatusWaitingConfirmations indicates both deposits were observed and
	// the engine is waiting for chain-specific confirmation depths.
	StatusWaitingConfirmations SwapStatus = "WAITING_CONFIRMATIONS"

	// StatusSettling indicates settlement transactions are being executed.
	StatusSettling SwapStatus = "SETTLING"

	// StatusCompleted is the terminal success status.
	StatusCompleted SwapStatus = "COMPLETED"

	// StatusRefundingUser indicates only the user had funds at risk and they
	// are being returned to the refund address.
	StatusRefundingUser SwapStatus = "REFUNDING_USER"

	// StatusRefundingBoth indicates both sides were funded but settlement
	// cannot proceed and both deposits are being returned.
	StatusRefundingBoth SwapStatus = "REFUNDING_BOTH"

	// StatusFailed is the terminal failure status. The failure reason and the
	// last known deposit state are retained for reconciliation.
	StatusFailed SwapStatus = "FAILED"
)

// String converts SwapStatus to string representation.
func (s SwapStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status is terminal.
func (s SwapStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TxState represents the observed state of a transaction on chain.
type TxState string

const (
	// TxStateUnknown indicates chain state could not be observed. Never
	// conflated with TxStateNotFound.
	TxStateUnknown TxState = "UNKNOWN"
	// TxStateNotFound indicates the transaction is not on the canonical chain.
	TxStateNotFound TxState = "NOT_FOUND"
	// TxStateConfirmed indicates the transaction is included with the
	// reported confirmation depth (0 means seen in mempool only).
	TxStateConfirmed TxState = "CONFIRMED"
)

// TxStatus represents the confirmation status of a transaction.
type TxStatus struct {
	State         TxState
	Confirmations uint64
	BlockHash     string
}
