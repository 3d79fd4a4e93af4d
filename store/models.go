package store

import (
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// depositJSON is the storage shape of a deposit record. Amounts are kept
// as decimal strings so they survive arbitrary precision.
type depositJSON struct {
	TxRef         string    `json:"tx_ref"`
	Amount        string    `json:"amount"`
	DetectedAt    time.Time `json:"detected_at"`
	Confirmations uint64    `json:"confirmations"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// legJSON is the storage shape of one settlement leg.
type legJSON struct {
	Recipient   string     `json:"recipient"`
	TxRef       string     `json:"tx_ref"`
	BroadcastAt time.Time  `json:"broadcast_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// settlementJSON is the storage shape of a settlement record.
type settlementJSON struct {
	Intent      string     `json:"intent"`
	UserPayout  *legJSON   `json:"user_payout,omitempty"`
	MMPayout    *legJSON   `json:"mm_payout,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// newBigInt parses a stored decimal amount.
func newBigInt(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

func depositToJSON(record *types.DepositRecord) *depositJSON {
	if record == nil {
		return nil
	}
	return &depositJSON{
		TxRef:         record.TxRef,
		Amount:        record.Amount.String(),
		DetectedAt:    record.DetectedAt,
		Confirmations: record.Confirmations,
		LastCheckedAt: record.LastCheckedAt,
	}
}

func depositFromJSON(stored *depositJSON) (*types.DepositRecord, error) {
	if stored == nil {
		return nil, nil
	}

	amount, ok := new(big.Int).SetString(stored.Amount, 10)
	if !ok {
		return nil, errors.Errorf("malformed deposit amount %q", stored.Amount)
	}

	return &types.DepositRecord{
		TxRef:         stored.TxRef,
		Amount:        amount,
		DetectedAt:    stored.DetectedAt,
		Confirmations: stored.Confirmations,
		LastCheckedAt: stored.LastCheckedAt,
	}, nil
}

func legToJSON(l *types.SettlementLeg) *legJSON {
	if l == nil {
		return nil
	}
	return &legJSON{
		Recipient:   l.Recipient,
		TxRef:       l.TxRef,
		BroadcastAt: l.BroadcastAt,
		ConfirmedAt: l.ConfirmedAt,
	}
}

func legFromJSON(stored *legJSON) *types.SettlementLeg {
	if stored == nil {
		return nil
	}
	return &types.SettlementLeg{
		Recipient:   stored.Recipient,
		TxRef:       stored.TxRef,
		BroadcastAt: stored.BroadcastAt,
		ConfirmedAt: stored.ConfirmedAt,
	}
}

func settlementToJSON(record *types.SettlementRecord) *settlementJSON {
	if record == nil {
		return nil
	}
	return &settlementJSON{
		Intent:      string(record.Intent),
		UserPayout:  legToJSON(record.UserPayout),
		MMPayout:    legToJSON(record.MMPayout),
		CompletedAt: record.CompletedAt,
	}
}

func settlementFromJSON(stored *settlementJSON) *types.SettlementRecord {
	if stored == nil {
		return nil
	}
	return &types.SettlementRecord{
		Intent:      types.SettlementIntentKind(stored.Intent),
		UserPayout:  legFromJSON(stored.UserPayout),
		MMPayout:    legFromJSON(stored.MMPayout),
		CompletedAt: stored.CompletedAt,
	}
}
