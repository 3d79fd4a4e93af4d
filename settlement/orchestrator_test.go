package settlement

import (
	"context"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// fakeChain implements types.Chain with scriptable broadcast behavior.
type fakeChain struct {
	mutex sync.Mutex

	sendFunds func(to string, amount *big.Int) (string, error)
	txStatus  func(txRef string) (types.TxStatus, error)

	sendCalls []string
	wallets   []*types.Wallet
}

func (f *fakeChain) SendFunds(ctx context.Context, wallet *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	f.mutex.Lock()
	f.sendCalls = append(f.sendCalls, to)
	fn := f.sendFunds
	f.mutex.Unlock()

	if fn == nil {
		return "tx-default", nil
	}
	return fn(to, amount)
}

func (f *fakeChain) TxStatus(ctx context.Context, txRef string) (types.TxStatus, error) {
	f.mutex.Lock()
	fn := f.txStatus
	f.mutex.Unlock()

	if fn == nil {
		return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 1}, nil
	}
	return fn(txRef)
}

func (f *fakeChain) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	wallet := types.NewWallet("wallet-"+string(role), []byte("transient-signing-key"))

	f.mutex.Lock()
	f.wallets = append(f.wallets, wallet)
	f.mutex.Unlock()

	return wallet, nil
}

func (f *fakeChain) sendCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sendCalls)
}

func (f *fakeChain) ValidateAddress(address string) bool { return true }

func (f *fakeChain) CheckDeposit(ctx context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	return nil, nil
}

func (f *fakeChain) LatestHeight(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeChain) GetBalance(ctx context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) MinConfirmations() uint64 { return 1 }
func (f *fakeChain) BlockTime() time.Duration { return time.Second }

// fakeRegistry serves the same fake chain for every chain type.
type fakeRegistry struct {
	chain types.Chain
}

func (r *fakeRegistry) Add(ctx context.Context, config *types.ChainConfig) error { return nil }
func (r *fakeRegistry) Get(chainType types.ChainType) types.Chain { return r.chain }
func (r *fakeRegistry) Remove(chainType types.ChainType) {}

func newTestOrchestrator(chain *fakeChain) *Orchestrator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	o := New(&fakeRegistry{chain: chain}, []byte("master-key-material"), 3, 0, logger)
	o.retryDelay = time.Millisecond
	o.confirmEvery = time.Millisecond

	return o
}

func settlementSwap() *types.Swap {
	now := time.Now().UTC()
	quote := &types.Quote{
		ID:            uuid.New(),
		MarketMakerID: uuid.New(),
		From: types.Currency{
			Chain:    types.BITCOIN,
			Token:    types.Native(),
			Amount:   big.NewInt(100000),
			Decimals: 8,
		},
		To: types.Currency{
			Chain:    types.ETHEREUM,
			Token:    types.Native(),
			Amount:   big.NewInt(200000),
			Decimals: 18,
		},
		ExpiresAt: now.Add(time.Minute),
	}

	return &types.Swap{
		ID:                     uuid.New(),
		QuoteID:                quote.ID,
		Quote:                  quote,
		MarketMakerID:          quote.MarketMakerID,
		UserDepositSalt:        make([]byte, 32),
		MMDepositSalt:          make([]byte, 32),
		UserDestinationAddress: "0xdestination",
		UserRefundAddress:      "bc1refund",
		MMRefundAddress:        "0xmmrefund",
		Status:                 types.StatusSettling,
		UserDeposit: &types.DepositRecord{
			TxRef:         "user-tx",
			Amount:        big.NewInt(100000),
			Confirmations: 2,
			DetectedAt:    now,
		},
		MMDeposit: &types.DepositRecord{
			TxRef:         "mm-tx",
			Amount:        big.NewInt(200000),
			Confirmations: 4,
			DetectedAt:    now,
		},
		TimeoutAt: now.Add(time.Hour),
	}
}

func TestPayUserSettlement(t *testing.T) {
	chain := &fakeChain{}
	chain.sendFunds = func(to string, amount *big.Int) (string, error) {
		require.Equal(t, "0xdestination", to)
		require.Equal(t, big.NewInt(200000), amount)
		return "payout-tx", nil
	}

	o := newTestOrchestrator(chain)
	swap := settlementSwap()

	record, err := o.Execute(context.Background(), swap, types.IntentPayUser)
	require.NoError(t, err)

	require.NotNil(t, record.UserPayout)
	assert.Equal(t, "payout-tx", record.UserPayout.TxRef)
	assert.Equal(t, "0xdestination", record.UserPayout.Recipient)
	require.NotNil(t, record.UserPayout.ConfirmedAt)
	require.NotNil(t, record.CompletedAt)
	assert.Nil(t, record.MMPayout)
}

func TestBroadcastRetriesWithinBudget(t *testing.T) {
	chain := &fakeChain{}

	attempts := 0
	chain.sendFunds = func(to string, amount *big.Int) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("nonce too low")
		}
		return "payout-tx", nil
	}

	o := newTestOrchestrator(chain)

	record, err := o.Execute(context.Background(), settlementSwap(), types.IntentPayUser)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	require.NotNil(t, record.UserPayout)
	assert.Equal(t, "payout-tx", record.UserPayout.TxRef)
}

func TestRetryBudgetExhausted(t *testing.T) {
	chain := &fakeChain{}
	chain.sendFunds = func(to string, amount *big.Int) (string, error) {
		return "", errors.New("rpc unavailable")
	}

	o := newTestOrchestrator(chain)

	record, err := o.Execute(context.Background(), settlementSwap(), types.IntentPayUser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrRetryBudgetExhausted))

	assert.Equal(t, 3, chain.sendCount())
	require.NotNil(t, record)
	assert.Nil(t, record.UserPayout)
	assert.Nil(t, record.CompletedAt)
}

func TestRefundBothKeepsPartialRecord(t *testing.T) {
	chain := &fakeChain{}
	chain.sendFunds = func(to string, amount *big.Int) (string, error) {
		if to == "bc1refund" {
			return "user-refund-tx", nil
		}
		return "", errors.New("gas estimation failed")
	}

	o := newTestOrchestrator(chain)

	record, err := o.Execute(context.Background(), settlementSwap(), types.IntentRefundBoth)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrRetryBudgetExhausted))
	assert.Contains(t, err.Error(), "mm_refund")

	// The user refund that did land survives for reconciliation.
	require.NotNil(t, record)
	require.NotNil(t, record.UserPayout)
	assert.Equal(t, "user-refund-tx", record.UserPayout.TxRef)
	assert.Nil(t, record.MMPayout)
	assert.Nil(t, record.CompletedAt)
}

func TestRefundBothWithoutAnnouncedAddressSkipsMMLeg(t *testing.T) {
	chain := &fakeChain{}
	o := newTestOrchestrator(chain)

	swap := settlementSwap()
	swap.MMRefundAddress = ""

	record, err := o.Execute(context.Background(), swap, types.IntentRefundBoth)
	require.NoError(t, err)

	require.NotNil(t, record.UserPayout)
	assert.Nil(t, record.MMPayout)
	assert.Equal(t, []string{"bc1refund"}, chain.sendCalls)
}

func TestPayUserAndRefundMMTransfersUserDeposit(t *testing.T) {
	chain := &fakeChain{}
	o := newTestOrchestrator(chain)

	record, err := o.Execute(context.Background(), settlementSwap(), types.IntentPayUserAndRefundMM)
	require.NoError(t, err)

	require.NotNil(t, record.UserPayout)
	require.NotNil(t, record.MMPayout)
	assert.Equal(t, "0xmmrefund", record.MMPayout.Recipient)
	assert.Equal(t, []string{"0xdestination", "0xmmrefund"}, chain.sendCalls)
}

func TestReorgedBroadcastRetries(t *testing.T) {
	chain := &fakeChain{}

	broadcast := 0
	chain.sendFunds = func(to string, amount *big.Int) (string, error) {
		broadcast++
		if broadcast == 1 {
			return "orphaned-tx", nil
		}
		return "replacement-tx", nil
	}
	chain.txStatus = func(txRef string) (types.TxStatus, error) {
		if txRef == "orphaned-tx" {
			return types.TxStatus{State: types.TxStateNotFound}, nil
		}
		return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 1}, nil
	}

	o := newTestOrchestrator(chain)

	record, err := o.Execute(context.Background(), settlementSwap(), types.IntentPayUser)
	require.NoError(t, err)

	require.NotNil(t, record.UserPayout)
	assert.Equal(t, "replacement-tx", record.UserPayout.TxRef)
}

func TestSigningKeysWipedAfterUse(t *testing.T) {
	chain := &fakeChain{}
	o := newTestOrchestrator(chain)

	_, err := o.Execute(context.Background(), settlementSwap(), types.IntentPayUser)
	require.NoError(t, err)

	require.NotEmpty(t, chain.wallets)
	for _, wallet := range chain.wallets {
		assert.Nil(t, wallet.PrivateKey())
	}
}
