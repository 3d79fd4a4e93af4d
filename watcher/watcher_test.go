package watcher

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

	"github.com/tee-otc/settle-lib/common/types"
)

// fakeChain implements types.Chain with scriptable deposit observations.
type fakeChain struct {
	mutex sync.Mutex

	checkDeposit func(address string) (*types.DepositInfo, error)
	txStatus     func(txRef string) (types.TxStatus, error)
}

func (f *fakeChain) setCheckDeposit(fn func(address string) (*types.DepositInfo, error)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.checkDeposit = fn
}

func (f *fakeChain) setTxStatus(fn func(txRef string) (types.TxStatus, error)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.txStatus = fn
}

func (f *fakeChain) CheckDeposit(ctx context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	f.mutex.Lock()
	fn := f.checkDeposit
	f.mutex.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(address)
}

func (f *fakeChain) TxStatus(ctx context.Context, txRef string) (types.TxStatus, error) {
	f.mutex.Lock()
	fn := f.txStatus
	f.mutex.Unlock()

	if fn == nil {
		return types.TxStatus{State: types.TxStateUnknown}, nil
	}
	return fn(txRef)
}

func (f *fakeChain) LatestHeight(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeChain) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	return types.NewWallet("fake-address", []byte{1}), nil
}

func (f *fakeChain) ValidateAddress(address string) bool { return true }

func (f *fakeChain) SendFunds(ctx context.Context, wallet *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeChain) GetBalance(ctx context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) MinConfirmations() uint64 { return 2 }
func (f *fakeChain) BlockTime() time.Duration { return time.Second }

func startWatcher(t *testing.T, chain *fakeChain) *Watcher {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w := New(types.BITCOIN, chain, 10*time.Millisecond, logger)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	return w
}

func waitForEvent(t *testing.T, w *Watcher) types.DepositEvent {
	t.Helper()

	select {
	case event := <-w.Events():
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("no event arrived")
		return types.DepositEvent{}
	}
}

func assertNoEvent(t *testing.T, w *Watcher, within time.Duration) {
	t.Helper()

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event %s for swap %s", event.Type, event.SwapID)
	case <-time.After(within):
	}
}

func watchTarget(swapID uuid.UUID) types.WatchTarget {
	return types.WatchTarget{
		SwapID:    swapID,
		Role:      types.RoleUser,
		Address:   "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		Token:     types.Native(),
		MinAmount: big.NewInt(100000),
	}
}

func TestDetectsDeposit(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-1",
			Amount:        big.NewInt(100000),
			BlockHeight:   90,
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})

	w := startWatcher(t, chain)
	swapID := uuid.New()
	w.Watch(watchTarget(swapID))

	event := waitForEvent(t, w)
	assert.Equal(t, types.DepositDetected, event.Type)
	assert.Equal(t, swapID, event.SwapID)
	assert.Equal(t, types.RoleUser, event.Role)
	assert.Equal(t, "tx-1", event.TxRef)
	assert.Equal(t, big.NewInt(100000), event.Amount)
}

func TestObservationFailureEmitsNothing(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return nil, errors.New("rpc connection refused")
	})

	w := startWatcher(t, chain)
	w.Watch(watchTarget(uuid.New()))

	// An unreachable chain is unknown, not absent: no detection, and no
	// retraction either.
	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestConfirmationGrowthEmitsUpdates(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-1",
			Amount:        big.NewInt(100000),
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})
	chain.setTxStatus(func(txRef string) (types.TxStatus, error) {
		return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 3}, nil
	})

	w := startWatcher(t, chain)
	w.Watch(watchTarget(uuid.New()))

	first := waitForEvent(t, w)
	require.Equal(t, types.DepositDetected, first.Type)

	second := waitForEvent(t, w)
	assert.Equal(t, types.DepositConfirmed, second.Type)
	assert.Equal(t, uint64(3), second.Confirmations)

	// The count stays at 3, so the stream stays quiet.
	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestReorgEmitsInvalidation(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-1",
			Amount:        big.NewInt(100000),
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})

	w := startWatcher(t, chain)
	swapID := uuid.New()
	w.Watch(watchTarget(swapID))

	first := waitForEvent(t, w)
	require.Equal(t, types.DepositDetected, first.Type)

	// Stop reporting new deposits and drop the transaction off the chain.
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return nil, nil
	})
	chain.setTxStatus(func(txRef string) (types.TxStatus, error) {
		return types.TxStatus{State: types.TxStateNotFound}, nil
	})

	second := waitForEvent(t, w)
	assert.Equal(t, types.DepositInvalidated, second.Type)
	assert.Equal(t, swapID, second.SwapID)
	assert.Equal(t, "tx-1", second.TxRef)

	// After the retraction the watcher looks for a fresh deposit again.
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-2",
			Amount:        big.NewInt(100000),
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})

	third := waitForEvent(t, w)
	assert.Equal(t, types.DepositDetected, third.Type)
	assert.Equal(t, "tx-2", third.TxRef)
}

func TestUnknownStatusEmitsNothing(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-1",
			Amount:        big.NewInt(100000),
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})
	chain.setTxStatus(func(txRef string) (types.TxStatus, error) {
		return types.TxStatus{State: types.TxStateUnknown}, nil
	})

	w := startWatcher(t, chain)
	w.Watch(watchTarget(uuid.New()))

	first := waitForEvent(t, w)
	require.Equal(t, types.DepositDetected, first.Type)

	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestUnwatchStopsObservation(t *testing.T) {
	chain := &fakeChain{}
	chain.setCheckDeposit(func(address string) (*types.DepositInfo, error) {
		return &types.DepositInfo{
			TxRef:         "tx-1",
			Amount:        big.NewInt(100000),
			Confirmations: 1,
			DetectedAt:    time.Now().UTC(),
		}, nil
	})

	w := startWatcher(t, chain)
	swapID := uuid.New()

	w.Watch(watchTarget(swapID))
	first := waitForEvent(t, w)
	require.Equal(t, types.DepositDetected, first.Type)

	w.Unwatch(swapID, types.RoleUser)
	chain.setTxStatus(func(txRef string) (types.TxStatus, error) {
		return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 10}, nil
	})

	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestStopClosesEventStream(t *testing.T) {
	chain := &fakeChain{}
	w := startWatcher(t, chain)

	w.Stop()

	select {
	case _, open := <-w.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("event stream never closed")
	}
}
