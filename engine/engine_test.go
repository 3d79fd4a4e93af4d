package engine

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
	"github.com/tee-otc/settle-lib/mm"
	"github.com/tee-otc/settle-lib/quotes"
	"github.com/tee-otc/settle-lib/settlement"
	"github.com/tee-otc/settle-lib/watcher"
)

// memSwapStore is an in-memory SwapStore with the same compare-and-set
// update semantics as the database-backed one.
type memSwapStore struct {
	mutex sync.Mutex
	swaps map[uuid.UUID]*types.Swap
}

func newMemSwapStore() *memSwapStore {
	return &memSwapStore{swaps: make(map[uuid.UUID]*types.Swap)}
}

func (s *memSwapStore) CreateSwap(ctx context.Context, swap *types.Swap) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *swap
	s.swaps[swap.ID] = &copied
	return nil
}

func (s *memSwapStore) GetSwap(ctx context.Context, id uuid.UUID) (*types.Swap, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	swap, ok := s.swaps[id]
	if !ok {
		return nil, errors.Wrapf(commonerrors.ErrSwapNotFound, "swap %s", id)
	}

	copied := *swap
	return &copied, nil
}

func (s *memSwapStore) UpdateSwap(ctx context.Context, swap *types.Swap, expected types.SwapStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.swaps[swap.ID]
	if !ok {
		return errors.Wrapf(commonerrors.ErrSwapNotFound, "swap %s", swap.ID)
	}
	if current.Status != expected {
		return errors.Wrapf(commonerrors.ErrStatusConflict,
			"swap %s is %s, expected %s", swap.ID, current.Status, expected)
	}

	copied := *swap
	s.swaps[swap.ID] = &copied
	return nil
}

func (s *memSwapStore) SwapsByStatus(ctx context.Context, statuses ...types.SwapStatus) ([]*types.Swap, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var matched []*types.Swap
	for _, swap := range s.swaps {
		for _, status := range statuses {
			if swap.Status == status {
				copied := *swap
				matched = append(matched, &copied)
				break
			}
		}
	}
	return matched, nil
}

func (s *memSwapStore) SwapsNearTimeout(ctx context.Context, within time.Duration) ([]*types.Swap, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().UTC().Add(within)
	var matched []*types.Swap
	for _, swap := range s.swaps {
		if swap.IsActive() && !swap.TimeoutAt.After(cutoff) {
			copied := *swap
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

func (s *memSwapStore) status(t *testing.T, id uuid.UUID) types.SwapStatus {
	t.Helper()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	swap, ok := s.swaps[id]
	require.True(t, ok)
	return swap.Status
}

// memQuoteStore is a minimal in-memory quotes.Store.
type memQuoteStore struct {
	mutex    sync.Mutex
	quotes   map[uuid.UUID]*types.Quote
	consumed map[uuid.UUID]bool
}

func newMemQuoteStore() *memQuoteStore {
	return &memQuoteStore{
		quotes:   make(map[uuid.UUID]*types.Quote),
		consumed: make(map[uuid.UUID]bool),
	}
}

func (s *memQuoteStore) CreateQuote(ctx context.Context, quote *types.Quote) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *quote
	s.quotes[quote.ID] = &copied
	return nil
}

func (s *memQuoteStore) GetQuote(ctx context.Context, id uuid.UUID) (*types.Quote, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	quote, ok := s.quotes[id]
	if !ok {
		return nil, errors.Wrapf(commonerrors.ErrQuoteNotFound, "quote %s", id)
	}

	copied := *quote
	return &copied, nil
}

func (s *memQuoteStore) ConsumeQuote(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.consumed[id] {
		return errors.Wrapf(commonerrors.ErrQuoteConsumed, "quote %s", id)
	}
	s.consumed[id] = true
	return nil
}

func (s *memQuoteStore) DeleteExpiredQuotes(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// scriptedChain implements types.Chain with deposits placed by the test.
type scriptedChain struct {
	prefix string

	mutex    sync.Mutex
	deposits map[string]*types.DepositInfo
	valid    func(address string) bool
}

func newScriptedChain(prefix string) *scriptedChain {
	return &scriptedChain{
		prefix:   prefix,
		deposits: make(map[string]*types.DepositInfo),
	}
}

func (c *scriptedChain) placeDeposit(address string, info *types.DepositInfo) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.deposits[address] = info
}

func (c *scriptedChain) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	return types.NewWallet(c.prefix+"-"+string(role), []byte("transient-key")), nil
}

func (c *scriptedChain) ValidateAddress(address string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.valid != nil {
		return c.valid(address)
	}
	return true
}

func (c *scriptedChain) CheckDeposit(ctx context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	info, ok := c.deposits[address]
	if !ok {
		return nil, nil
	}
	if minAmount != nil && info.Amount.Cmp(minAmount) < 0 {
		return nil, nil
	}
	return info, nil
}

func (c *scriptedChain) TxStatus(ctx context.Context, txRef string) (types.TxStatus, error) {
	return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 1}, nil
}

func (c *scriptedChain) LatestHeight(ctx context.Context) (uint64, error) { return 100, nil }

func (c *scriptedChain) SendFunds(ctx context.Context, wallet *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	return "settlement-tx-" + to, nil
}

func (c *scriptedChain) GetBalance(ctx context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *scriptedChain) MinConfirmations() uint64 { return 1 }
func (c *scriptedChain) BlockTime() time.Duration { return time.Second }

// chainMap is a fixed types.ChainRegistry for tests.
type chainMap map[types.ChainType]types.Chain

func (m chainMap) Add(ctx context.Context, config *types.ChainConfig) error { return nil }
func (m chainMap) Get(chainType types.ChainType) types.Chain { return m[chainType] }
func (m chainMap) Remove(chainType types.ChainType) {}

type engineFixture struct {
	engine     *Engine
	swapStore  *memSwapStore
	quoteStore *memQuoteStore
	ledger     *quotes.Ledger
	btc        *scriptedChain
	eth        *scriptedChain
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	btc := newScriptedChain("btc")
	eth := newScriptedChain("eth")
	chains := chainMap{types.BITCOIN: btc, types.ETHEREUM: eth}

	watchers := map[types.ChainType]*watcher.Watcher{
		types.BITCOIN:  watcher.New(types.BITCOIN, btc, 10*time.Millisecond, logger),
		types.ETHEREUM: watcher.New(types.ETHEREUM, eth, 10*time.Millisecond, logger),
	}
	for _, w := range watchers {
		require.NoError(t, w.Start(context.Background()))
	}

	quoteStore := newMemQuoteStore()
	ledger := quotes.NewLedger(quoteStore, time.Minute, logger)

	orchestrator := settlement.New(chains, cfg.MasterKey, 3, time.Millisecond, logger).
		WithConfirmInterval(time.Millisecond)

	swapStore := newMemSwapStore()
	eng := New(cfg, swapStore, ledger, chains, watchers, mm.NewRegistry(logger), orchestrator, logger)
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() {
		eng.Stop()
		for _, w := range watchers {
			w.Stop()
		}
	})

	return &engineFixture{
		engine:     eng,
		swapStore:  swapStore,
		quoteStore: quoteStore,
		ledger:     ledger,
		btc:        btc,
		eth:        eth,
	}
}

func (f *engineFixture) issueQuote(t *testing.T) *types.Quote {
	t.Helper()

	quote := &types.Quote{
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
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, f.ledger.Create(context.Background(), quote))
	return quote
}

func defaultEngineConfig() Config {
	return Config{
		MasterKey:                 []byte("0123456789abcdef0123456789abcdef"),
		SwapTimeout:               time.Hour,
		AllowUnvalidatedMMDeposit: true,
		SweepInterval:             20 * time.Millisecond,
	}
}

func TestCreateSwapWithoutConnectedMM(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	quote := f.issueQuote(t)

	swap, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusWaitingUserDeposit, swap.Status)
	assert.Equal(t, "btc-user", swap.UserDepositAddress)
	assert.Equal(t, "eth-mm", swap.MMDepositAddress)
	assert.Len(t, swap.UserDepositSalt, 32)
	assert.Len(t, swap.MMDepositSalt, 32)
	assert.Len(t, swap.MMNonce, 16)
	assert.True(t, swap.TimeoutAt.After(time.Now()))
}

func TestCreateSwapConsumesQuoteOnce(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	quote := f.issueQuote(t)

	params := CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	}

	_, err := f.engine.CreateSwap(context.Background(), params)
	require.NoError(t, err)

	_, err = f.engine.CreateSwap(context.Background(), params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrQuoteConsumed))
}

func TestCreateSwapRequiresValidationWhenConfigured(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.AllowUnvalidatedMMDeposit = false

	f := newEngineFixture(t, cfg)
	quote := f.issueQuote(t)

	_, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrMMNotConnected))
}

func TestCreateSwapRejectsInvalidAddresses(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	quote := f.issueQuote(t)

	f.eth.valid = func(address string) bool { return false }

	_, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "bogus",
		UserRefundAddress:      "btc-refund",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination address")

	// A rejected creation must not burn the quote.
	_, getErr := f.ledger.Get(context.Background(), quote.ID)
	assert.NoError(t, getErr)
}

func TestCancelBeforeDeposit(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	quote := f.issueQuote(t)

	swap, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(context.Background(), swap.ID, "user request"))
	assert.Equal(t, types.StatusFailed, f.swapStore.status(t, swap.ID))
}

func TestSwapRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	quote := f.issueQuote(t)

	swap, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	f.btc.placeDeposit("btc-user", &types.DepositInfo{
		TxRef:         "user-deposit-tx",
		Amount:        big.NewInt(100000),
		Confirmations: 1,
		DetectedAt:    now,
	})
	f.eth.placeDeposit("eth-mm", &types.DepositInfo{
		TxRef:         "mm-deposit-tx",
		Amount:        big.NewInt(200000),
		Confirmations: 1,
		DetectedAt:    now,
	})

	require.Eventually(t, func() bool {
		return f.swapStore.status(t, swap.ID) == types.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	final, err := f.engine.GetSwap(context.Background(), swap.ID)
	require.NoError(t, err)

	require.NotNil(t, final.UserDeposit)
	require.NotNil(t, final.MMDeposit)
	require.NotNil(t, final.Settlement)
	assert.Equal(t, types.IntentPayUser, final.Settlement.Intent)
	require.NotNil(t, final.Settlement.UserPayout)
	assert.Equal(t, "settlement-tx-eth-destination", final.Settlement.UserPayout.TxRef)
	require.NotNil(t, final.Settlement.CompletedAt)
}

func TestTimeoutRefundsFundedUser(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.SwapTimeout = 150 * time.Millisecond

	f := newEngineFixture(t, cfg)
	quote := f.issueQuote(t)

	swap, err := f.engine.CreateSwap(context.Background(), CreateSwapParams{
		QuoteID:                quote.ID,
		UserDestinationAddress: "eth-destination",
		UserRefundAddress:      "btc-refund",
	})
	require.NoError(t, err)

	// Only the user funds; the market maker never shows up.
	f.btc.placeDeposit("btc-user", &types.DepositInfo{
		TxRef:         "user-deposit-tx",
		Amount:        big.NewInt(100000),
		Confirmations: 1,
		DetectedAt:    time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		final, err := f.engine.GetSwap(context.Background(), swap.ID)
		if err != nil {
			return false
		}
		return final.Status == types.StatusRefundingUser &&
			final.Settlement != nil &&
			final.Settlement.UserPayout != nil
	}, 5*time.Second, 20*time.Millisecond)

	final, err := f.engine.GetSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentRefundUser, final.Settlement.Intent)
	assert.Equal(t, "settlement-tx-btc-refund", final.Settlement.UserPayout.TxRef)
}
