package quotes

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

// memoryStore is an in-memory Store with the same consumption semantics as
// the database-backed one.
type memoryStore struct {
	mutex    sync.Mutex
	quotes   map[uuid.UUID]*types.Quote
	consumed map[uuid.UUID]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		quotes:   make(map[uuid.UUID]*types.Quote),
		consumed: make(map[uuid.UUID]bool),
	}
}

func (s *memoryStore) CreateQuote(ctx context.Context, quote *types.Quote) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *quote
	s.quotes[quote.ID] = &copied
	return nil
}

func (s *memoryStore) GetQuote(ctx context.Context, id uuid.UUID) (*types.Quote, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	quote, ok := s.quotes[id]
	if !ok {
		return nil, errors.Wrapf(commonerrors.ErrQuoteNotFound, "quote %s", id)
	}

	copied := *quote
	return &copied, nil
}

func (s *memoryStore) ConsumeQuote(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.quotes[id]; !ok {
		return errors.Wrapf(commonerrors.ErrQuoteNotFound, "quote %s", id)
	}
	if s.consumed[id] {
		return errors.Wrapf(commonerrors.ErrQuoteConsumed, "quote %s", id)
	}

	s.consumed[id] = true
	return nil
}

func (s *memoryStore) DeleteExpiredQuotes(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var removed int64
	for id, quote := range s.quotes {
		if !s.consumed[id] && quote.ExpiresAt.Before(cutoff) {
			delete(s.quotes, id)
			removed++
		}
	}
	return removed, nil
}

func newTestLedger(store Store, sweepInterval time.Duration) *Ledger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewLedger(store, sweepInterval, logger)
}

func validQuote(ttl time.Duration) *types.Quote {
	return &types.Quote{
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
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
}

func TestCreateFillsDefaults(t *testing.T) {
	ledger := newTestLedger(newMemoryStore(), 0)

	quote := validQuote(time.Minute)
	require.NoError(t, ledger.Create(context.Background(), quote))

	assert.NotEqual(t, uuid.Nil, quote.ID)
	assert.False(t, quote.CreatedAt.IsZero())

	resolved, err := ledger.Get(context.Background(), quote.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.MarketMakerID, resolved.MarketMakerID)
}

func TestCreateRejectsMalformedQuotes(t *testing.T) {
	ledger := newTestLedger(newMemoryStore(), 0)
	ctx := context.Background()

	noMM := validQuote(time.Minute)
	noMM.MarketMakerID = uuid.Nil
	assert.True(t, errors.Is(ledger.Create(ctx, noMM), commonerrors.ErrInvalidConfig))

	zeroAmount := validQuote(time.Minute)
	zeroAmount.From.Amount = big.NewInt(0)
	assert.True(t, errors.Is(ledger.Create(ctx, zeroAmount), commonerrors.ErrInvalidConfig))

	sameChain := validQuote(time.Minute)
	sameChain.To.Chain = sameChain.From.Chain
	assert.True(t, errors.Is(ledger.Create(ctx, sameChain), commonerrors.ErrInvalidConfig))

	stale := validQuote(-time.Minute)
	assert.True(t, errors.Is(ledger.Create(ctx, stale), commonerrors.ErrInvalidConfig))
}

func TestGetExpiredQuote(t *testing.T) {
	store := newMemoryStore()
	ledger := newTestLedger(store, 0)

	quote := validQuote(20 * time.Millisecond)
	require.NoError(t, ledger.Create(context.Background(), quote))

	time.Sleep(50 * time.Millisecond)

	// Expiry is enforced on resolution, ahead of any sweep.
	_, err := ledger.Get(context.Background(), quote.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrQuoteExpired))
}

func TestGetUnknownQuote(t *testing.T) {
	ledger := newTestLedger(newMemoryStore(), 0)

	_, err := ledger.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrQuoteNotFound))
}

func TestConsumeIsSingleUse(t *testing.T) {
	ledger := newTestLedger(newMemoryStore(), 0)

	quote := validQuote(time.Minute)
	require.NoError(t, ledger.Create(context.Background(), quote))

	require.NoError(t, ledger.Consume(context.Background(), quote.ID))

	err := ledger.Consume(context.Background(), quote.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrQuoteConsumed))
}

func TestConcurrentConsumption(t *testing.T) {
	ledger := newTestLedger(newMemoryStore(), 0)

	quote := validQuote(time.Minute)
	require.NoError(t, ledger.Create(context.Background(), quote))

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ledger.Consume(context.Background(), quote.ID)
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, commonerrors.ErrQuoteConsumed))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestSweeperPurgesExpiredQuotes(t *testing.T) {
	store := newMemoryStore()
	ledger := newTestLedger(store, 10*time.Millisecond)

	quote := validQuote(20 * time.Millisecond)
	require.NoError(t, ledger.Create(context.Background(), quote))

	ledger.StartSweeper(context.Background())
	defer ledger.Stop()

	require.Eventually(t, func() bool {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		_, present := store.quotes[quote.ID]
		return !present
	}, 2*time.Second, 10*time.Millisecond)
}
