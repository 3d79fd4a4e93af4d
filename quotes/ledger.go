// Package quotes manages the short-lived offers that seed swaps. A quote
// is immutable once issued and logically destroyed either by expiry or by
// being consumed into exactly one swap.
package quotes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// defaultSweepInterval is how often expired quotes are purged.
const defaultSweepInterval = time.Minute

// Store is the persistence boundary for quotes. ConsumeQuote must be
// atomic: of two concurrent consumers exactly one succeeds.
type Store interface {
	CreateQuote(ctx context.Context, quote *types.Quote) error
	GetQuote(ctx context.Context, id uuid.UUID) (*types.Quote, error)
	// ConsumeQuote marks the quote consumed, failing with ErrQuoteConsumed
	// if it already was.
	ConsumeQuote(ctx context.Context, id uuid.UUID) error
	// DeleteExpiredQuotes removes unconsumed quotes that expired before the
	// cutoff, returning how many were removed.
	DeleteExpiredQuotes(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger issues, resolves, and expires quotes.
type Ledger struct {
	store  Store
	logger *logrus.Logger

	sweepInterval time.Duration
	stopOnce      sync.Once
	stopChan      chan struct{}
}

// NewLedger creates a quote ledger over a store.
func NewLedger(store Store, sweepInterval time.Duration, logger *logrus.Logger) *Ledger {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	return &Ledger{
		store:         store,
		logger:        logger,
		sweepInterval: sweepInterval,
		stopChan:      make(chan struct{}),
	}
}

// Create validates and stores a newly issued quote.
//
// Parameters:
// - ctx: the context for managing the request.
// - quote: the quote to issue.
//
// Returns:
// - error: ErrInvalidConfig for a malformed quote, or a persistence error.
func (l *Ledger) Create(ctx context.Context, quote *types.Quote) error {
	if quote.ID == uuid.Nil {
		quote.ID = uuid.New()
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = time.Now().UTC()
	}

	switch {
	case quote.MarketMakerID == uuid.Nil:
		return errors.Wrap(commonerrors.ErrInvalidConfig, "quote has no market maker")
	case quote.From.Amount == nil || quote.From.Amount.Sign() <= 0:
		return errors.Wrap(commonerrors.ErrInvalidConfig, "quote source amount must be positive")
	case quote.To.Amount == nil || quote.To.Amount.Sign() <= 0:
		return errors.Wrap(commonerrors.ErrInvalidConfig, "quote destination amount must be positive")
	case quote.From.Chain == quote.To.Chain:
		return errors.Wrap(commonerrors.ErrInvalidConfig, "quote must cross chains")
	case !quote.ExpiresAt.After(quote.CreatedAt):
		return errors.Wrap(commonerrors.ErrInvalidConfig, "quote already expired at creation")
	}

	if err := l.store.CreateQuote(ctx, quote); err != nil {
		return errors.Wrap(err, "failed to persist quote")
	}

	l.logger.WithFields(logrus.Fields{
		"quoteID":   quote.ID,
		"mmID":      quote.MarketMakerID,
		"fromChain": quote.From.Chain,
		"toChain":   quote.To.Chain,
		"expiresAt": quote.ExpiresAt,
	}).Debug("Quote issued")

	return nil
}

// Get resolves a live quote. Expired quotes resolve to ErrQuoteExpired
// even before the sweeper removes them.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*types.Quote, error) {
	quote, err := l.store.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}

	if quote.IsExpired(time.Now().UTC()) {
		return nil, errors.Wrapf(commonerrors.ErrQuoteExpired, "quote %s", id)
	}

	return quote, nil
}

// Consume destroys a quote by binding it to a swap. At most one consumer
// ever succeeds.
func (l *Ledger) Consume(ctx context.Context, id uuid.UUID) error {
	quote, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	return l.store.ConsumeQuote(ctx, quote.ID)
}

// StartSweeper purges expired quotes on a cadence until the context is
// cancelled or Stop is called.
func (l *Ledger) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return

			case <-ticker.C:
				removed, err := l.store.DeleteExpiredQuotes(ctx, time.Now().UTC())
				if err != nil {
					l.logger.WithField("error", err).Warn("Quote expiry sweep failed")
					continue
				}
				if removed > 0 {
					l.logger.WithField("count", removed).Debug("Purged expired quotes")
				}
			}
		}
	}()
}

// Stop halts the sweeper.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}
