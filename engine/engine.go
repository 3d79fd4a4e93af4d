package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/mm"
	"github.com/tee-otc/settle-lib/quotes"
	"github.com/tee-otc/settle-lib/settlement"
	"github.com/tee-otc/settle-lib/wallet"
	"github.com/tee-otc/settle-lib/watcher"
)

// SwapStore is the persistence boundary the engine writes through. Updates
// carry the expected current status so concurrent engine instances cannot
// silently overwrite each other.
type SwapStore interface {
	CreateSwap(ctx context.Context, swap *types.Swap) error
	GetSwap(ctx context.Context, id uuid.UUID) (*types.Swap, error)
	// UpdateSwap persists the swap if its stored status still equals
	// expected, returning ErrStatusConflict otherwise.
	UpdateSwap(ctx context.Context, swap *types.Swap, expected types.SwapStatus) error
	SwapsByStatus(ctx context.Context, statuses ...types.SwapStatus) ([]*types.Swap, error)
	// SwapsNearTimeout returns active swaps whose deadline falls within the
	// window from now.
	SwapsNearTimeout(ctx context.Context, within time.Duration) ([]*types.Swap, error)
}

// Config carries the engine's policy knobs.
type Config struct {
	// MasterKey is the enclave secret all deposit wallets derive from.
	MasterKey []byte
	// SwapTimeout is how long a new swap gets before the refund path.
	SwapTimeout time.Duration
	// DepositToleranceBps is how far below the quoted amount a deposit may
	// fall and still count, in basis points.
	DepositToleranceBps uint64
	// AllowUnvalidatedMMDeposit lets a swap proceed when quote validation
	// timed out, leaving the market maker free to deposit before the swap
	// deadline.
	AllowUnvalidatedMMDeposit bool
	// SweepInterval is the cadence of the timeout sweeper.
	SweepInterval time.Duration
}

// CreateSwapParams is the user input that turns a quote into a swap.
type CreateSwapParams struct {
	QuoteID                uuid.UUID
	UserDestinationAddress string
	UserRefundAddress      string
}

// Engine drives swap lifecycles. Transitions for one swap are serialized
// through a per-swap lock; unrelated swaps progress in parallel.
type Engine struct {
	cfg          Config
	store        SwapStore
	quotes       *quotes.Ledger
	chains       types.ChainRegistry
	watchers     map[types.ChainType]*watcher.Watcher
	mms          *mm.Registry
	orchestrator *settlement.Orchestrator
	logger       *logrus.Logger

	locksMutex sync.Mutex
	locks      map[uuid.UUID]*sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a lifecycle engine.
func New(
	cfg Config,
	store SwapStore,
	ledger *quotes.Ledger,
	chains types.ChainRegistry,
	watchers map[types.ChainType]*watcher.Watcher,
	mms *mm.Registry,
	orchestrator *settlement.Orchestrator,
	logger *logrus.Logger,
) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		quotes:       ledger,
		chains:       chains,
		watchers:     watchers,
		mms:          mms,
		orchestrator: orchestrator,
		logger:       logger,
		locks:        make(map[uuid.UUID]*sync.Mutex),
		stopChan:     make(chan struct{}),
	}

	mms.SetDepositInitiatedHandler(e.onMMDepositInitiated)

	return e
}

// Start recovers active swaps from storage, re-registers their watch
// targets, and launches the event pumps and timeout sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return errors.Wrap(err, "failed to recover active swaps")
	}

	for chainType, w := range e.watchers {
		e.wg.Add(1)
		go e.pumpWatcher(ctx, chainType, w)
	}

	e.wg.Add(1)
	go e.sweepTimeouts(ctx)

	return nil
}

// Stop halts the pumps and sweeper and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
}

// recover re-registers watch targets for every swap that was mid-flight
// when the process last stopped. Watchers replay chain state from their
// lookback window, so deposits observed during downtime are re-reported.
func (e *Engine) recover(ctx context.Context) error {
	active, err := e.store.SwapsByStatus(ctx,
		types.StatusWaitingUserDeposit,
		types.StatusWaitingMMDeposit,
		types.StatusWaitingConfirmations,
		types.StatusSettling,
		types.StatusRefundingUser,
		types.StatusRefundingBoth,
	)
	if err != nil {
		return err
	}

	for _, swap := range active {
		switch swap.Status {
		case types.StatusWaitingUserDeposit:
			e.watchDeposit(swap, types.RoleUser)

		case types.StatusWaitingMMDeposit:
			e.watchDeposit(swap, types.RoleUser)
			e.watchDeposit(swap, types.RoleMM)

		case types.StatusWaitingConfirmations:
			e.watchDeposit(swap, types.RoleUser)
			e.watchDeposit(swap, types.RoleMM)

		case types.StatusSettling:
			e.startSettlement(swap.ID, types.IntentPayUser)

		case types.StatusRefundingUser:
			e.startSettlement(swap.ID, types.IntentRefundUser)

		case types.StatusRefundingBoth:
			e.startSettlement(swap.ID, types.IntentRefundBoth)
		}
	}

	e.logger.WithField("count", len(active)).Info("Recovered active swaps")
	return nil
}

// CreateSwap consumes a quote into a new swap: validates the user
// addresses, asks the market maker to honor the quote, derives both
// deposit addresses, persists the swap, and starts watching for the user
// deposit.
//
// Parameters:
// - ctx: the context for managing the request.
// - params: the quote id and user addresses.
//
// Returns:
// - *types.Swap: the created swap.
// - error: quote, validation, or persistence errors.
func (e *Engine) CreateSwap(ctx context.Context, params CreateSwapParams) (*types.Swap, error) {
	quote, err := e.quotes.Get(ctx, params.QuoteID)
	if err != nil {
		return nil, err
	}

	fromChain := e.chains.Get(quote.From.Chain)
	toChain := e.chains.Get(quote.To.Chain)
	if fromChain == nil || toChain == nil {
		return nil, errors.Wrapf(commonerrors.ErrChainNotFound,
			"quote %s requires %s and %s", quote.ID, quote.From.Chain, quote.To.Chain)
	}

	if !toChain.ValidateAddress(params.UserDestinationAddress) {
		return nil, errors.Errorf("destination address is not valid for %s", quote.To.Chain)
	}
	if !fromChain.ValidateAddress(params.UserRefundAddress) {
		return nil, errors.Errorf("refund address is not valid for %s", quote.From.Chain)
	}

	validated, err := e.validateWithMM(ctx, quote, params.UserDestinationAddress)
	if err != nil {
		return nil, err
	}

	// Consumption is the commit point: a quote feeds exactly one swap.
	if err := e.quotes.Consume(ctx, quote.ID); err != nil {
		return nil, err
	}

	userSalt, err := wallet.NewSalt()
	if err != nil {
		return nil, err
	}
	mmSalt, err := wallet.NewSalt()
	if err != nil {
		return nil, err
	}
	nonce, err := wallet.NewNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	swap := &types.Swap{
		ID:                     uuid.New(),
		QuoteID:                quote.ID,
		Quote:                  quote,
		MarketMakerID:          quote.MarketMakerID,
		UserDepositSalt:        userSalt,
		MMDepositSalt:          mmSalt,
		MMNonce:                nonce,
		UserDestinationAddress: params.UserDestinationAddress,
		UserRefundAddress:      params.UserRefundAddress,
		Status:                 types.StatusWaitingUserDeposit,
		TimeoutAt:              now.Add(e.cfg.SwapTimeout),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	userWallet, err := fromChain.DeriveWallet(e.cfg.MasterKey, swap.ID, types.RoleUser, userSalt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive user deposit address")
	}
	swap.UserDepositAddress = userWallet.Address()
	userWallet.Wipe()

	mmWallet, err := toChain.DeriveWallet(e.cfg.MasterKey, swap.ID, types.RoleMM, mmSalt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive market maker deposit address")
	}
	swap.MMDepositAddress = mmWallet.Address()
	mmWallet.Wipe()

	if err := e.store.CreateSwap(ctx, swap); err != nil {
		return nil, errors.Wrap(err, "failed to persist swap")
	}

	e.watchDeposit(swap, types.RoleUser)

	e.logger.WithFields(logrus.Fields{
		"swapID":      swap.ID,
		"quoteID":     quote.ID,
		"mmID":        quote.MarketMakerID,
		"mmValidated": validated,
	}).Info("Swap created")

	return swap, nil
}

// validateWithMM runs the bounded quote validation exchange. A timeout is
// a rejection by policy; whether a timed-out quote may still proceed is
// configuration.
func (e *Engine) validateWithMM(ctx context.Context, quote *types.Quote, userDestination string) (bool, error) {
	result, err := e.mms.ValidateQuote(ctx, quote, userDestination)
	if err != nil {
		if errors.Is(err, commonerrors.ErrMMNotConnected) && e.cfg.AllowUnvalidatedMMDeposit {
			return false, nil
		}
		return false, err
	}

	if result.Accepted {
		return true, nil
	}

	if result.TimedOut {
		if e.cfg.AllowUnvalidatedMMDeposit {
			return false, nil
		}
		return false, errors.Wrapf(commonerrors.ErrValidationTimeout, "quote %s", quote.ID)
	}

	return false, errors.Wrapf(commonerrors.ErrMMRejected, "reason: %s", result.RejectionReason)
}

// Cancel aborts a swap that has no funds at risk yet.
func (e *Engine) Cancel(ctx context.Context, swapID uuid.UUID, reason string) error {
	return e.apply(ctx, swapID, CancelEvent{Reason: reason})
}

// GetSwap loads a swap by id.
func (e *Engine) GetSwap(ctx context.Context, swapID uuid.UUID) (*types.Swap, error) {
	return e.store.GetSwap(ctx, swapID)
}

// lockFor returns the serialization lock for one swap id.
func (e *Engine) lockFor(swapID uuid.UUID) *sync.Mutex {
	e.locksMutex.Lock()
	defer e.locksMutex.Unlock()

	lock, ok := e.locks[swapID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[swapID] = lock
	}
	return lock
}

// apply runs one event through the state machine under the swap's lock,
// persists the transition with a status compare, and then executes the
// side effects.
func (e *Engine) apply(ctx context.Context, swapID uuid.UUID, event Event) error {
	lock := e.lockFor(swapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := e.store.GetSwap(ctx, swapID)
	if err != nil {
		return err
	}

	expected := swap.Status
	policy := e.policyFor(swap)

	effects, err := Transition(swap, event, policy)
	if err != nil {
		return err
	}

	swap.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSwap(ctx, swap, expected); err != nil {
		return errors.Wrapf(err, "failed to persist transition for swap %s", swapID)
	}

	if expected != swap.Status {
		e.logger.WithFields(logrus.Fields{
			"swapID": swapID,
			"event":  event.Name(),
			"from":   expected,
			"to":     swap.Status,
		}).Info("Swap transitioned")
	}

	e.executeEffects(ctx, swap, effects)
	return nil
}

// policyFor assembles the thresholds in force for one swap from chain
// configuration.
func (e *Engine) policyFor(swap *types.Swap) Policy {
	policy := Policy{
		DepositToleranceBps:       e.cfg.DepositToleranceBps,
		UserConfirmationThreshold: 1,
		MMConfirmationThreshold:   1,
	}

	if chain := e.chains.Get(swap.Quote.From.Chain); chain != nil {
		policy.UserConfirmationThreshold = chain.MinConfirmations()
	}
	if chain := e.chains.Get(swap.Quote.To.Chain); chain != nil {
		policy.MMConfirmationThreshold = chain.MinConfirmations()
	}

	return policy
}

// executeEffects performs side effects after a committed transition.
// Failures here never roll the transition back; notification effects are
// best effort and settlement effects carry their own retry budget.
func (e *Engine) executeEffects(ctx context.Context, swap *types.Swap, effects []SideEffect) {
	for _, effect := range effects {
		switch effect.Kind {
		case EffectNotifyMMDeposited:
			if err := e.mms.NotifyUserDeposited(swap.MarketMakerID, swap); err != nil {
				e.logger.WithFields(logrus.Fields{
					"swapID": swap.ID,
					"error":  err,
				}).Warn("Failed to notify market maker of user deposit")
			} else {
				now := time.Now().UTC()
				swap.MMNotifiedAt = &now
				if err := e.store.UpdateSwap(ctx, swap, swap.Status); err != nil {
					e.logger.WithField("swapID", swap.ID).Warn("Failed to record market maker notification time")
				}
			}

		case EffectNotifyMMDepositConfirmed:
			if err := e.mms.NotifyUserDepositConfirmed(swap.MarketMakerID, swap); err != nil {
				e.logger.WithFields(logrus.Fields{
					"swapID": swap.ID,
					"error":  err,
				}).Warn("Failed to notify market maker of confirmed deposit")
			}

		case EffectWatchMMDeposit:
			e.watchDeposit(swap, types.RoleMM)

		case EffectUnwatchDeposits:
			e.unwatchDeposits(swap)

		case EffectRequestSettlement:
			e.startSettlement(swap.ID, effect.Intent)

		case EffectReleaseKeyToMM:
			e.releaseKeyToMM(ctx, swap)
		}
	}
}

// watchDeposit registers one deposit address with its chain's watcher.
func (e *Engine) watchDeposit(swap *types.Swap, role types.DepositRole) {
	chainType := swap.DepositChain(role)
	w, ok := e.watchers[chainType]
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"swapID": swap.ID,
			"chain":  chainType,
		}).Error("No watcher for chain, deposit cannot be observed")
		return
	}

	quoted := swap.Quote.From
	if role == types.RoleMM {
		quoted = swap.Quote.To
	}

	policy := e.policyFor(swap)
	minAmount := policy.requiredAmount(quoted.Amount)

	w.Watch(types.WatchTarget{
		SwapID:           swap.ID,
		Role:             role,
		Address:          swap.DepositAddress(role),
		Token:            quoted.Token,
		MinAmount:        minAmount,
		MinConfirmations: policy.threshold(role),
	})
}

// unwatchDeposits removes both deposit addresses from their watchers.
func (e *Engine) unwatchDeposits(swap *types.Swap) {
	for _, role := range []types.DepositRole{types.RoleUser, types.RoleMM} {
		if w, ok := e.watchers[swap.DepositChain(role)]; ok {
			w.Unwatch(swap.ID, role)
		}
	}
}

// startSettlement hands an intent to the orchestrator asynchronously and
// feeds the outcome back as an event.
func (e *Engine) startSettlement(swapID uuid.UUID, intent types.SettlementIntentKind) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-e.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		swap, err := e.store.GetSwap(ctx, swapID)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"swapID": swapID,
				"error":  err,
			}).Error("Failed to load swap for settlement")
			return
		}

		record, execErr := e.orchestrator.Execute(ctx, swap, intent)
		if execErr != nil {
			if applyErr := e.apply(ctx, swapID, SettlementFailedEvent{
				Reason: execErr.Error(),
				Record: record,
			}); applyErr != nil {
				e.logger.WithFields(logrus.Fields{
					"swapID": swapID,
					"error":  applyErr,
				}).Error("Failed to record settlement failure")
			}
			return
		}

		if applyErr := e.apply(ctx, swapID, SettlementCompletedEvent{Record: record}); applyErr != nil {
			e.logger.WithFields(logrus.Fields{
				"swapID": swapID,
				"error":  applyErr,
			}).Error("Failed to record settlement completion")
		}
	}()
}

// releaseKeyToMM derives the user deposit key transiently and hands it to
// the market maker, recording the release time.
func (e *Engine) releaseKeyToMM(ctx context.Context, swap *types.Swap) {
	chain := e.chains.Get(swap.Quote.From.Chain)
	if chain == nil {
		e.logger.WithField("swapID", swap.ID).Error("No chain adapter for key release")
		return
	}

	w, err := chain.DeriveWallet(e.cfg.MasterKey, swap.ID, types.RoleUser, swap.UserDepositSalt)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"swapID": swap.ID,
			"error":  err,
		}).Error("Failed to derive key for release")
		return
	}
	defer w.Wipe()

	if err := e.mms.NotifySwapComplete(swap.MarketMakerID, swap, w.PrivateKey()); err != nil {
		e.logger.WithFields(logrus.Fields{
			"swapID": swap.ID,
			"error":  err,
		}).Warn("Failed to release key to market maker")
		return
	}

	now := time.Now().UTC()
	swap.MMKeyReleaseAt = &now
	if err := e.store.UpdateSwap(ctx, swap, swap.Status); err != nil {
		e.logger.WithField("swapID", swap.ID).Warn("Failed to record key release time")
	}
}

// onMMDepositInitiated records the market maker's announced deposit
// transaction and refund address. The announcement is a hint; only the
// watcher's observation advances the lifecycle.
func (e *Engine) onMMDepositInitiated(mmID uuid.UUID, swapID uuid.UUID, txHash string, amountSent *big.Int, refundAddress string) {
	ctx := context.Background()

	lock := e.lockFor(swapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := e.store.GetSwap(ctx, swapID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"swapID": swapID,
			"error":  err,
		}).Warn("Deposit announcement for unknown swap")
		return
	}

	if swap.MarketMakerID != mmID {
		e.logger.WithFields(logrus.Fields{
			"swapID": swapID,
			"mmID":   mmID,
		}).Warn("Deposit announcement from wrong market maker")
		return
	}

	if refundAddress != "" && swap.MMRefundAddress == "" {
		if chain := e.chains.Get(swap.Quote.To.Chain); chain != nil && chain.ValidateAddress(refundAddress) {
			swap.MMRefundAddress = refundAddress
			if err := e.store.UpdateSwap(ctx, swap, swap.Status); err != nil {
				e.logger.WithField("swapID", swapID).Warn("Failed to record market maker refund address")
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"swapID":     swapID,
		"mmID":       mmID,
		"txHash":     txHash,
		"amountSent": amountSent,
	}).Info("Market maker announced deposit")
}

// pumpWatcher converts watcher observations into lifecycle events.
func (e *Engine) pumpWatcher(ctx context.Context, chainType types.ChainType, w *watcher.Watcher) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return

		case observed, ok := <-w.Events():
			if !ok {
				return
			}

			var event Event
			switch observed.Type {
			case types.DepositDetected:
				event = DepositDetectedEvent{
					Role:          observed.Role,
					TxRef:         observed.TxRef,
					Amount:        observed.Amount,
					Confirmations: observed.Confirmations,
					ObservedAt:    observed.ObservedAt,
				}
			case types.DepositConfirmed:
				event = ConfirmationsUpdatedEvent{
					Role:          observed.Role,
					Confirmations: observed.Confirmations,
					ObservedAt:    observed.ObservedAt,
				}
			case types.DepositInvalidated:
				event = DepositInvalidatedEvent{
					Role:       observed.Role,
					TxRef:      observed.TxRef,
					ObservedAt: observed.ObservedAt,
				}
			default:
				continue
			}

			if err := e.apply(ctx, observed.SwapID, event); err != nil {
				level := logrus.WarnLevel
				if errors.Is(err, commonerrors.ErrInvalidTransition) {
					// Stale observations after a transition are expected.
					level = logrus.DebugLevel
				}
				e.logger.WithFields(logrus.Fields{
					"swapID": observed.SwapID,
					"chain":  chainType,
					"event":  event.Name(),
					"error":  err,
				}).Log(level, "Could not apply chain observation")
			}
		}
	}
}

// sweepTimeouts periodically moves swaps past their deadline onto the
// refund path.
func (e *Engine) sweepTimeouts(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return

		case <-ticker.C:
			swaps, err := e.store.SwapsNearTimeout(ctx, 0)
			if err != nil {
				e.logger.WithField("error", err).Warn("Timeout sweep query failed")
				continue
			}

			now := time.Now().UTC()
			for _, swap := range swaps {
				if !swap.IsTimedOut(now) {
					continue
				}
				if err := e.apply(ctx, swap.ID, TimeoutEvent{Deadline: swap.TimeoutAt}); err != nil &&
					!errors.Is(err, commonerrors.ErrInvalidTransition) {
					e.logger.WithFields(logrus.Fields{
						"swapID": swap.ID,
						"error":  err,
					}).Warn("Failed to apply timeout")
				}
			}
		}
	}
}
