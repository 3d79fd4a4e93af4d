// Package watcher runs the long-lived deposit observation loop for one
// chain. It multiplexes watch-target registration as swaps are created and
// retired, polls the chain adapter, and reports deposits, confirmation
// updates, and reorg invalidations as an event stream. A watcher never
// fabricates a deposit: an observation failure is logged and retried with
// backoff, it does not produce an "absent" result.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/common/types"
)

const (
	// defaultPollInterval is used when the chain configuration does not set
	// a polling cadence.
	defaultPollInterval = 10 * time.Second
	// maxErrorBackoff caps the delay applied after repeated poll failures.
	maxErrorBackoff = 2 * time.Minute
	// eventBuffer is the size of the outgoing event channel.
	eventBuffer = 256
)

// targetKey identifies one watched side of one swap.
type targetKey struct {
	swapID uuid.UUID
	role   types.DepositRole
}

// watchState tracks a watch target and the deposit last reported for it.
type watchState struct {
	target  types.WatchTarget
	deposit *types.DepositInfo
}

// Watcher observes one chain for deposits to registered addresses.
type Watcher struct {
	chainType types.ChainType
	chain     types.Chain
	logger    *logrus.Logger

	pollInterval time.Duration

	events chan types.DepositEvent

	targetsMutex sync.RWMutex
	targets      map[targetKey]*watchState

	stopOnce sync.Once
	stopChan chan struct{}

	// errStreak counts consecutive poll failures for backoff.
	errStreak int
}

// New creates a watcher for the given chain.
//
// Parameters:
// - chainType: the chain family being watched.
// - chain: the chain adapter to poll.
// - pollInterval: the polling cadence, zero for the default.
// - logger: the logger for logging events.
//
// Returns:
// - *Watcher: a new Watcher instance.
func New(chainType types.ChainType, chain types.Chain, pollInterval time.Duration, logger *logrus.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Watcher{
		chainType:    chainType,
		chain:        chain,
		logger:       logger,
		pollInterval: pollInterval,
		events:       make(chan types.DepositEvent, eventBuffer),
		targets:      make(map[targetKey]*watchState),
		stopChan:     make(chan struct{}),
	}
}

// Events returns the stream of deposit observations. The channel is closed
// when the watcher stops.
func (w *Watcher) Events() <-chan types.DepositEvent {
	return w.events
}

// Watch registers a deposit address. Registration is idempotent per
// (swap, role) pair; re-registering replaces the target but keeps the
// already reported deposit so the stream stays monotonic.
func (w *Watcher) Watch(target types.WatchTarget) {
	key := targetKey{swapID: target.SwapID, role: target.Role}

	w.targetsMutex.Lock()
	if state, ok := w.targets[key]; ok {
		state.target = target
	} else {
		w.targets[key] = &watchState{target: target}
	}
	w.targetsMutex.Unlock()

	w.logger.WithFields(logrus.Fields{
		"chain":   w.chainType,
		"swapID":  target.SwapID,
		"role":    target.Role,
		"address": target.Address,
	}).Debug("Registered watch target")
}

// Unwatch removes a watch target, typically when its swap reaches a
// terminal status.
func (w *Watcher) Unwatch(swapID uuid.UUID, role types.DepositRole) {
	w.targetsMutex.Lock()
	delete(w.targets, targetKey{swapID: swapID, role: role})
	w.targetsMutex.Unlock()
}

// Start runs the polling loop until the context is cancelled or Stop is
// called.
//
// Parameters:
// - ctx: the context for managing the watcher lifecycle.
//
// Returns:
// - error: an error if the watcher is misconfigured.
func (w *Watcher) Start(ctx context.Context) error {
	if w.chain == nil {
		return errors.New("chain not provided")
	}

	go w.run(ctx)
	return nil
}

// Stop stops the polling loop and closes the event stream.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// run is the polling loop body.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.WithField("chain", w.chainType).Info("Deposit watcher stopped due to context cancellation")
			return

		case <-w.stopChan:
			w.logger.WithField("chain", w.chainType).Info("Deposit watcher stopped")
			return

		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.errStreak++
				w.logger.WithFields(logrus.Fields{
					"chain":  w.chainType,
					"streak": w.errStreak,
					"error":  err,
				}).Warn("Deposit poll failed, backing off")

				select {
				case <-ctx.Done():
					return
				case <-w.stopChan:
					return
				case <-time.After(w.backoff()):
				}
				continue
			}
			w.errStreak = 0
		}
	}
}

// backoff returns the delay after errStreak consecutive failures.
func (w *Watcher) backoff() time.Duration {
	delay := w.pollInterval << uint(w.errStreak)
	if delay > maxErrorBackoff || delay <= 0 {
		delay = maxErrorBackoff
	}
	return delay
}

// pollOnce checks every registered target once. Individual target failures
// are collected so one unreachable address does not starve the rest.
func (w *Watcher) pollOnce(ctx context.Context) error {
	w.targetsMutex.RLock()
	snapshot := make(map[targetKey]*watchState, len(w.targets))
	for key, state := range w.targets {
		snapshot[key] = state
	}
	w.targetsMutex.RUnlock()

	var lastErr error
	for key, state := range snapshot {
		var err error
		if state.deposit == nil {
			err = w.checkForDeposit(ctx, key, state)
		} else {
			err = w.refreshDeposit(ctx, key, state)
		}
		if err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// checkForDeposit looks for a first matching deposit at the target address.
func (w *Watcher) checkForDeposit(ctx context.Context, key targetKey, state *watchState) error {
	info, err := w.chain.CheckDeposit(ctx, state.target.Address, state.target.Token, state.target.MinAmount)
	if err != nil {
		// Observation failure means unknown, not absent.
		return errors.Wrapf(err, "failed to check deposit for swap %s", key.swapID)
	}
	if info == nil {
		return nil
	}

	w.targetsMutex.Lock()
	state.deposit = info
	w.targetsMutex.Unlock()

	w.emit(ctx, types.DepositEvent{
		Type:          types.DepositDetected,
		Chain:         w.chainType,
		SwapID:        key.swapID,
		Role:          key.role,
		Address:       state.target.Address,
		TxRef:         info.TxRef,
		Amount:        info.Amount,
		BlockHeight:   info.BlockHeight,
		Confirmations: info.Confirmations,
		ObservedAt:    info.DetectedAt,
	})
	return nil
}

// refreshDeposit re-checks a reported deposit for confirmation growth or
// reorg invalidation.
func (w *Watcher) refreshDeposit(ctx context.Context, key targetKey, state *watchState) error {
	status, err := w.chain.TxStatus(ctx, state.deposit.TxRef)
	if err != nil {
		return errors.Wrapf(err, "failed to get deposit status for swap %s", key.swapID)
	}

	switch status.State {
	case types.TxStateUnknown:
		// Nothing observable this round; try again next tick.
		return nil

	case types.TxStateNotFound:
		// The containing block left the canonical chain. Retract the
		// deposit explicitly and start looking again from scratch.
		invalidated := *state.deposit

		w.targetsMutex.Lock()
		state.deposit = nil
		w.targetsMutex.Unlock()

		w.logger.WithFields(logrus.Fields{
			"chain":  w.chainType,
			"swapID": key.swapID,
			"role":   key.role,
			"txRef":  invalidated.TxRef,
		}).Warn("Deposit invalidated by chain reorganization")

		w.emit(ctx, types.DepositEvent{
			Type:       types.DepositInvalidated,
			Chain:      w.chainType,
			SwapID:     key.swapID,
			Role:       key.role,
			Address:    state.target.Address,
			TxRef:      invalidated.TxRef,
			Amount:     invalidated.Amount,
			ObservedAt: time.Now().UTC(),
		})
		return nil

	case types.TxStateConfirmed:
		if status.Confirmations <= state.deposit.Confirmations {
			// Confirmation counts only ever move forward.
			return nil
		}

		w.targetsMutex.Lock()
		state.deposit.Confirmations = status.Confirmations
		w.targetsMutex.Unlock()

		w.emit(ctx, types.DepositEvent{
			Type:          types.DepositConfirmed,
			Chain:         w.chainType,
			SwapID:        key.swapID,
			Role:          key.role,
			Address:       state.target.Address,
			TxRef:         state.deposit.TxRef,
			Amount:        state.deposit.Amount,
			BlockHeight:   state.deposit.BlockHeight,
			Confirmations: status.Confirmations,
			ObservedAt:    time.Now().UTC(),
		})
	}

	return nil
}

// emit delivers an event without spinning forever if the consumer is gone.
func (w *Watcher) emit(ctx context.Context, event types.DepositEvent) {
	select {
	case w.events <- event:
	case <-ctx.Done():
	case <-w.stopChan:
	}
}
