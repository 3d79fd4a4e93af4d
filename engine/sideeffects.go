package engine

import "github.com/tee-otc/settle-lib/common/types"

// SideEffectKind names an action the runtime must perform after a
// transition commits. Side effects are plain data so the state machine
// stays free of I/O.
type SideEffectKind string

const (
	// EffectNotifyMMDeposited tells the market maker the user deposit was
	// seen and it is safe to fund.
	EffectNotifyMMDeposited SideEffectKind = "notify_mm_deposited"
	// EffectNotifyMMDepositConfirmed tells the market maker the user
	// deposit reached its confirmation threshold.
	EffectNotifyMMDepositConfirmed SideEffectKind = "notify_mm_deposit_confirmed"
	// EffectWatchMMDeposit registers the market maker deposit address with
	// its chain watcher.
	EffectWatchMMDeposit SideEffectKind = "watch_mm_deposit"
	// EffectUnwatchDeposits removes both deposit addresses from their
	// watchers.
	EffectUnwatchDeposits SideEffectKind = "unwatch_deposits"
	// EffectRequestSettlement hands a settlement intent to the
	// orchestrator.
	EffectRequestSettlement SideEffectKind = "request_settlement"
	// EffectReleaseKeyToMM hands the user deposit wallet key to the market
	// maker after settlement.
	EffectReleaseKeyToMM SideEffectKind = "release_key_to_mm"
)

// SideEffect is one declarative action produced by a transition.
type SideEffect struct {
	Kind SideEffectKind
	// Intent is set for EffectRequestSettlement.
	Intent types.SettlementIntentKind
}

func notify(kind SideEffectKind) SideEffect {
	return SideEffect{Kind: kind}
}

func requestSettlement(intent types.SettlementIntentKind) SideEffect {
	return SideEffect{Kind: EffectRequestSettlement, Intent: intent}
}
