package chainmanager

import (
	"github.com/tee-otc/settle-lib/common/types"
)

// ChainBuilder is a builder pattern implementation for chain configuration.
// It allows setting various components of the chain such as wallet deriver,
// deposit scanner, transaction broadcaster, and balance provider.
type ChainBuilder struct {
	config      *types.ChainConfig           // Chain configuration.
	deriver     types.WalletDeriver          // Wallet deriver implementation.
	scanner     types.DepositScanner         // Deposit scanner implementation.
	broadcaster types.TransactionBroadcaster // Transaction broadcaster implementation.
	provider    types.BalanceProvider        // Balance provider implementation.
	info        types.ChainInfo              // Chain info implementation.
}

// NewChainBuilder creates a new chain builder instance.
//
// Parameters:
// - config: the chain configuration.
//
// Returns:
// - *ChainBuilder: a new ChainBuilder instance.
func NewChainBuilder(config *types.ChainConfig) *ChainBuilder {
	return &ChainBuilder{
		config: config,
	}
}

// WithWalletDeriver sets wallet deriver implementation.
//
// Parameters:
// - deriver: the wallet deriver implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithWalletDeriver(deriver types.WalletDeriver) *ChainBuilder {
	b.deriver = deriver
	return b
}

// WithDepositScanner sets deposit scanner implementation.
//
// Parameters:
// - scanner: the deposit scanner implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithDepositScanner(scanner types.DepositScanner) *ChainBuilder {
	b.scanner = scanner
	return b
}

// WithTransactionBroadcaster sets transaction broadcaster implementation.
//
// Parameters:
// - broadcaster: the transaction broadcaster implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithTransactionBroadcaster(broadcaster types.TransactionBroadcaster) *ChainBuilder {
	b.broadcaster = broadcaster
	return b
}

// WithBalanceProvider sets balance provider implementation.
//
// Parameters:
// - provider: the balance provider implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithBalanceProvider(provider types.BalanceProvider) *ChainBuilder {
	b.provider = provider
	return b
}

// WithChainInfo sets chain info implementation.
//
// Parameters:
// - info: the chain info implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithChainInfo(info types.ChainInfo) *ChainBuilder {
	b.info = info
	return b
}

// Build creates a new chain instance with configured implementations.
//
// Returns:
// - types.Chain: a new Chain instance with the configured implementations.
func (b *ChainBuilder) Build() types.Chain {
	return NewChain(b.config, b.deriver, b.scanner, b.broadcaster, b.provider, b.info)
}
