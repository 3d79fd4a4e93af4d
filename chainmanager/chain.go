package chainmanager

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// Chain implements types.Chain interface with thread-safe access to
// dependencies. Each dependency is protected by a read-write mutex so chain
// implementations can be swapped under a live registry, e.g. after an RPC
// endpoint rotation.
type Chain struct {
	config      *types.ChainConfig           // Chain configuration.
	deriver     types.WalletDeriver          // Wallet deriver implementation.
	scanner     types.DepositScanner         // Deposit scanner implementation.
	broadcaster types.TransactionBroadcaster // Transaction broadcaster implementation.
	provider    types.BalanceProvider        // Balance provider implementation.
	info        types.ChainInfo              // Chain info implementation.

	// Mutexes for thread-safe access to dependencies.
	deriverMutex     sync.RWMutex // Mutex for wallet deriver.
	scannerMutex     sync.RWMutex // Mutex for deposit scanner.
	broadcasterMutex sync.RWMutex // Mutex for transaction broadcaster.
	providerMutex    sync.RWMutex // Mutex for balance provider.
	infoMutex        sync.RWMutex // Mutex for chain info.
}

// NewChain creates a new Chain instance.
//
// Parameters:
// - config: the chain configuration.
// - deriver: the wallet deriver implementation.
// - scanner: the deposit scanner implementation.
// - broadcaster: the transaction broadcaster implementation.
// - provider: the balance provider implementation.
// - info: the chain info implementation.
//
// Returns:
// - *Chain: a new Chain instance.
func NewChain(
	config *types.ChainConfig,
	deriver types.WalletDeriver,
	scanner types.DepositScanner,
	broadcaster types.TransactionBroadcaster,
	provider types.BalanceProvider,
	info types.ChainInfo,
) *Chain {
	return &Chain{
		config:      config,
		deriver:     deriver,
		scanner:     scanner,
		broadcaster: broadcaster,
		provider:    provider,
		info:        info,
	}
}

// DeriveWallet derives a deposit wallet with thread-safe access.
// If the deriver is not implemented, it returns an error.
//
// Parameters:
// - masterKey: the enclave master key.
// - swapID: the swap the wallet belongs to.
// - role: which side of the swap the wallet holds.
// - salt: the per-swap secret salt.
//
// Returns:
// - *types.Wallet: the derived wallet.
// - error: an error if the deriver is not implemented or derivation fails.
func (c *Chain) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	c.deriverMutex.RLock()
	defer c.deriverMutex.RUnlock()

	if c.deriver == nil {
		return nil, commonerrors.ErrNotImplemented
	}
	return c.deriver.DeriveWallet(masterKey, swapID, role, salt)
}

// ValidateAddress validates an address with thread-safe access.
// An unimplemented deriver rejects every address.
func (c *Chain) ValidateAddress(address string) bool {
	c.deriverMutex.RLock()
	defer c.deriverMutex.RUnlock()

	if c.deriver == nil {
		return false
	}
	return c.deriver.ValidateAddress(address)
}

// CheckDeposit checks for a matching deposit with thread-safe access.
// If the scanner is not implemented, it returns an error.
//
// Parameters:
// - ctx: the context for managing the request.
// - address: the deposit address to inspect.
// - token: the asset expected at the address.
// - minAmount: the minimum acceptable deposit amount.
//
// Returns:
// - *types.DepositInfo: the most confirmed matching deposit, nil if absent.
// - error: an error if the scanner is not implemented or observation fails.
func (c *Chain) CheckDeposit(ctx context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	c.scannerMutex.RLock()
	defer c.scannerMutex.RUnlock()

	if c.scanner == nil {
		return nil, commonerrors.ErrNotImplemented
	}
	return c.scanner.CheckDeposit(ctx, address, token, minAmount)
}

// TxStatus returns a transaction's confirmation status with thread-safe
// access. If the scanner is not implemented, it returns an error.
func (c *Chain) TxStatus(ctx context.Context, txRef string) (types.TxStatus, error) {
	c.scannerMutex.RLock()
	defer c.scannerMutex.RUnlock()

	if c.scanner == nil {
		return types.TxStatus{State: types.TxStateUnknown}, commonerrors.ErrNotImplemented
	}
	return c.scanner.TxStatus(ctx, txRef)
}

// LatestHeight returns the chain tip height with thread-safe access.
func (c *Chain) LatestHeight(ctx context.Context) (uint64, error) {
	c.scannerMutex.RLock()
	defer c.scannerMutex.RUnlock()

	if c.scanner == nil {
		return 0, commonerrors.ErrNotImplemented
	}
	return c.scanner.LatestHeight(ctx)
}

// SendFunds signs and broadcasts a settlement transaction with thread-safe
// access. If the broadcaster is not implemented, it returns an error.
//
// Parameters:
// - ctx: the context for managing the request.
// - wallet: the transiently derived wallet holding the funds.
// - to: the destination address.
// - token: the asset to move.
// - amount: the amount in smallest units.
//
// Returns:
// - string: the transaction reference.
// - error: an error if the broadcaster is not implemented or the send fails.
func (c *Chain) SendFunds(ctx context.Context, wallet *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	c.broadcasterMutex.RLock()
	defer c.broadcasterMutex.RUnlock()

	if c.broadcaster == nil {
		return "", commonerrors.ErrNotImplemented
	}
	return c.broadcaster.SendFunds(ctx, wallet, to, token, amount)
}

// GetBalance returns the balance of an address with thread-safe access.
func (c *Chain) GetBalance(ctx context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	c.providerMutex.RLock()
	provider := c.provider
	c.providerMutex.RUnlock()

	if provider == nil {
		return nil, commonerrors.ErrNotImplemented
	}

	return provider.GetBalance(ctx, address, token)
}

// MinConfirmations returns the required confirmation depth for the chain.
// Falls back to the configured value when no info implementation is set.
func (c *Chain) MinConfirmations() uint64 {
	c.infoMutex.RLock()
	info := c.info
	c.infoMutex.RUnlock()

	if info == nil {
		return c.config.MinConfirmations
	}
	return info.MinConfirmations()
}

// BlockTime returns the estimated block interval for the chain.
func (c *Chain) BlockTime() time.Duration {
	c.infoMutex.RLock()
	info := c.info
	c.infoMutex.RUnlock()

	if info == nil {
		return time.Minute
	}
	return info.BlockTime()
}

// GetConfig returns chain configuration.
//
// Returns:
// - *types.ChainConfig: the chain configuration instance.
func (c *Chain) GetConfig() *types.ChainConfig {
	return c.config
}
