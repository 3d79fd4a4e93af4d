package types

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ChainConfig holds the configuration for a specific chain implementation.
//
// Fields:
// - Name: the name of the chain.
// - ChainType: the family of the chain (Bitcoin or EVM).
// - ChainID: the unique identifier for the chain (EVM chain id, 0 for Bitcoin).
// - RpcUrl: the URL for the chain's RPC endpoint.
// - RpcUser: the RPC user name (Bitcoin Core only).
// - RpcPassword: the RPC password (Bitcoin Core only).
// - Network: the network name (mainnet, testnet, regtest).
// - MinConfirmations: the confirmation depth required before a deposit counts.
// - PollInterval: the cadence at which the deposit watcher polls the chain.
type ChainConfig struct {
	Name             string
	ChainType        ChainType
	ChainID          uint64
	RpcUrl           string
	RpcUser          string
	RpcPassword      string
	Network          string
	MinConfirmations uint64
	PollInterval     time.Duration
}

// WalletDeriver derives deterministic per-swap wallets from secret salts.
type WalletDeriver interface {
	// DeriveWallet derives the wallet for a (swap, role, salt) triple.
	// The derivation is pure: the same inputs always produce the same
	// wallet, and the swap id is mixed into the derivation so identical
	// salts on different swaps yield different keys.
	//
	// Parameters:
	// - masterKey: the enclave master key.
	// - swapID: the swap the wallet belongs to.
	// - role: which side of the swap the wallet holds.
	// - salt: the per-swap secret salt.
	//
	// Returns:
	// - *Wallet: the derived wallet with its transient signing key.
	// - error: an error if the derivation fails.
	DeriveWallet(masterKey []byte, swapID uuid.UUID, role DepositRole, salt []byte) (*Wallet, error)

	// ValidateAddress reports whether the address is valid for the chain.
	ValidateAddress(address string) bool
}

// DepositScanner observes chain state for deposits and confirmations.
type DepositScanner interface {
	// CheckDeposit looks for a deposit of at least minAmount to the address.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - address: the deposit address to inspect.
	// - token: the asset expected at the address.
	// - minAmount: the minimum acceptable deposit amount.
	//
	// Returns:
	// - *DepositInfo: the most confirmed matching deposit, nil if absent.
	// - error: an error if chain state could not be observed. An error never
	//   means "absent"; callers must treat it as unknown.
	CheckDeposit(ctx context.Context, address string, token TokenIdentifier, minAmount *big.Int) (*DepositInfo, error)

	// TxStatus returns the confirmation status of a transaction.
	// A transaction that has dropped out of the canonical chain reports
	// TxStateNotFound; an observation failure reports an error, never a
	// fabricated status.
	TxStatus(ctx context.Context, txRef string) (TxStatus, error)

	// LatestHeight returns the current chain tip height.
	LatestHeight(ctx context.Context) (uint64, error)
}

// TransactionBroadcaster signs and broadcasts settlement transactions.
type TransactionBroadcaster interface {
	// SendFunds moves amount of token from the wallet to the destination
	// address and returns the broadcast transaction reference.
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
	// - error: an error if signing or broadcast fails.
	SendFunds(ctx context.Context, wallet *Wallet, to string, token TokenIdentifier, amount *big.Int) (string, error)
}

// BalanceProvider provides balance lookup functionality.
type BalanceProvider interface {
	// GetBalance returns the balance of token held by the address.
	GetBalance(ctx context.Context, address string, token TokenIdentifier) (*big.Int, error)
}

// ChainInfo exposes static chain parameters.
type ChainInfo interface {
	// MinConfirmations returns the confirmation depth required before a
	// deposit on this chain is considered final.
	MinConfirmations() uint64

	// BlockTime returns the estimated block interval.
	BlockTime() time.Duration
}

// Chain combines all chain-specific functionality.
type Chain interface {
	WalletDeriver
	DepositScanner
	TransactionBroadcaster
	BalanceProvider
	ChainInfo
}

// ChainRegistry manages the chains known to the engine.
type ChainRegistry interface {
	// Add creates and registers a chain from its configuration.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - config: the configuration for the chain to add.
	//
	// Returns:
	// - error: an error if adding the chain fails.
	Add(ctx context.Context, config *ChainConfig) error

	// Get retrieves a chain from the registry by its chain type.
	//
	// Parameters:
	// - chainType: the chain family to retrieve.
	//
	// Returns:
	// - Chain: the retrieved chain instance, nil if not registered.
	Get(chainType ChainType) Chain

	// Remove removes a chain from the registry by its chain type.
	Remove(chainType ChainType)
}
