package bitcoin

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/chainmanager"
	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/connectionmonitor"
)

const (
	// defaultMinConfirmations is the confirmation depth required on Bitcoin
	// when the configuration does not override it. Bitcoin needs materially
	// more depth than EVM chains for equivalent finality.
	defaultMinConfirmations = 2
	// blockTime is the estimated Bitcoin block interval.
	blockTime = 10 * time.Minute
	// feeRateSatPerVByte is the fee rate used when building sweep
	// transactions.
	feeRateSatPerVByte = 10
	// dustLimit is the minimum change output value in satoshis.
	dustLimit = 546
)

// bitcoin represents the Bitcoin chain implementation backed by a Bitcoin
// Core RPC endpoint. Deposit observation and spend funding use UTXO-set
// scans, so runtime-derived addresses need no wallet import.
type bitcoin struct {
	config *types.ChainConfig // Chain configuration.
	logger *logrus.Logger     // Logger for logging events.
	params *chaincfg.Params   // Network parameters.

	// Protected fields with their own mutexes.
	clientMutex sync.RWMutex      // Mutex for client.
	client      *rpcclient.Client // Bitcoin Core RPC client.

	scanMutex sync.Mutex // Serializes scantxoutset calls; bitcoind runs one scan at a time.

	monitorMutex sync.RWMutex                        // Mutex for connection monitor.
	monitor      connectionmonitor.ConnectionMonitor // Connection monitor.
}

// NewBitcoinChain creates a new Bitcoin chain implementation.
//
// Parameters:
// - ctx: the context for managing the request.
// - config: the chain configuration.
// - logger: the logger for logging events.
//
// Returns:
// - types.Chain: a new Bitcoin chain instance.
// - error: an error if any issue occurs during creation.
func NewBitcoinChain(ctx context.Context, config *types.ChainConfig, logger *logrus.Logger) (types.Chain, error) {
	params, err := networkParams(config.Network)
	if err != nil {
		return nil, err
	}

	client, err := newRPCClient(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	chain := &bitcoin{
		config: config,
		logger: logger,
		params: params,
		client: client,
	}

	if err := chain.initMonitor(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to init connection monitor")
	}

	builder := chainmanager.NewChainBuilder(config)
	builder.WithWalletDeriver(chain)
	builder.WithDepositScanner(chain)
	builder.WithTransactionBroadcaster(chain)
	builder.WithBalanceProvider(chain)
	builder.WithChainInfo(chain)

	return builder.Build(), nil
}

// newRPCClient creates a Bitcoin Core RPC client in HTTP POST mode.
func newRPCClient(config *types.ChainConfig) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         config.RpcUrl,
		User:         config.RpcUser,
		Pass:         config.RpcPassword,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
}

// networkParams maps a configured network name to chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.Errorf("unknown bitcoin network %q", network)
	}
}

// Close should be called when the chain is no longer needed.
// It stops the connection monitor and shuts down the client.
func (b *bitcoin) Close() {
	b.monitorMutex.Lock()
	if b.monitor != nil {
		b.monitor.Stop()
	}
	b.monitorMutex.Unlock()

	b.clientMutex.Lock()
	if b.client != nil {
		b.client.Shutdown()
		b.client = nil
	}
	b.clientMutex.Unlock()
}

// MinConfirmations returns the confirmation depth required before a Bitcoin
// deposit is considered final.
func (b *bitcoin) MinConfirmations() uint64 {
	if b.config.MinConfirmations > 0 {
		return b.config.MinConfirmations
	}
	return defaultMinConfirmations
}

// BlockTime returns the estimated Bitcoin block interval.
func (b *bitcoin) BlockTime() time.Duration {
	return blockTime
}
