package evm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/chainmanager"
	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/connectionmonitor"
)

const (
	// defaultMinConfirmations is the confirmation depth required on EVM
	// chains when the configuration does not override it.
	defaultMinConfirmations = 4
	// blockTime is the estimated EVM block interval.
	blockTime = 12 * time.Second
	// depositLookbackBlocks bounds how far back deposit scans search for
	// transfer logs.
	depositLookbackBlocks = 5000
	// tokenTransferGasLimit is the gas limit used for ERC20 transfers.
	tokenTransferGasLimit = 90000
	// nativeTransferGasLimit is the gas limit for plain value transfers.
	nativeTransferGasLimit = 21000
)

// evm represents the base EVM chain implementation.
type evm struct {
	config *types.ChainConfig // Chain configuration.
	logger *logrus.Logger     // Logger for logging events.

	// Protected fields with their own mutexes.
	clientMutex sync.RWMutex      // Mutex for client.
	client      *ethclient.Client // Ethereum client.

	monitorMutex sync.RWMutex                        // Mutex for connection monitor.
	monitor      connectionmonitor.ConnectionMonitor // Connection monitor.
}

// NewEvmChain creates a new EVM chain implementation.
//
// Parameters:
// - ctx: the context for managing the request.
// - config: the chain configuration.
// - logger: the logger for logging events.
//
// Returns:
// - types.Chain: a new EVM chain instance.
// - error: an error if any issue occurs during creation.
func NewEvmChain(ctx context.Context, config *types.ChainConfig, logger *logrus.Logger) (types.Chain, error) {
	client, err := ethclient.Dial(config.RpcUrl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	chain := &evm{
		config: config,
		logger: logger,
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

// Close should be called when the chain is no longer needed.
// It stops the connection monitor and closes the client.
func (e *evm) Close() {
	e.monitorMutex.Lock()
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.monitorMutex.Unlock()

	e.clientMutex.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.clientMutex.Unlock()
}

// GetClient returns the Ethereum client.
//
// Returns:
// - *ethclient.Client: the Ethereum client.
func (e *evm) GetClient() *ethclient.Client {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()
	return e.client
}

// MinConfirmations returns the confirmation depth required before an EVM
// deposit is considered final.
func (e *evm) MinConfirmations() uint64 {
	if e.config.MinConfirmations > 0 {
		return e.config.MinConfirmations
	}
	return defaultMinConfirmations
}

// BlockTime returns the estimated EVM block interval.
func (e *evm) BlockTime() time.Duration {
	return blockTime
}
