package bitcoin

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/connectionmonitor"
)

// bitcoinConnectionManager implements the BlockchainClient interface and manages the connection to Bitcoin Core.
type bitcoinConnectionManager struct {
	chain *bitcoin // Reference to the Bitcoin chain instance.
}

// initMonitor initializes the connection monitor for the Bitcoin chain.
//
// Parameters:
// - ctx: the context for managing the initialization process.
//
// Returns:
// - error: an error if there is an issue starting the connection monitor.
func (b *bitcoin) initMonitor(ctx context.Context) error {
	b.monitorMutex.Lock()
	defer b.monitorMutex.Unlock()

	connectionManager := &bitcoinConnectionManager{chain: b}
	b.monitor = connectionmonitor.NewConnectionMonitor(connectionManager, b.logger, b.config.Name)
	return b.monitor.Start(ctx)
}

// CheckConnection checks the connection to Bitcoin Core by retrieving the current block count.
//
// Parameters:
// - ctx: the context for managing the connection check.
//
// Returns:
// - error: an error if the client is not initialized or the node is unreachable.
func (w *bitcoinConnectionManager) CheckConnection(_ context.Context) error {
	w.chain.clientMutex.RLock()
	client := w.chain.client
	w.chain.clientMutex.RUnlock()

	if client == nil {
		return errors.New("client not initialized")
	}

	_, err := client.GetBlockCount()
	return err
}

// Reconnect re-establishes the connection to Bitcoin Core.
//
// Parameters:
// - ctx: the context for managing the reconnection process.
//
// Returns:
// - error: an error if there is an issue creating the new client.
func (w *bitcoinConnectionManager) Reconnect(_ context.Context) error {
	w.chain.clientMutex.Lock()
	defer w.chain.clientMutex.Unlock()

	if w.chain.client != nil {
		w.chain.client.Shutdown()
	}

	client, err := newRPCClient(w.chain.config)
	if err != nil {
		return err
	}

	w.chain.client = client
	return nil
}
