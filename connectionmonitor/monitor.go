// Package connectionmonitor keeps long-lived chain RPC connections alive.
// Deposit observation and settlement both depend on the node links staying
// healthy for the whole life of a swap, so each chain adapter runs one
// monitor that pings its client and rebuilds the connection when the ping
// fails.
package connectionmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// healthCheckInterval is the cadence of connection probes.
	healthCheckInterval = 30 * time.Second
	// reconnectDelay is the pause between failed reconnect attempts.
	reconnectDelay = 5 * time.Second
	// maxReconnectAttempts bounds one reconnect cycle; the next health
	// check starts a fresh cycle.
	maxReconnectAttempts = 3
)

// ConnectionMonitor supervises one chain client connection.
type ConnectionMonitor interface {
	// Start launches the monitoring loop.
	Start(ctx context.Context) error
	// Stop halts the monitoring loop.
	Stop()
}

// BlockchainClient is the health surface a monitored client must expose.
type BlockchainClient interface {
	// CheckConnection reports whether the connection is usable.
	CheckConnection(ctx context.Context) error
	// Reconnect rebuilds the connection.
	Reconnect(ctx context.Context) error
}

type connectionMonitor struct {
	client    BlockchainClient
	logger    *logrus.Logger
	chainName string

	stopChan chan struct{}
	running  bool
	mutex    sync.Mutex
}

// NewConnectionMonitor creates a monitor for one chain client.
//
// Parameters:
// - client: the client to supervise.
// - logger: the logger for logging events.
// - chainName: the chain name used in log fields.
//
// Returns:
// - ConnectionMonitor: the new monitor instance.
func NewConnectionMonitor(client BlockchainClient, logger *logrus.Logger, chainName string) ConnectionMonitor {
	return &connectionMonitor{
		client:    client,
		logger:    logger,
		chainName: chainName,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the monitoring loop.
//
// Parameters:
// - ctx: the context bounding the monitor's lifetime.
//
// Returns:
// - error: an error if the monitor is already running.
func (m *connectionMonitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return errors.Errorf("connection monitor already running for chain %s", m.chainName)
	}
	m.running = true

	go m.loop(ctx)
	return nil
}

// Stop halts the monitoring loop.
func (m *connectionMonitor) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return
	}

	close(m.stopChan)
	m.running = false
}

// loop probes the connection on a ticker until stopped.
func (m *connectionMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped due to context cancellation")
			return

		case <-m.stopChan:
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped")
			return

		case <-ticker.C:
			if err := m.ensureConnected(ctx); err != nil {
				m.logger.WithFields(logrus.Fields{
					"chain": m.chainName,
					"error": err,
				}).Error("Chain connection could not be restored")
			}
		}
	}
}

// ensureConnected probes the client and runs one bounded reconnect cycle
// when the probe fails.
func (m *connectionMonitor) ensureConnected(ctx context.Context) error {
	if err := m.client.CheckConnection(ctx); err == nil {
		return nil
	} else {
		m.logger.WithFields(logrus.Fields{
			"chain": m.chainName,
			"error": err,
		}).Warn("Connection check failed, attempting to reconnect")
	}

	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
			}
		}

		if err := m.client.Reconnect(ctx); err != nil {
			lastErr = err
			m.logger.WithFields(logrus.Fields{
				"chain":   m.chainName,
				"attempt": attempt,
				"error":   err,
			}).Error("Reconnection attempt failed")
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"chain":   m.chainName,
			"attempt": attempt,
		}).Info("Client successfully reconnected")
		return nil
	}

	return errors.Wrapf(lastErr, "failed to reconnect to chain %s", m.chainName)
}
