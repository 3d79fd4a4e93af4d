package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tee-otc/settle-lib/chainmanager"
	"github.com/tee-otc/settle-lib/chains"
	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/config"
	"github.com/tee-otc/settle-lib/engine"
	"github.com/tee-otc/settle-lib/mm"
	"github.com/tee-otc/settle-lib/quotes"
	"github.com/tee-otc/settle-lib/settlement"
	"github.com/tee-otc/settle-lib/store"
	"github.com/tee-otc/settle-lib/watcher"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "settled",
	Short: "Cross-chain swap settlement daemon",
	Long: `settled drives cross-chain swaps between Bitcoin and EVM chains:
it derives per-swap deposit addresses, watches both chains for deposits,
coordinates market makers over a websocket protocol, and settles or
refunds every swap it accepts.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	registry := chainmanager.NewChainRegistry(chains.NewChainFactory(), logger)
	watchers := make(map[types.ChainType]*watcher.Watcher)

	for _, chainConfig := range settings.ChainConfigs() {
		if err := registry.Add(ctx, chainConfig); err != nil {
			return errors.Wrapf(err, "failed to initialize chain %s", chainConfig.Name)
		}

		chain := registry.Get(chainConfig.ChainType)
		w := watcher.New(chainConfig.ChainType, chain, chainConfig.PollInterval, logger)
		if err := w.Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start watcher for %s", chainConfig.Name)
		}
		watchers[chainConfig.ChainType] = w

		logger.WithFields(logrus.Fields{
			"chain": chainConfig.Name,
			"type":  chainConfig.ChainType,
		}).Info("Chain initialized")
	}

	mmRegistry := mm.NewRegistry(logger).WithValidationTimeout(settings.QuoteValidationTimeout)
	orchestrator := settlement.New(
		registry,
		settings.MasterKey,
		settings.SettlementMaxAttempts,
		settings.SettlementRetryDelay,
		logger,
	).WithConfirmInterval(settings.SettlementConfirmInterval)
	ledger := quotes.NewLedger(db, settings.QuoteSweepInterval, logger)
	ledger.StartSweeper(ctx)

	eng := engine.New(
		engine.Config{
			MasterKey:                 settings.MasterKey,
			SwapTimeout:               settings.SwapTimeout,
			DepositToleranceBps:       settings.DepositToleranceBps,
			AllowUnvalidatedMMDeposit: settings.AllowUnvalidatedMMDeposit,
			SweepInterval:             settings.TimeoutSweepInterval,
		},
		db, ledger, registry, watchers, mmRegistry, orchestrator, logger,
	)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/mm", mm.NewServer(mmRegistry, apiKeyAuth(settings.MMAPIKeys), logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.WithField("addr", settings.ListenAddr).Info("Listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Error("HTTP server stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.WithField("signal", s.String()).Info("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	cancel()
	eng.Stop()
	ledger.Stop()
	for _, w := range watchers {
		w.Stop()
	}

	return nil
}

// apiKeyAuth authenticates market makers against the configured key map.
func apiKeyAuth(keys map[string]string) mm.Authenticator {
	return mm.AuthenticatorFunc(func(mmID uuid.UUID, apiKey string) bool {
		expected, ok := keys[mmID.String()]
		return ok && apiKey != "" && expected == apiKey
	})
}
