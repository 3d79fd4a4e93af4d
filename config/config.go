// Package config loads the settlement daemon's configuration from file and
// environment. Everything operational is externally supplied: chain
// endpoints, confirmation thresholds, tolerances, timeouts, and database
// parameters. The enclave master key is accepted only through the
// environment and never written back out.
package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// envPrefix namespaces environment overrides, e.g. SETTLE_DATABASE_URL.
const envPrefix = "SETTLE"

// masterKeyEnv is the only accepted source of the enclave master key.
const masterKeyEnv = "SETTLE_MASTER_KEY"

// ChainSettings configures one chain adapter and its watcher.
type ChainSettings struct {
	Name             string        `mapstructure:"name"`
	Type             string        `mapstructure:"type"`
	ChainID          uint64        `mapstructure:"chain_id"`
	RpcUrl           string        `mapstructure:"rpc_url"`
	RpcUser          string        `mapstructure:"rpc_user"`
	RpcPassword      string        `mapstructure:"rpc_password"`
	Network          string        `mapstructure:"network"`
	MinConfirmations uint64        `mapstructure:"min_confirmations"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// Settings is the full configuration surface of the daemon.
type Settings struct {
	DatabaseURL string `mapstructure:"database_url"`
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`

	SwapTimeout               time.Duration `mapstructure:"swap_timeout"`
	DepositToleranceBps       uint64        `mapstructure:"deposit_tolerance_bps"`
	AllowUnvalidatedMMDeposit bool          `mapstructure:"allow_unvalidated_mm_deposit"`
	QuoteValidationTimeout    time.Duration `mapstructure:"quote_validation_timeout"`

	SettlementMaxAttempts     int           `mapstructure:"settlement_max_attempts"`
	SettlementRetryDelay      time.Duration `mapstructure:"settlement_retry_delay"`
	SettlementConfirmInterval time.Duration `mapstructure:"settlement_confirm_interval"`

	QuoteSweepInterval   time.Duration `mapstructure:"quote_sweep_interval"`
	TimeoutSweepInterval time.Duration `mapstructure:"timeout_sweep_interval"`

	Chains []ChainSettings `mapstructure:"chains"`

	// MMAPIKeys maps market maker ids to their api keys.
	MMAPIKeys map[string]string `mapstructure:"mm_api_keys"`

	// MasterKey is populated from the environment, never from file.
	MasterKey []byte `mapstructure:"-"`
}

// Load reads configuration from the given file path (optional) plus
// environment variables and validates it.
//
// Parameters:
// - path: the config file path, empty to rely on environment only.
//
// Returns:
// - *Settings: the loaded configuration.
// - error: ErrInvalidConfig wrapped with the specific problem.
func Load(path string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("swap_timeout", time.Hour)
	v.SetDefault("deposit_tolerance_bps", 0)
	v.SetDefault("allow_unvalidated_mm_deposit", true)
	v.SetDefault("quote_validation_timeout", 5*time.Second)
	v.SetDefault("settlement_max_attempts", 3)
	v.SetDefault("settlement_retry_delay", 15*time.Second)
	v.SetDefault("settlement_confirm_interval", 15*time.Second)
	v.SetDefault("quote_sweep_interval", time.Minute)
	v.SetDefault("timeout_sweep_interval", 30*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(commonerrors.ErrInvalidConfig, err.Error())
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, errors.Wrap(commonerrors.ErrInvalidConfig, err.Error())
	}

	keyHex := v.GetString("master_key")
	if keyHex == "" {
		return nil, errors.Wrapf(commonerrors.ErrInvalidConfig, "%s is not set", masterKeyEnv)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrapf(commonerrors.ErrInvalidConfig, "%s is not valid hex", masterKeyEnv)
	}
	if len(key) < 32 {
		return nil, errors.Wrapf(commonerrors.ErrInvalidConfig, "%s must be at least 32 bytes", masterKeyEnv)
	}
	settings.MasterKey = key

	if err := settings.validate(); err != nil {
		return nil, err
	}

	return &settings, nil
}

// validate rejects configurations the daemon could not run with.
func (s *Settings) validate() error {
	if s.DatabaseURL == "" {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "database_url is required")
	}
	if len(s.Chains) == 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "at least one chain must be configured")
	}

	for i := range s.Chains {
		chain := &s.Chains[i]
		if types.ParseChainType(chain.Type) == types.UNKNOWN {
			return errors.Wrapf(commonerrors.ErrInvalidChainType, "chain %q has unknown type %q", chain.Name, chain.Type)
		}
		if chain.RpcUrl == "" {
			return errors.Wrapf(commonerrors.ErrInvalidConfig, "chain %q has no rpc_url", chain.Name)
		}
	}

	if s.DepositToleranceBps >= 10000 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "deposit_tolerance_bps must be below 10000")
	}

	return nil
}

// ChainConfigs converts the chain settings into adapter configurations.
func (s *Settings) ChainConfigs() []*types.ChainConfig {
	configs := make([]*types.ChainConfig, 0, len(s.Chains))
	for i := range s.Chains {
		chain := &s.Chains[i]
		configs = append(configs, &types.ChainConfig{
			Name:             chain.Name,
			ChainType:        types.ParseChainType(chain.Type),
			ChainID:          chain.ChainID,
			RpcUrl:           chain.RpcUrl,
			RpcUser:          chain.RpcUser,
			RpcPassword:      chain.RpcPassword,
			Network:          chain.Network,
			MinConfirmations: chain.MinConfirmations,
			PollInterval:     chain.PollInterval,
		})
	}

	return configs
}
