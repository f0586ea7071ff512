// Package config provides configuration loading for the deployer.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// Config holds all configuration for a deployment run.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Gas       GasConfig       `mapstructure:"gas"`
	Explorer  ExplorerConfig  `mapstructure:"explorer"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Report    ReportConfig    `mapstructure:"report"`
	Log       LogConfig       `mapstructure:"log"`
}

// NetworkConfig holds RPC and finality settings.
type NetworkConfig struct {
	Name                string        `mapstructure:"name" validate:"required"`
	RPCURL              string        `mapstructure:"rpc_url" validate:"required,url"`
	ChainID             uint64        `mapstructure:"chain_id" validate:"required"`
	Confirmations       uint64        `mapstructure:"confirmations" validate:"min=1"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout" validate:"required"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" validate:"required"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"required"`
	DialAttempts        uint          `mapstructure:"dial_attempts" validate:"min=1"`
	DialDelay           time.Duration `mapstructure:"dial_delay"`
}

// SignerConfig holds the deployer credential. Exactly one source is used:
// a raw hex key, an encrypted keystore file, or a well-known Anvil account.
type SignerConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	KeystorePath     string `mapstructure:"keystore_path" validate:"omitempty,file"`
	KeystorePassword string `mapstructure:"keystore_password"`
	// Keystore password lookup in the OS keyring when KeystorePassword is empty.
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`
	// AnvilAccount selects one of Anvil's deterministic dev keys; -1 disables.
	AnvilAccount int `mapstructure:"anvil_account" validate:"min=-1,max=9"`
}

// ArtifactsConfig points at the Hardhat build output.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// ContractsConfig holds externally deployed dependency addresses.
type ContractsConfig struct {
	EASAddress string `mapstructure:"eas_address" validate:"required,eth_addr"`
}

// GasConfig holds fixed per-step gas prices in wei. Zero on Wiring means
// the node's suggested price is used.
type GasConfig struct {
	MyNouns        uint64 `mapstructure:"my_nouns" validate:"required"`
	TokenizedNoun  uint64 `mapstructure:"tokenized_noun" validate:"required"`
	FractionalNoun uint64 `mapstructure:"fractional_noun" validate:"required"`
	Wiring         uint64 `mapstructure:"wiring"`
}

// ExplorerConfig holds Etherscan-compatible verification settings.
type ExplorerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	APIURL       string        `mapstructure:"api_url" validate:"required_if=Enabled true,omitempty,url"`
	BrowserURL   string        `mapstructure:"browser_url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key" validate:"required_if=Enabled true"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max" validate:"min=0"`

	Sourcify SourcifyConfig `mapstructure:"sourcify"`
}

// SourcifyConfig holds settings for the secondary Sourcify verifier. It is
// independent of the Etherscan toggle and needs no API key.
type SourcifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIURL  string `mapstructure:"api_url" validate:"required_if=Enabled true,omitempty,url"`
	RepoURL string `mapstructure:"repo_url" validate:"omitempty,url"`
}

// RecoveryConfig holds previously deployed addresses for the resume command.
type RecoveryConfig struct {
	MyNouns        string `mapstructure:"my_nouns" validate:"omitempty,eth_addr"`
	TokenizedNoun  string `mapstructure:"tokenized_noun" validate:"omitempty,eth_addr"`
	FractionalNoun string `mapstructure:"fractional_noun" validate:"omitempty,eth_addr"`
	// FromStore loads addresses from the latest journaled run on this chain.
	FromStore bool `mapstructure:"from_store"`
	// FromReport loads addresses from a previous YAML run report.
	FromReport string `mapstructure:"from_report" validate:"omitempty,file"`
}

// Addresses returns the explicitly configured recovery addresses keyed by
// step name. Empty entries are omitted.
func (c RecoveryConfig) Addresses() map[string]string {
	out := make(map[string]string, 3)
	if c.MyNouns != "" {
		out["my_nouns"] = c.MyNouns
	}
	if c.TokenizedNoun != "" {
		out["tokenized_noun"] = c.TokenizedNoun
	}
	if c.FractionalNoun != "" {
		out["fractional_noun"] = c.FractionalNoun
	}
	return out
}

// DatabaseConfig holds the optional run journal connection.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"`
	MaxConns        int           `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether a journal database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig holds the optional run lock connection.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Enabled reports whether a lock server is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// MetricsConfig holds Pushgateway settings.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	Job            string `mapstructure:"job"`
}

// ReportConfig holds the YAML run report destination.
type ReportConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads configuration from files and environment variables.
// configFile may be empty, in which case the default search paths are used.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nouns-deployer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nouns-deployer")
	}

	v.SetEnvPrefix("NOUNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings. Every key needs a
// default, even an empty one, or AutomaticEnv cannot override it through
// Unmarshal.
func setDefaults(v *viper.Viper) {
	// Base Sepolia
	v.SetDefault("network.name", "baseSepolia")
	v.SetDefault("network.rpc_url", "")
	v.SetDefault("network.chain_id", 84532)
	v.SetDefault("network.confirmations", 2)
	v.SetDefault("network.rpc_timeout", "10s")
	v.SetDefault("network.confirmation_timeout", "10m")
	v.SetDefault("network.poll_interval", "2s")
	v.SetDefault("network.dial_attempts", 5)
	v.SetDefault("network.dial_delay", "1s")

	v.SetDefault("signer.private_key", "")
	v.SetDefault("signer.keystore_path", "")
	v.SetDefault("signer.keystore_password", "")
	v.SetDefault("signer.keyring_service", "")
	v.SetDefault("signer.keyring_user", "")
	v.SetDefault("signer.anvil_account", -1)

	v.SetDefault("artifacts.dir", "./artifacts")

	v.SetDefault("contracts.eas_address", "0x4200000000000000000000000000000000000021")

	v.SetDefault("gas.my_nouns", uint64(30_000_000_000))
	v.SetDefault("gas.tokenized_noun", uint64(33_000_000_000))
	v.SetDefault("gas.fractional_noun", uint64(33_000_000_000))
	v.SetDefault("gas.wiring", uint64(0))

	v.SetDefault("explorer.enabled", true)
	v.SetDefault("explorer.api_url", "https://api-sepolia.basescan.org/api")
	v.SetDefault("explorer.browser_url", "https://sepolia.basescan.org")
	v.SetDefault("explorer.poll_interval", "5s")
	v.SetDefault("explorer.timeout", "3m")
	v.SetDefault("explorer.retry_max", 3)
	v.SetDefault("explorer.api_key", "")
	v.SetDefault("explorer.sourcify.enabled", true)
	v.SetDefault("explorer.sourcify.api_url", "https://sourcify.dev/server")
	v.SetDefault("explorer.sourcify.repo_url", "https://repo.sourcify.dev")

	v.SetDefault("recovery.my_nouns", "")
	v.SetDefault("recovery.tokenized_noun", "")
	v.SetDefault("recovery.fractional_noun", "")
	v.SetDefault("recovery.from_store", false)
	v.SetDefault("recovery.from_report", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30m")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "nouns-deployer")

	v.SetDefault("report.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that every setting a run depends on is present and well
// formed. Failures wrap ErrMissingConfig so callers can map them to the
// configuration exit code.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return deployerrors.NewConfigError(fe.Namespace(),
				fmt.Errorf("%w: failed %q check", deployerrors.ErrMissingConfig, fe.Tag()))
		}
		return deployerrors.NewConfigError("config", fmt.Errorf("%w: %v", deployerrors.ErrMissingConfig, err))
	}

	sources := 0
	if c.Signer.PrivateKey != "" {
		sources++
	}
	if c.Signer.KeystorePath != "" {
		sources++
	}
	if c.Signer.AnvilAccount >= 0 {
		sources++
	}
	if sources != 1 {
		return deployerrors.NewConfigError("signer",
			fmt.Errorf("%w: exactly one of private_key, keystore_path, anvil_account must be set (got %d)",
				deployerrors.ErrMissingConfig, sources))
	}

	if c.Signer.KeystorePath != "" && c.Signer.KeystorePassword == "" &&
		(c.Signer.KeyringService == "" || c.Signer.KeyringUser == "") {
		return deployerrors.NewConfigError("signer.keystore_password",
			fmt.Errorf("%w: keystore requires a password or keyring_service/keyring_user", deployerrors.ErrMissingConfig))
	}

	return nil
}
