// Package config defines the top-level configuration for the vault dashboard
// and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VAULTDASH_* environment variables.
type Config struct {
	Chain       ChainConfig                 `toml:"chain"`
	Deployments map[string]DeploymentConfig `toml:"deployments"`
	Wallet      WalletConfig                `toml:"wallet"`
	Aggregator  AggregatorConfig            `toml:"aggregator"`
	Postgres    PostgresConfig              `toml:"postgres"`
	Redis       RedisConfig                 `toml:"redis"`
	S3          S3Config                    `toml:"s3"`
	Archive     ArchiveConfig               `toml:"archive"`
	Server      ServerConfig                `toml:"server"`
	Notify      NotifyConfig                `toml:"notify"`
	Mode        string                      `toml:"mode"`
	LogLevel    string                      `toml:"log_level"`
}

// ChainConfig selects the network the read path polls.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID uint64 `toml:"chain_id"`
}

// DeploymentConfig is the address book of one chain. Deployments are keyed by
// the decimal chain ID.
type DeploymentConfig struct {
	Wrapper     string `toml:"wrapper"`
	StableToken string `toml:"stable_token"`
	CallVault   string `toml:"call_vault"`
	PutVault    string `toml:"put_vault"`
	CondorVault string `toml:"condor_vault"`
}

// WalletConfig holds the signing key and the RPC used to submit transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	RPCURL           string `toml:"rpc_url"`
	// Address is connected at startup. With no key configured the session
	// is watch-only.
	Address string `toml:"address"`
}

// AggregatorConfig tunes the polling loop.
type AggregatorConfig struct {
	PollInterval   duration `toml:"poll_interval"`
	CallTimeout    duration `toml:"call_timeout"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// HistoryEvery thins the snapshot history table; zero keeps every
	// applied snapshot.
	HistoryEvery duration `toml:"history_every"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the move of old snapshot history to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards mutating routes. Requests carry it in X-API-Key, or sign
	// with APISecret using the HMAC headers.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	// RateLimit caps mutating requests per client IP per RateWindow. It
	// needs Redis; zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Base mainnet sUSDS, the stable token the wrapper accepts.
const baseStableToken = "0x5875eEE11Cf8398102FdAd704C9E96607675467a"

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "https://mainnet.base.org",
			ChainID: 8453,
		},
		Deployments: map[string]DeploymentConfig{
			"8453": {StableToken: baseStableToken},
		},
		Aggregator: AggregatorConfig{
			PollInterval:   duration{60 * time.Second},
			CallTimeout:    duration{10 * time.Second},
			ConfirmTimeout: duration{3 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vaultdash",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			HistoryEvery:  duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			SnapshotTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vaultdash-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"tx_confirmed", "tx_failed"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"full":    true,
	"api":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// HasWalletKey reports whether a signing key source is configured.
func (c *Config) HasWalletKey() bool {
	return c.Wallet.PrivateKey != "" || c.Wallet.EncryptedKeyPath != ""
}

// DeploymentIDs returns the configured chain IDs in ascending order. Keys that
// are not decimal integers are skipped; Validate reports them.
func (c *Config) DeploymentIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Deployments))
	for k := range c.Deployments {
		if id, err := strconv.ParseUint(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, full, api)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain and deployments are needed by every mode that touches the chain.
	if mode != "api" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if c.Chain.ChainID == 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		key := strconv.FormatUint(c.Chain.ChainID, 10)
		if _, ok := c.Deployments[key]; !ok {
			errs = append(errs, fmt.Sprintf("deployments: no address book for chain_id %s", key))
		}
		keys := make([]string, 0, len(c.Deployments))
		for k := range c.Deployments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			errs = append(errs, c.Deployments[k].problems(k)...)
		}
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.Address != "" && !common.IsHexAddress(c.Wallet.Address) {
		errs = append(errs, fmt.Sprintf("wallet: address %q is not a hex address", c.Wallet.Address))
	}
	if mode == "full" && !c.HasWalletKey() && c.Wallet.Address == "" {
		errs = append(errs, "wallet: full mode needs private_key, encrypted_key_path or a watch-only address")
	}

	// Aggregator
	if c.Aggregator.PollInterval.Duration <= 0 {
		errs = append(errs, "aggregator: poll_interval must be > 0")
	}
	if c.Aggregator.CallTimeout.Duration <= 0 {
		errs = append(errs, "aggregator: call_timeout must be > 0")
	}
	if c.Aggregator.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "aggregator: confirm_timeout must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis; api mode serves entirely from it.
	if c.Redis.Enabled || mode == "api" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if mode == "api" && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for mode api")
	}

	// S3 and the archive job
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.Postgres.Enabled || !c.S3.Enabled {
			errs = append(errs, "archive: requires postgres and s3 to be enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled || mode == "api" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (d DeploymentConfig) problems(key string) []string {
	var errs []string
	if _, err := strconv.ParseUint(key, 10, 64); err != nil {
		return []string{fmt.Sprintf("deployments: key %q is not a chain id", key)}
	}
	fields := []struct{ name, value string }{
		{"wrapper", d.Wrapper},
		{"stable_token", d.StableToken},
		{"call_vault", d.CallVault},
		{"put_vault", d.PutVault},
		{"condor_vault", d.CondorVault},
	}
	for _, f := range fields {
		if !common.IsHexAddress(f.value) || common.HexToAddress(f.value) == (common.Address{}) {
			errs = append(errs, fmt.Sprintf("deployments.%s: %s must be a non-zero hex address", key, f.name))
		}
	}
	return errs
}
