package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VAULTDASH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VAULTDASH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "VAULTDASH_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.ChainID, "VAULTDASH_CHAIN_ID")

	// ── Deployment for the active chain ──
	key := strconv.FormatUint(cfg.Chain.ChainID, 10)
	dep := cfg.Deployments[key]
	changed := setStr(&dep.Wrapper, "VAULTDASH_WRAPPER_ADDRESS")
	changed = setStr(&dep.StableToken, "VAULTDASH_STABLE_TOKEN_ADDRESS") || changed
	changed = setStr(&dep.CallVault, "VAULTDASH_CALL_VAULT_ADDRESS") || changed
	changed = setStr(&dep.PutVault, "VAULTDASH_PUT_VAULT_ADDRESS") || changed
	changed = setStr(&dep.CondorVault, "VAULTDASH_CONDOR_VAULT_ADDRESS") || changed
	if changed {
		if cfg.Deployments == nil {
			cfg.Deployments = make(map[string]DeploymentConfig)
		}
		cfg.Deployments[key] = dep
	}

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "VAULTDASH_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "VAULTDASH_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "VAULTDASH_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.RPCURL, "VAULTDASH_WALLET_RPC_URL")
	setStr(&cfg.Wallet.Address, "VAULTDASH_WALLET_ADDRESS")

	// ── Aggregator ──
	setDuration(&cfg.Aggregator.PollInterval, "VAULTDASH_AGGREGATOR_POLL_INTERVAL")
	setDuration(&cfg.Aggregator.CallTimeout, "VAULTDASH_AGGREGATOR_CALL_TIMEOUT")
	setDuration(&cfg.Aggregator.ConfirmTimeout, "VAULTDASH_AGGREGATOR_CONFIRM_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VAULTDASH_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VAULTDASH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "VAULTDASH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VAULTDASH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VAULTDASH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VAULTDASH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VAULTDASH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VAULTDASH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VAULTDASH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VAULTDASH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VAULTDASH_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.HistoryEvery, "VAULTDASH_POSTGRES_HISTORY_EVERY")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VAULTDASH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VAULTDASH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VAULTDASH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VAULTDASH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VAULTDASH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VAULTDASH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VAULTDASH_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.SnapshotTTL, "VAULTDASH_REDIS_SNAPSHOT_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VAULTDASH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VAULTDASH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VAULTDASH_S3_REGION")
	setStr(&cfg.S3.Bucket, "VAULTDASH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VAULTDASH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VAULTDASH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VAULTDASH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VAULTDASH_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "VAULTDASH_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "VAULTDASH_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "VAULTDASH_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VAULTDASH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VAULTDASH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULTDASH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VAULTDASH_SERVER_API_KEY")
	setStr(&cfg.Server.APISecret, "VAULTDASH_SERVER_API_SECRET")
	setInt(&cfg.Server.RateLimit, "VAULTDASH_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VAULTDASH_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VAULTDASH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VAULTDASH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VAULTDASH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VAULTDASH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VAULTDASH_MODE")
	setStr(&cfg.LogLevel, "VAULTDASH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) bool {
	if v := os.Getenv(key); v != "" {
		*dst = v
		return true
	}
	return false
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
