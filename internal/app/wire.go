package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/vaultdash/internal/blob/s3"
	"github.com/alanyoungcy/vaultdash/internal/cache/redis"
	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/config"
	"github.com/alanyoungcy/vaultdash/internal/crypto"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/notify"
	"github.com/alanyoungcy/vaultdash/internal/server/handler"
	"github.com/alanyoungcy/vaultdash/internal/store/postgres"
	"github.com/alanyoungcy/vaultdash/internal/wallet"
)

// Dependencies bundles every infrastructure dependency the modes need. Any
// field may be nil when the backing service is disabled. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Registry *chain.Registry

	// Stores
	TxStore       domain.TxStore
	AuditStore    domain.AuditStore
	SnapshotStore domain.SnapshotStore

	// Caches
	SnapshotCache domain.SnapshotCache
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus
	RateLimiter   *redis.RateLimiter

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Wallet; nil without a configured key.
	Provider *wallet.KeyProvider

	Notifier *notify.Notifier
	Signer   *crypto.HMACAuth

	// Checks feeds /api/health, one entry per wired service.
	Checks map[string]handler.Checker
}

// needsChain reports whether the mode polls the contracts itself.
func needsChain(mode string) bool {
	return mode != "api"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Checker)}

	if needsChain(cfg.Mode) {
		reg, err := BuildRegistry(cfg)
		if err != nil {
			return fail("wire: deployments: %w", err)
		}
		deps.Registry = reg
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TxStore = postgres.NewTxStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.SnapshotStore = postgres.NewSnapshotStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SnapshotCache = redis.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}

		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Checks["s3"] = s3Client.Health
		// The archiver moves Postgres history, so it needs both backends.
		if deps.SnapshotStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				reader,
				deps.SnapshotStore,
				deps.AuditStore,
				logger,
			)
		}
	}

	// --- Wallet key (full mode only) ---
	if cfg.Mode == "full" && cfg.HasWalletKey() {
		rpcURL := cfg.Wallet.RPCURL
		if rpcURL == "" {
			rpcURL = cfg.Chain.RPCURL
		}
		provider, err := wallet.NewKeyProvider(ctx, rpcURL, crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wire: wallet: %w", err)
		}
		closers = append(closers, provider.Close)
		deps.Provider = provider
	}

	if cfg.Server.APIKey != "" && cfg.Server.APISecret != "" {
		deps.Signer = &crypto.HMACAuth{Key: cfg.Server.APIKey, Secret: cfg.Server.APISecret}
	}

	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	return deps, cleanup, nil
}

// BuildRegistry turns the configured deployments into a chain registry. Every
// address book must be complete.
func BuildRegistry(cfg *config.Config) (*chain.Registry, error) {
	var books []chain.AddressBook
	for _, id := range cfg.DeploymentIDs() {
		d := cfg.Deployments[strconv.FormatUint(id, 10)]
		book := chain.AddressBook{
			ChainID:     id,
			Wrapper:     common.HexToAddress(d.Wrapper),
			StableToken: common.HexToAddress(d.StableToken),
			CallVault:   common.HexToAddress(d.CallVault),
			PutVault:    common.HexToAddress(d.PutVault),
			CondorVault: common.HexToAddress(d.CondorVault),
		}
		if err := book.Validate(); err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("no deployments configured: %w", domain.ErrUnsupportedChain)
	}
	return chain.NewRegistry(books...), nil
}
