package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/vaultdash/internal/blob/s3"
	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/pipeline"
	"github.com/alanyoungcy/vaultdash/internal/server"
	"github.com/alanyoungcy/vaultdash/internal/server/handler"
	"github.com/alanyoungcy/vaultdash/internal/server/ws"
	"github.com/alanyoungcy/vaultdash/internal/vault"
	"github.com/alanyoungcy/vaultdash/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

// MonitorMode polls the contracts and serves the read model. The wallet
// session is watch-only and no mutating route is registered.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runNode(ctx, deps, false)
}

// FullMode adds the signing wallet, the vault actions and the archive job to
// monitor mode.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runNode(ctx, deps, true)
}

// APIMode serves the snapshot from the Redis cache and relays live events
// from the Redis bus. It never touches the chain, so any number of replicas
// can run behind one polling node.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	if deps.SnapshotCache == nil || deps.SignalBus == nil {
		return fmt.Errorf("api mode: redis is required")
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(ws.Config{
		Bus:            deps.SignalBus,
		Current:        deps.SnapshotCache.Get,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	source := handler.SnapshotFunc(deps.SnapshotCache.Get)
	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Status: a.statusHandler(source, hub),
		Vaults: handler.NewVaultHandler(source, nil, a.logger),
	}, hub)

	return g.Wait()
}

// runNode is the polling node shared by monitor and full mode.
func (a *App) runNode(ctx context.Context, deps *Dependencies, withActions bool) error {
	reader, err := chain.DialReader(ctx, a.cfg.Chain.RPCURL, deps.Registry, a.cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("%s mode: %w", a.cfg.Mode, err)
	}
	a.closers = append(a.closers, reader.Close)

	g, ctx := errgroup.WithContext(ctx)

	agg := vault.New(reader, vault.Options{
		PollInterval: a.cfg.Aggregator.PollInterval.Duration,
		CallTimeout:  a.cfg.Aggregator.CallTimeout.Duration,
	}, a.logger)

	var provider wallet.Provider
	if withActions && deps.Provider != nil {
		provider = deps.Provider
	}
	session := wallet.NewSession(provider, deps.Registry, a.cfg.Chain.ChainID, a.logger)
	session.Track(agg)

	current := func(context.Context) (domain.Snapshot, error) { return agg.Snapshot(), nil }
	hub := ws.NewHub(ws.Config{
		Bus:            deps.SignalBus,
		Current:        current,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	pub := publisherFor(deps, hub)

	// Snapshot fan-out: cache, bus and history.
	snaps, unsubscribe := agg.Subscribe(16)
	defer unsubscribe()
	recorder := pipeline.NewRecorder(pipeline.RecorderConfig{
		Cache:        deps.SnapshotCache,
		Bus:          pub,
		Store:        deps.SnapshotStore,
		HistoryEvery: a.cfg.Postgres.HistoryEvery.Duration,
	}, a.logger)
	var archiver *pipeline.Archiver
	if withActions && a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}
	orch := pipeline.NewOrchestrator(recorder, snaps, archiver, a.cfg.Archive.Cron, a.logger)

	events, stopEvents := session.Subscribe(16)
	defer stopEvents()

	g.Go(func() error { return agg.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return relayWallet(ctx, events, pub, a.logger) })

	if err := a.connectConfigured(ctx, session, provider != nil); err != nil {
		a.logger.WarnContext(ctx, "startup wallet connect failed", slog.String("error", err.Error()))
	}

	source := handler.SnapshotFunc(current)
	handlers := server.Handlers{
		Status: a.statusHandler(source, hub),
		Vaults: handler.NewVaultHandler(source, func(ctx context.Context, kind domain.VaultKind, amount string) (domain.ContractsQuote, error) {
			return vault.Preview(ctx, agg, kind, amount)
		}, a.logger),
		Wallet: handler.NewWalletHandler(session, a.logger),
	}
	if withActions {
		actions := vault.NewActions(agg, vault.ActionDeps{
			Wallet:   session,
			Txs:      deps.TxStore,
			Audit:    deps.AuditStore,
			Locks:    deps.LockManager,
			Bus:      pub,
			Notifier: notifierOrNil(deps),
		}, vault.ActionOptions{
			ConfirmTimeout: a.cfg.Aggregator.ConfirmTimeout.Duration,
		}, a.logger)
		handlers.Actions = handler.NewActionHandler(actions, a.logger)
	}
	a.startHTTPServer(ctx, g, deps, handlers, hub)

	return g.Wait()
}

// connectConfigured attaches the session to wallet.address, or to the key's
// own account when only a key is configured.
func (a *App) connectConfigured(ctx context.Context, session *wallet.Session, hasProvider bool) error {
	addr := a.cfg.Wallet.Address
	if addr == "" && !hasProvider {
		return nil
	}
	st, err := session.Connect(ctx, addr)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "wallet connected",
		slog.String("address", st.Address),
		slog.Bool("can_sign", st.CanSign),
	)
	return nil
}

func (a *App) statusHandler(source handler.SnapshotSource, hub *ws.Hub) *handler.StatusHandler {
	return &handler.StatusHandler{
		Mode:      a.cfg.Mode,
		ChainID:   a.cfg.Chain.ChainID,
		StartedAt: time.Now().UTC(),
		Snapshots: source,
		Clients:   hub.ClientCount,
	}
}

// startHTTPServer fills in the store-backed handlers and runs the server in g
// until ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers, hub *ws.Hub) {
	if !a.cfg.Server.Enabled && a.cfg.Mode != "api" {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	handlers.Health = handler.NewHealthHandler(deps.Checks, a.logger)
	if deps.TxStore != nil {
		handlers.Tx = handler.NewTxHandler(deps.TxStore, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, s3blob.ArchivePrefix, a.logger)
	}

	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Signer:      deps.Signer,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}
	if deps.RateLimiter != nil {
		cfg.Limiter = deps.RateLimiter
	}
	if cfg.APIKey == "" && handlers.Actions != nil {
		a.logger.WarnContext(ctx, "mutating routes are unauthenticated; set server.api_key")
	}
	srv := server.NewServer(cfg, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// relayWallet republishes every session event on the wallet channel. The
// aggregator follows the session through Session.Track, not through this
// stream, so a slow bus can only delay or drop the broadcast. It returns when
// ctx is done or the event stream closes.
func relayWallet(ctx context.Context, events <-chan wallet.Event, pub domain.Publisher, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if pub == nil {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := pub.Publish(ctx, domain.ChannelWallet, payload); err != nil {
				logger.Warn("wallet event publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

// publisherFor picks where live events go: the Redis bus when configured,
// which the hub relays, otherwise straight into the hub.
func publisherFor(deps *Dependencies, hub *ws.Hub) domain.Publisher {
	if deps.SignalBus != nil {
		return deps.SignalBus
	}
	return hub
}

func notifierOrNil(deps *Dependencies) vault.Notifier {
	if deps.Notifier == nil {
		return nil
	}
	return deps.Notifier
}
