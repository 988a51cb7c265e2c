package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultdash/internal/crypto"
	"github.com/alanyoungcy/vaultdash/internal/metrics"
	"github.com/alanyoungcy/vaultdash/internal/server/handler"
	"github.com/alanyoungcy/vaultdash/internal/server/middleware"
	"github.com/alanyoungcy/vaultdash/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards mutating routes; empty disables key auth.
	APIKey string
	// Signer, when set, also accepts HMAC-signed mutating requests.
	Signer *crypto.HMACAuth
	// Limiter rate-limits mutating routes per client IP; may be nil.
	Limiter    middleware.Limiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers. A nil handler leaves its routes
// unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Vaults   *handler.VaultHandler
	Wallet   *handler.WalletHandler
	Actions  *handler.ActionHandler
	Tx       *handler.TxHandler
	Archives *handler.ArchiveHandler
}

// Server is the dashboard's HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// CORS, then request logging, then metrics. Mutating routes additionally pass
// rate limiting and auth.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, hub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // actions block until mined
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		var out http.Handler = h
		out = middleware.Auth(cfg.APIKey, cfg.Signer)(out)
		if cfg.Limiter != nil && cfg.RateLimit > 0 {
			out = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
		}
		return out
	}

	mux.Handle("GET /metrics", metrics.Handler())

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if h := handlers.Status; h != nil {
		mux.HandleFunc("GET /api/status", h.GetStatus)
	}
	if h := handlers.Vaults; h != nil {
		mux.HandleFunc("GET /api/snapshot", h.GetSnapshot)
		mux.HandleFunc("GET /api/vaults", h.ListVaults)
		mux.HandleFunc("GET /api/vaults/{kind}", h.GetVault)
		mux.HandleFunc("GET /api/portfolio", h.GetPortfolio)
		mux.HandleFunc("GET /api/preview", h.GetPreview)
	}
	if h := handlers.Wallet; h != nil {
		mux.HandleFunc("GET /api/wallet", h.GetWallet)
		mux.Handle("POST /api/wallet/connect", protect(h.Connect))
		mux.Handle("POST /api/wallet/disconnect", protect(h.Disconnect))
		mux.Handle("POST /api/wallet/accounts", protect(h.AccountsChanged))
		mux.Handle("POST /api/wallet/chain", protect(h.ChainChanged))
	}
	if h := handlers.Actions; h != nil {
		mux.Handle("POST /api/actions/approve", protect(h.Approve))
		mux.Handle("POST /api/actions/deposit", protect(h.Deposit))
		mux.Handle("POST /api/actions/withdraw", protect(h.Withdraw))
		mux.Handle("POST /api/actions/claim", protect(h.Claim))
	}
	if h := handlers.Tx; h != nil {
		mux.HandleFunc("GET /api/transactions", h.ListTransactions)
		mux.HandleFunc("GET /api/transactions/{id}", h.GetTransaction)
	}
	if h := handlers.Archives; h != nil {
		mux.HandleFunc("GET /api/archives", h.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", h.GetArchive)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = metrics.Middleware(mux)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
