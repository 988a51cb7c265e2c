package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/vault"
)

// PreviewFunc quotes a deposit without a wallet.
type PreviewFunc func(ctx context.Context, kind domain.VaultKind, amount string) (domain.ContractsQuote, error)

// VaultHandler serves the read model: the snapshot, per-vault records, the
// portfolio valuation and deposit previews.
type VaultHandler struct {
	snapshots SnapshotSource
	preview   PreviewFunc
	logger    *slog.Logger
}

// NewVaultHandler creates a VaultHandler. preview may be nil when the process
// has no chain access.
func NewVaultHandler(snapshots SnapshotSource, preview PreviewFunc, logger *slog.Logger) *VaultHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VaultHandler{
		snapshots: snapshots,
		preview:   preview,
		logger:    logger.With(slog.String("handler", "vault")),
	}
}

func (h *VaultHandler) current(w http.ResponseWriter, r *http.Request) (domain.Snapshot, bool) {
	snap, err := h.snapshots.Current(r.Context())
	if err != nil {
		h.logger.Warn("snapshot unavailable", slog.String("error", err.Error()))
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
			return snap, false
		}
		writeDomainError(w, err)
		return snap, false
	}
	return snap, true
}

// GetSnapshot returns the whole read model.
// GET /api/snapshot
func (h *VaultHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListVaults returns the three vault records in display order. A vault that
// has not loaded yet is null.
// GET /api/vaults
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	out := make([]*domain.VaultRecord, 0, len(domain.AllVaults))
	for _, kind := range domain.AllVaults {
		out = append(out, snap.Vault(kind))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":              snap.Seq,
		"vaults":           out,
		"totalValueLocked": snap.TotalValueLocked,
	})
}

// GetVault returns one vault record.
// GET /api/vaults/{kind}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseVaultKind(r.PathValue("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	rec := snap.Vault(kind)
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "vault not loaded")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetPortfolio values the connected account's shares.
// GET /api/portfolio
func (h *VaultHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	if !snap.Connected {
		writeDomainError(w, domain.ErrWalletNotConnected)
		return
	}
	writeJSON(w, http.StatusOK, vault.BuildPortfolio(snap))
}

// GetPreview quotes a deposit.
// GET /api/preview?kind=call&amount=100
func (h *VaultHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	if h.preview == nil {
		writeError(w, http.StatusServiceUnavailable, "preview requires chain access")
		return
	}
	q := r.URL.Query()
	kind, err := domain.ParseVaultKind(q.Get("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	quote, err := h.preview(r.Context(), kind, q.Get("amount"))
	if err != nil {
		h.logger.Warn("preview failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}
