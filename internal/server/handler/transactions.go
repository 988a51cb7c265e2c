package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// TxHandler serves the persisted action history.
type TxHandler struct {
	txs    domain.TxStore
	logger *slog.Logger
}

// NewTxHandler creates a TxHandler.
func NewTxHandler(txs domain.TxStore, logger *slog.Logger) *TxHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxHandler{txs: txs, logger: logger.With(slog.String("handler", "transactions"))}
}

type txView struct {
	ID        string          `json:"id"`
	Action    domain.Action   `json:"action"`
	Address   string          `json:"address"`
	ChainID   uint64          `json:"chainId"`
	Params    map[string]any  `json:"params,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	Status    domain.TxStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

func newTxView(rec domain.TxRecord) txView {
	return txView{
		ID:        rec.ID,
		Action:    rec.Action,
		Address:   rec.Address,
		ChainID:   rec.ChainID,
		Params:    rec.Params,
		Hash:      rec.Hash,
		Status:    rec.Status,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ListTransactions returns an address's actions, newest first.
// GET /api/transactions?address=0x...&limit=&offset=
func (h *TxHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "a valid address is required")
		return
	}
	recs, err := h.txs.ListByAddress(r.Context(), address, parseListOpts(r))
	if err != nil {
		h.logger.Error("list transactions", slog.String("address", address), slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	out := make([]txView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newTxView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTransaction returns one action by id.
// GET /api/transactions/{id}
func (h *TxHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.txs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTxView(rec))
}
