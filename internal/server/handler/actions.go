package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// VaultActions is the mutating surface of vault.Actions.
type VaultActions interface {
	Approve(ctx context.Context) (domain.TxResult, error)
	Deposit(ctx context.Context, kind domain.VaultKind, amount string) (domain.TxResult, error)
	Withdraw(ctx context.Context, kind domain.VaultKind, shares string) (domain.TxResult, error)
	WithdrawAssets(ctx context.Context, kind domain.VaultKind, assets string) (domain.TxResult, error)
	Claim(ctx context.Context, kind domain.VaultKind) (domain.TxResult, error)
}

// ActionHandler submits wrapper transactions for the connected account. Each
// call blocks until the transaction is mined.
type ActionHandler struct {
	actions VaultActions
	logger  *slog.Logger
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(actions VaultActions, logger *slog.Logger) *ActionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionHandler{actions: actions, logger: logger.With(slog.String("handler", "actions"))}
}

type actionResponse struct {
	Success bool             `json:"success"`
	Tx      *domain.TxResult `json:"tx,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type actionRequest struct {
	Kind   string `json:"kind"`
	Amount string `json:"amount"`
	Shares string `json:"shares"`
	Assets string `json:"assets"`
}

// Approve grants the wrapper an unlimited stable-token allowance.
// POST /api/actions/approve
func (h *ActionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	res, err := h.actions.Approve(r.Context())
	h.respond(w, "approve", res, err)
}

// Deposit deposits amount into a vault.
// POST /api/actions/deposit {kind, amount}
func (h *ActionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, kind, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.actions.Deposit(r.Context(), kind, req.Amount)
	h.respond(w, "deposit", res, err)
}

// Withdraw redeems shares, or the shares worth assets at the latest share
// price. Exactly one of the two must be set.
// POST /api/actions/withdraw {kind, shares | assets}
func (h *ActionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, kind, ok := h.decode(w, r)
	if !ok {
		return
	}
	var (
		res domain.TxResult
		err error
	)
	switch {
	case req.Shares != "" && req.Assets != "":
		err = errors.Join(domain.ErrInvalidAmount, errors.New("set shares or assets, not both"))
	case req.Assets != "":
		res, err = h.actions.WithdrawAssets(r.Context(), kind, req.Assets)
	default:
		res, err = h.actions.Withdraw(r.Context(), kind, req.Shares)
	}
	h.respond(w, "withdraw", res, err)
}

// Claim collects realised profits from a vault.
// POST /api/actions/claim {kind}
func (h *ActionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	_, kind, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.actions.Claim(r.Context(), kind)
	h.respond(w, "claim", res, err)
}

func (h *ActionHandler) decode(w http.ResponseWriter, r *http.Request) (actionRequest, domain.VaultKind, bool) {
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionResponse{Error: err.Error()})
		return req, "", false
	}
	kind, err := domain.ParseVaultKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, actionResponse{Error: err.Error()})
		return req, "", false
	}
	return req, kind, true
}

func (h *ActionHandler) respond(w http.ResponseWriter, action string, res domain.TxResult, err error) {
	if err != nil {
		h.logger.Warn("action failed", slog.String("action", action), slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), actionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Tx: &res})
}
