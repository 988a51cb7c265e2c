package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/vaultdash/internal/crypto"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/wallet"
)

// WalletSession is the slice of wallet.Session the HTTP layer drives.
type WalletSession interface {
	Connect(ctx context.Context, address string) (wallet.State, error)
	Disconnect()
	AccountsChanged(ctx context.Context, accounts []string) (wallet.State, error)
	ChainChanged(ctx context.Context, chainID uint64) (wallet.State, error)
	State() wallet.State
}

// WalletHandler connects and disconnects the dashboard's account.
type WalletHandler struct {
	session WalletSession
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(session WalletSession, logger *slog.Logger) *WalletHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletHandler{session: session, logger: logger.With(slog.String("handler", "wallet"))}
}

// GetWallet returns the session state.
// GET /api/wallet
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.State())
}

type connectRequest struct {
	Address string `json:"address"`
	// Message and Signature optionally prove control of Address with an
	// EIP-191 personal_sign signature.
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Connect attaches the session to an account. Without an address the signing
// key's account is used.
// POST /api/wallet/connect
func (h *WalletHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Signature != "" {
		if err := verifyOwnership(req); err != nil {
			h.logger.Warn("ownership proof rejected",
				slog.String("address", req.Address),
				slog.String("error", err.Error()),
			)
			writeDomainError(w, err)
			return
		}
	}

	state, err := h.session.Connect(r.Context(), req.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Disconnect drops the account.
// POST /api/wallet/disconnect
func (h *WalletHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.session.Disconnect()
	writeJSON(w, http.StatusOK, h.session.State())
}

type accountsRequest struct {
	Accounts []string `json:"accounts"`
}

// AccountsChanged relays a wallet account-list change. An empty list
// disconnects.
// POST /api/wallet/accounts
func (h *WalletHandler) AccountsChanged(w http.ResponseWriter, r *http.Request) {
	var req accountsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := h.session.AccountsChanged(r.Context(), req.Accounts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type chainRequest struct {
	ChainID uint64 `json:"chainId"`
}

// ChainChanged relays a wallet network switch.
// POST /api/wallet/chain
func (h *WalletHandler) ChainChanged(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChainID == 0 {
		writeError(w, http.StatusBadRequest, "chainId is required")
		return
	}
	state, err := h.session.ChainChanged(r.Context(), req.ChainID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// verifyOwnership checks that Signature over Message recovers to Address and
// that the message names the address.
func verifyOwnership(req connectRequest) error {
	if !common.IsHexAddress(req.Address) {
		return fmt.Errorf("%w: address required with a signature", domain.ErrNoAddress)
	}
	if req.Message == "" || !strings.Contains(strings.ToLower(req.Message), strings.ToLower(req.Address)) {
		return fmt.Errorf("%w: message must name the address", domain.ErrAddressUnverified)
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", domain.ErrAddressUnverified)
	}
	signer, err := crypto.RecoverMessageSigner([]byte(req.Message), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAddressUnverified, err)
	}
	if signer != common.HexToAddress(req.Address) {
		return fmt.Errorf("%w: signed by %s", domain.ErrAddressUnverified, signer.Hex())
	}
	return nil
}
