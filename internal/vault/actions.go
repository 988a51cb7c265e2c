package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/metrics"
)

// WriterSource hands out the write-capable handle set of the connected
// wallet. wallet.Session implements it.
type WriterSource interface {
	Writer() (chain.Writer, error)
}

// Notifier delivers operator alerts. notify.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventTxConfirmed = "tx_confirmed"
	EventTxFailed    = "tx_failed"
)

// ActionDeps are the collaborators of Actions. Only Wallet is required.
type ActionDeps struct {
	Wallet   WriterSource
	Txs      domain.TxStore
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Bus      domain.Publisher
	Notifier Notifier
}

// ActionOptions tunes Actions. Zero values take the defaults.
type ActionOptions struct {
	ConfirmTimeout time.Duration
	LockTTL        time.Duration
}

// Actions runs the mutating wrapper operations for the connected wallet. At
// most one action per address is in flight; there are no retries.
type Actions struct {
	agg            *Aggregator
	deps           ActionDeps
	confirmTimeout time.Duration
	lockTTL        time.Duration
	logger         *slog.Logger

	localMu  sync.Mutex
	inFlight map[common.Address]bool
}

// NewActions binds the action set to an aggregator.
func NewActions(agg *Aggregator, deps ActionDeps, opts ActionOptions, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.ConfirmTimeout + time.Minute
	}
	return &Actions{
		agg:            agg,
		deps:           deps,
		confirmTimeout: opts.ConfirmTimeout,
		lockTTL:        opts.LockTTL,
		logger:         logger.With(slog.String("component", "actions")),
		inFlight:       make(map[common.Address]bool),
	}
}

// Approve grants the wrapper an unlimited stable-token allowance. On success
// needsApproval flips to false without waiting for the next cycle.
func (a *Actions) Approve(ctx context.Context) (domain.TxResult, error) {
	return a.execute(ctx, domain.ActionApprove, map[string]any{"amount": "max"},
		func(ctx context.Context, w chain.Writer) (*types.Transaction, error) {
			return w.Approve(ctx, chain.MaxUint256)
		},
		a.agg.markApproved,
	)
}

// DepositDirectional deposits amount (decimal, 18 dp) into the call or put
// side.
func (a *Actions) DepositDirectional(ctx context.Context, amount string, isCall bool) (domain.TxResult, error) {
	return a.withAmount(ctx, domain.ActionDepositDirectional, amount, map[string]any{"isCall": isCall},
		func(ctx context.Context, w chain.Writer, v *big.Int) (*types.Transaction, error) {
			return w.DepositDirectional(ctx, v, isCall)
		})
}

// DepositCondor deposits amount (decimal, 18 dp) into the condor vault.
func (a *Actions) DepositCondor(ctx context.Context, amount string) (domain.TxResult, error) {
	return a.withAmount(ctx, domain.ActionDepositCondor, amount, map[string]any{},
		func(ctx context.Context, w chain.Writer, v *big.Int) (*types.Transaction, error) {
			return w.DepositCondor(ctx, v)
		})
}

// WithdrawDirectional redeems shares (decimal, 18 dp) from the call or put
// side.
func (a *Actions) WithdrawDirectional(ctx context.Context, shares string, isCall bool) (domain.TxResult, error) {
	return a.withAmount(ctx, domain.ActionWithdrawDirectional, shares, map[string]any{"isCall": isCall},
		func(ctx context.Context, w chain.Writer, v *big.Int) (*types.Transaction, error) {
			return w.WithdrawDirectional(ctx, v, isCall)
		})
}

// WithdrawCondor redeems shares (decimal, 18 dp) from the condor vault.
func (a *Actions) WithdrawCondor(ctx context.Context, shares string) (domain.TxResult, error) {
	return a.withAmount(ctx, domain.ActionWithdrawCondor, shares, map[string]any{},
		func(ctx context.Context, w chain.Writer, v *big.Int) (*types.Transaction, error) {
			return w.WithdrawCondor(ctx, v)
		})
}

// ClaimProfits claims realised profits from one vault.
func (a *Actions) ClaimProfits(ctx context.Context, isDirectional, isCall bool) (domain.TxResult, error) {
	params := map[string]any{"isDirectional": isDirectional, "isCall": isCall}
	return a.execute(ctx, domain.ActionClaimProfits, params,
		func(ctx context.Context, w chain.Writer) (*types.Transaction, error) {
			return w.ClaimProfits(ctx, isDirectional, isCall)
		}, nil)
}

// Deposit dispatches to the directional or condor deposit for kind.
func (a *Actions) Deposit(ctx context.Context, kind domain.VaultKind, amount string) (domain.TxResult, error) {
	switch kind {
	case domain.VaultCall, domain.VaultPut:
		return a.DepositDirectional(ctx, amount, kind.IsCall())
	case domain.VaultCondor:
		return a.DepositCondor(ctx, amount)
	default:
		return domain.TxResult{}, fmt.Errorf("vault: deposit: %w: %q", domain.ErrInvalidVault, kind)
	}
}

// Withdraw dispatches a share-denominated withdrawal for kind.
func (a *Actions) Withdraw(ctx context.Context, kind domain.VaultKind, shares string) (domain.TxResult, error) {
	switch kind {
	case domain.VaultCall, domain.VaultPut:
		return a.WithdrawDirectional(ctx, shares, kind.IsCall())
	case domain.VaultCondor:
		return a.WithdrawCondor(ctx, shares)
	default:
		return domain.TxResult{}, fmt.Errorf("vault: withdraw: %w: %q", domain.ErrInvalidVault, kind)
	}
}

// WithdrawAssets converts an asset amount into shares at the latest share
// price and withdraws those shares.
func (a *Actions) WithdrawAssets(ctx context.Context, kind domain.VaultKind, assets string) (domain.TxResult, error) {
	rec := a.agg.Snapshot().Vault(kind)
	if rec == nil || rec.SharePrice == nil {
		return domain.TxResult{}, fmt.Errorf("vault: withdraw %s: share price: %w", kind, domain.ErrUnavailable)
	}
	shares, err := SharesForAssets(assets, *rec.SharePrice)
	if err != nil {
		return domain.TxResult{}, err
	}
	return a.Withdraw(ctx, kind, shares)
}

// Claim claims profits from the vault named by kind.
func (a *Actions) Claim(ctx context.Context, kind domain.VaultKind) (domain.TxResult, error) {
	switch kind {
	case domain.VaultCall, domain.VaultPut, domain.VaultCondor:
		return a.ClaimProfits(ctx, kind.IsDirectional(), kind.IsCall())
	default:
		return domain.TxResult{}, fmt.Errorf("vault: claim: %w: %q", domain.ErrInvalidVault, kind)
	}
}

// PreviewDeposit asks the wrapper how many contracts amount would open and
// estimates the shares it would mint at the latest share price.
func (a *Actions) PreviewDeposit(ctx context.Context, kind domain.VaultKind, amount string) (domain.ContractsQuote, error) {
	return Preview(ctx, a.agg, kind, amount)
}

// Preview is PreviewDeposit without a wallet; it only reads.
func Preview(ctx context.Context, agg *Aggregator, kind domain.VaultKind, amount string) (domain.ContractsQuote, error) {
	v, err := chain.ParsePositiveUnits(amount, chain.AssetDecimals)
	if err != nil {
		return domain.ContractsQuote{}, err
	}
	var p chain.ContractsPreview
	switch kind {
	case domain.VaultCall, domain.VaultPut:
		p, err = agg.reader.CalculateDirectionalContracts(ctx, v, kind.IsCall())
	case domain.VaultCondor:
		p, err = agg.reader.CalculateCondorContracts(ctx, v)
	default:
		return domain.ContractsQuote{}, fmt.Errorf("vault: preview: %w: %q", domain.ErrInvalidVault, kind)
	}
	if err != nil {
		return domain.ContractsQuote{}, fmt.Errorf("vault: preview %s: %w", kind, err)
	}

	quote := domain.ContractsQuote{
		Kind:      kind,
		Amount:    chain.FormatUnits(v, chain.AssetDecimals),
		Contracts: p.Contracts.String(),
		Strikes:   chain.FormatUnitsSlice(p.Strikes, chain.PriceDecimals),
	}
	if rec := agg.Snapshot().Vault(kind); rec != nil && rec.SharePrice != nil {
		if est, err := EstimateShares(quote.Amount, *rec.SharePrice); err == nil {
			quote.EstimatedShares = &est
		}
	}
	return quote, nil
}

type submitFunc func(ctx context.Context, w chain.Writer) (*types.Transaction, error)

func (a *Actions) withAmount(ctx context.Context, action domain.Action, amount string, params map[string]any,
	submit func(ctx context.Context, w chain.Writer, v *big.Int) (*types.Transaction, error)) (domain.TxResult, error) {
	if _, err := a.writer(); err != nil {
		return domain.TxResult{}, err
	}
	v, err := chain.ParsePositiveUnits(amount, chain.AssetDecimals)
	if err != nil {
		return domain.TxResult{}, err
	}
	params["amount"] = amount
	params["raw"] = v.String()
	return a.execute(ctx, action, params, func(ctx context.Context, w chain.Writer) (*types.Transaction, error) {
		return submit(ctx, w, v)
	}, nil)
}

// execute runs one action end to end: lock, record, submit, confirm, then
// refresh. Failures leave the read model untouched.
func (a *Actions) execute(ctx context.Context, action domain.Action, params map[string]any, submit submitFunc, onSuccess func(common.Address)) (domain.TxResult, error) {
	w, err := a.writer()
	if err != nil {
		return domain.TxResult{}, err
	}
	from := w.From()

	unlock, err := a.lock(ctx, from)
	if err != nil {
		return domain.TxResult{}, err
	}
	defer unlock()

	now := time.Now().UTC()
	rec := domain.TxRecord{
		ID:        uuid.NewString(),
		Action:    action,
		Address:   from.Hex(),
		ChainID:   w.ChainID(),
		Params:    params,
		Status:    domain.TxStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.deps.Txs != nil {
		if err := a.deps.Txs.Create(ctx, rec); err != nil {
			a.logger.Warn("tx record not persisted", slog.String("id", rec.ID), slog.String("error", err.Error()))
		}
	}

	tx, err := submit(ctx, w)
	if err != nil {
		return domain.TxResult{}, a.fail(ctx, rec, err)
	}
	rec.Hash = tx.Hash().Hex()
	a.setStatus(ctx, &rec, domain.TxStatusSubmitted, "")
	submitted := time.Now()

	wctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()
	receipt, err := w.WaitMined(wctx, tx)
	if err != nil {
		return domain.TxResult{}, a.fail(ctx, rec, err)
	}
	metrics.TxConfirmLatency.WithLabelValues(string(action)).Observe(time.Since(submitted).Seconds())

	a.setStatus(ctx, &rec, domain.TxStatusConfirmed, "")
	metrics.TxTotal.WithLabelValues(string(action), string(domain.TxStatusConfirmed)).Inc()
	a.logger.Info("action confirmed",
		slog.String("action", string(action)),
		slog.String("address", rec.Address),
		slog.String("tx", rec.Hash),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	a.audit(ctx, "tx_confirmed", rec)
	a.broadcast(ctx, rec)
	a.notify(ctx, EventTxConfirmed, fmt.Sprintf("%s confirmed", action),
		fmt.Sprintf("address %s\ntx %s", rec.Address, rec.Hash))

	if onSuccess != nil {
		onSuccess(from)
	}
	a.agg.TriggerRefresh()

	out := domain.TxResult{ID: rec.ID, Action: action, Hash: rec.Hash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (a *Actions) writer() (chain.Writer, error) {
	if a.deps.Wallet == nil {
		return nil, domain.ErrWalletNotConnected
	}
	return a.deps.Wallet.Writer()
}

func (a *Actions) fail(ctx context.Context, rec domain.TxRecord, cause error) error {
	a.setStatus(ctx, &rec, domain.TxStatusFailed, cause.Error())
	metrics.TxTotal.WithLabelValues(string(rec.Action), string(domain.TxStatusFailed)).Inc()
	a.logger.Error("action failed",
		slog.String("action", string(rec.Action)),
		slog.String("address", rec.Address),
		slog.String("tx", rec.Hash),
		slog.String("error", cause.Error()),
	)
	a.audit(ctx, "tx_failed", rec)
	a.broadcast(ctx, rec)
	a.notify(ctx, EventTxFailed, fmt.Sprintf("%s failed", rec.Action),
		fmt.Sprintf("address %s\nerror %s", rec.Address, cause.Error()))
	return fmt.Errorf("vault: %s: %w", rec.Action, cause)
}

func (a *Actions) lock(ctx context.Context, from common.Address) (func(), error) {
	a.localMu.Lock()
	if a.inFlight[from] {
		a.localMu.Unlock()
		return nil, domain.ErrTxInFlight
	}
	a.inFlight[from] = true
	a.localMu.Unlock()
	release := func() {
		a.localMu.Lock()
		delete(a.inFlight, from)
		a.localMu.Unlock()
	}

	if a.deps.Locks == nil {
		return release, nil
	}
	unlock, err := a.deps.Locks.Acquire(ctx, "tx:"+strings.ToLower(from.Hex()), a.lockTTL)
	if err != nil {
		release()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.ErrTxInFlight
		}
		return nil, fmt.Errorf("vault: acquire tx lock: %w", err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

func (a *Actions) setStatus(ctx context.Context, rec *domain.TxRecord, status domain.TxStatus, errMsg string) {
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	if a.deps.Txs == nil {
		return
	}
	// Persist even if the caller gave up waiting.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.deps.Txs.UpdateStatus(sctx, rec.ID, status, rec.Hash, errMsg); err != nil {
		a.logger.Warn("tx status not persisted",
			slog.String("id", rec.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Actions) audit(ctx context.Context, event string, rec domain.TxRecord) {
	if a.deps.Audit == nil {
		return
	}
	detail := map[string]any{
		"id":      rec.ID,
		"action":  string(rec.Action),
		"address": rec.Address,
		"hash":    rec.Hash,
		"params":  rec.Params,
	}
	if rec.Error != "" {
		detail["error"] = rec.Error
	}
	if err := a.deps.Audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		a.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// TxEvent is the bus payload for action status changes.
type TxEvent struct {
	ID      string          `json:"id"`
	Action  domain.Action   `json:"action"`
	Address string          `json:"address"`
	Hash    string          `json:"hash,omitempty"`
	Status  domain.TxStatus `json:"status"`
	Error   string          `json:"error,omitempty"`
}

func (a *Actions) broadcast(ctx context.Context, rec domain.TxRecord) {
	if a.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(TxEvent{
		ID:      rec.ID,
		Action:  rec.Action,
		Address: rec.Address,
		Hash:    rec.Hash,
		Status:  rec.Status,
		Error:   rec.Error,
	})
	if err != nil {
		return
	}
	if err := a.deps.Bus.Publish(context.WithoutCancel(ctx), domain.ChannelTx, payload); err != nil {
		a.logger.Warn("tx event publish failed", slog.String("error", err.Error()))
	}
}

func (a *Actions) notify(ctx context.Context, event, title, message string) {
	if a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		a.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
