package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// TxBackend is everything the write path needs from a node.
// *ethclient.Client satisfies it.
type TxBackend interface {
	CallBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for one account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Provider is the part of a wallet the write path binds to.
type Provider interface {
	ChainID(ctx context.Context) (uint64, error)
	Signer(ctx context.Context) (TxSigner, error)
	Backend() TxBackend
}

// Writer extends Reader with the mutating wrapper methods. Every write returns
// the submitted transaction; callers await it with WaitMined.
type Writer interface {
	Reader
	From() common.Address

	Approve(ctx context.Context, amount *big.Int) (*types.Transaction, error)
	DepositDirectional(ctx context.Context, amount *big.Int, isCall bool) (*types.Transaction, error)
	DepositCondor(ctx context.Context, amount *big.Int) (*types.Transaction, error)
	WithdrawDirectional(ctx context.Context, shares *big.Int, isCall bool) (*types.Transaction, error)
	WithdrawCondor(ctx context.Context, shares *big.Int) (*types.Transaction, error)
	ClaimProfits(ctx context.Context, isDirectional, isCall bool) (*types.Transaction, error)

	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Gas policy.
const (
	gasLimitNumerator   = 12
	gasLimitDenominator = 10
	baseFeeMultiplier   = 2
)

// WriteClient implements Writer with EIP-1559 transactions.
type WriteClient struct {
	*ReadClient
	backend TxBackend
	signer  TxSigner
	chainID *big.Int
	logger  *slog.Logger

	// PollInterval is how often WaitMined asks for the receipt.
	PollInterval time.Duration

	// mu serialises nonce lookup and submission.
	mu sync.Mutex
}

var _ Writer = (*WriteClient)(nil)

// NewWriter binds the write-capable handle set to the wallet behind provider.
//
// A missing provider or zero address fails with ErrNoProvider / ErrNoAddress.
// If the signer cannot be obtained the result is ErrAddressUnverified. A
// signer whose address differs from expected is logged and accepted. The
// deployment is resolved from the provider's chain; an unsupported chain
// fails with ErrUnsupportedChain.
func NewWriter(ctx context.Context, provider Provider, expected common.Address, registry *Registry, logger *slog.Logger) (*WriteClient, error) {
	if provider == nil {
		return nil, fmt.Errorf("chain: new writer: %w", domain.ErrNoProvider)
	}
	if expected == (common.Address{}) {
		return nil, fmt.Errorf("chain: new writer: %w", domain.ErrNoAddress)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "chain_writer"))

	signer, err := provider.Signer(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: new writer: %w: %v", domain.ErrAddressUnverified, err)
	}
	if signer.Address() != expected {
		logger.Warn("signer address differs from connected address",
			slog.String("signer", signer.Address().Hex()),
			slog.String("expected", expected.Hex()),
		)
	}

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: new writer: query chain id: %w", err)
	}
	book, err := registry.Resolve(chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: new writer: %w", err)
	}

	backend := provider.Backend()
	return &WriteClient{
		ReadClient:   NewReader(backend, book),
		backend:      backend,
		signer:       signer,
		chainID:      new(big.Int).SetUint64(chainID),
		logger:       logger,
		PollInterval: 2 * time.Second,
	}, nil
}

// From is the signing account.
func (w *WriteClient) From() common.Address { return w.signer.Address() }

// Approve lets the wrapper pull amount of the stable token.
func (w *WriteClient) Approve(ctx context.Context, amount *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, w.book.StableToken, ERC20ABI, "approve", w.book.Wrapper, amount)
}

func (w *WriteClient) DepositDirectional(ctx context.Context, amount *big.Int, isCall bool) (*types.Transaction, error) {
	return w.transact(ctx, w.book.Wrapper, WrapperABI, "depositDirectional", amount, isCall)
}

func (w *WriteClient) DepositCondor(ctx context.Context, amount *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, w.book.Wrapper, WrapperABI, "depositCondor", amount)
}

func (w *WriteClient) WithdrawDirectional(ctx context.Context, shares *big.Int, isCall bool) (*types.Transaction, error) {
	return w.transact(ctx, w.book.Wrapper, WrapperABI, "withdrawDirectional", shares, isCall)
}

func (w *WriteClient) WithdrawCondor(ctx context.Context, shares *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, w.book.Wrapper, WrapperABI, "withdrawCondor", shares)
}

func (w *WriteClient) ClaimProfits(ctx context.Context, isDirectional, isCall bool) (*types.Transaction, error) {
	return w.transact(ctx, w.book.Wrapper, WrapperABI, "claimProfits", isDirectional, isCall)
}

// WaitMined polls for tx's receipt until it is mined or ctx ends. A reverted
// receipt is returned together with ErrTxReverted.
func (w *WriteClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("chain: tx %s: %w", tx.Hash().Hex(), domain.ErrTxReverted)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			w.logger.Debug("receipt lookup failed",
				slog.String("tx", tx.Hash().Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for %s: %w", tx.Hash().Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *WriteClient) transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*types.Transaction, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	from := w.signer.Address()

	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: nonce: %w", method, err)
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: gas tip: %w", method, err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: latest header: %w", method, err)
	}
	if head.BaseFee == nil {
		return nil, fmt.Errorf("chain: %s: node does not report a base fee", method)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(baseFeeMultiplier)), tip)

	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: %s: estimate gas: %w", method, err)
	}
	gas = gas * gasLimitNumerator / gasLimitDenominator

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := w.signer.SignTx(tx, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: sign: %w", method, err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: %s: send: %w", method, err)
	}

	w.logger.Info("transaction submitted",
		slog.String("method", method),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return signed, nil
}
