package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// CallBackend executes read-only contract calls. *ethclient.Client satisfies it.
type CallBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RawMetrics is the wrapper's performance tuple, all in basis points except
// SuccessRate, which the contract reports as a whole percentage.
type RawMetrics struct {
	APY         *big.Int
	SuccessRate *big.Int
	BestReturn  *big.Int
	AvgYield    *big.Int
}

// Capacity is the getRemainingCapacity tuple.
type Capacity struct {
	Overall *big.Int
	Call    *big.Int
	Put     *big.Int
	Condor  *big.Int
}

// For returns the slot that belongs to kind.
func (c Capacity) For(kind domain.VaultKind) *big.Int {
	switch kind {
	case domain.VaultCall:
		return c.Call
	case domain.VaultPut:
		return c.Put
	case domain.VaultCondor:
		return c.Condor
	default:
		return nil
	}
}

// CycleInfo is the vaultCycles tuple of a directional vault.
type CycleInfo struct {
	StartTime  *big.Int
	EndTime    *big.Int
	Active     bool
	NextExpiry *big.Int
}

// ContractsPreview is the wrapper's answer to "how many contracts would this
// deposit open, and where".
type ContractsPreview struct {
	Contracts *big.Int
	Strikes   []*big.Int
}

// Reader is the read-only handle set. It never needs a wallet.
type Reader interface {
	ChainID() uint64
	Addresses() AddressBook

	SharePrice(ctx context.Context, kind domain.VaultKind) (*big.Int, error)
	PerformanceMetrics(ctx context.Context, kind domain.VaultKind) (RawMetrics, error)
	DirectionalStrikes(ctx context.Context, isCall bool) ([]*big.Int, error)
	CondorStrikes(ctx context.Context) ([]*big.Int, error)
	CurrentPrice(ctx context.Context, isCall bool) (*big.Int, error)
	QueuedDepositsCount(ctx context.Context, isDirectional bool) (*big.Int, error)
	TotalValueLocked(ctx context.Context) (*big.Int, error)
	RemainingCapacity(ctx context.Context) (Capacity, error)
	DirectionalCycle(ctx context.Context, isCall bool) (CycleInfo, error)
	CondorNextExpiry(ctx context.Context) (*big.Int, error)
	CalculateDirectionalContracts(ctx context.Context, amount *big.Int, isCall bool) (ContractsPreview, error)
	CalculateCondorContracts(ctx context.Context, amount *big.Int) (ContractsPreview, error)

	StableBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	HasSufficientAllowance(ctx context.Context, owner common.Address) (bool, error)
	ShareBalance(ctx context.Context, kind domain.VaultKind, owner common.Address) (*big.Int, error)
}

// ReadClient implements Reader over any CallBackend.
type ReadClient struct {
	backend CallBackend
	book    AddressBook
	closer  func()
}

var _ Reader = (*ReadClient)(nil)

// NewReader binds a read-only handle set to an existing backend.
func NewReader(backend CallBackend, book AddressBook) *ReadClient {
	return &ReadClient{backend: backend, book: book}
}

// DialReader connects to a fixed JSON-RPC endpoint and binds the deployment for
// chainID. The node must report the same chain ID.
func DialReader(ctx context.Context, rpcURL string, registry *Registry, chainID uint64) (*ReadClient, error) {
	book, err := registry.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: query chain id: %w", err)
	}
	if remote.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("chain: endpoint serves chain %d, configured %d: %w",
			remote.Uint64(), chainID, domain.ErrUnsupportedChain)
	}
	r := NewReader(client, book)
	r.closer = client.Close
	return r, nil
}

// Close releases the underlying RPC connection when the reader owns it.
func (r *ReadClient) Close() {
	if r.closer != nil {
		r.closer()
	}
}

func (r *ReadClient) ChainID() uint64        { return r.book.ChainID }
func (r *ReadClient) Addresses() AddressBook { return r.book }

func (r *ReadClient) SharePrice(ctx context.Context, kind domain.VaultKind) (*big.Int, error) {
	return r.callUint(ctx, r.book.Wrapper, WrapperABI, "getSharePrice", kind.IsDirectional(), kind.IsCall())
}

func (r *ReadClient) PerformanceMetrics(ctx context.Context, kind domain.VaultKind) (RawMetrics, error) {
	out, err := r.call(ctx, r.book.Wrapper, WrapperABI, "getPerformanceMetrics", kind.IsDirectional(), kind.IsCall())
	if err != nil {
		return RawMetrics{}, err
	}
	vals, err := bigInts("getPerformanceMetrics", out, 4)
	if err != nil {
		return RawMetrics{}, err
	}
	return RawMetrics{APY: vals[0], SuccessRate: vals[1], BestReturn: vals[2], AvgYield: vals[3]}, nil
}

func (r *ReadClient) DirectionalStrikes(ctx context.Context, isCall bool) ([]*big.Int, error) {
	return r.callUintSlice(ctx, "getDirectionalStrikes", isCall)
}

func (r *ReadClient) CondorStrikes(ctx context.Context) ([]*big.Int, error) {
	return r.callUintSlice(ctx, "getCondorStrikes")
}

func (r *ReadClient) CurrentPrice(ctx context.Context, isCall bool) (*big.Int, error) {
	return r.callUint(ctx, r.book.Wrapper, WrapperABI, "getCurrentPrice", isCall)
}

func (r *ReadClient) QueuedDepositsCount(ctx context.Context, isDirectional bool) (*big.Int, error) {
	return r.callUint(ctx, r.book.Wrapper, WrapperABI, "getQueuedDepositsCount", isDirectional)
}

func (r *ReadClient) TotalValueLocked(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, r.book.Wrapper, WrapperABI, "getTotalValueLocked")
}

func (r *ReadClient) RemainingCapacity(ctx context.Context) (Capacity, error) {
	out, err := r.call(ctx, r.book.Wrapper, WrapperABI, "getRemainingCapacity")
	if err != nil {
		return Capacity{}, err
	}
	vals, err := bigInts("getRemainingCapacity", out, 4)
	if err != nil {
		return Capacity{}, err
	}
	return Capacity{Overall: vals[0], Call: vals[1], Put: vals[2], Condor: vals[3]}, nil
}

func (r *ReadClient) DirectionalCycle(ctx context.Context, isCall bool) (CycleInfo, error) {
	out, err := r.call(ctx, r.book.Wrapper, WrapperABI, "vaultCycles", isCall)
	if err != nil {
		return CycleInfo{}, err
	}
	if len(out) != 4 {
		return CycleInfo{}, fmt.Errorf("chain: vaultCycles: expected 4 values, got %d", len(out))
	}
	start, ok1 := out[0].(*big.Int)
	end, ok2 := out[1].(*big.Int)
	active, ok3 := out[2].(bool)
	next, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return CycleInfo{}, fmt.Errorf("chain: vaultCycles: unexpected tuple types")
	}
	return CycleInfo{StartTime: start, EndTime: end, Active: active, NextExpiry: next}, nil
}

func (r *ReadClient) CondorNextExpiry(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, r.book.Wrapper, WrapperABI, "condorNextExpiryTimestamp")
}

func (r *ReadClient) CalculateDirectionalContracts(ctx context.Context, amount *big.Int, isCall bool) (ContractsPreview, error) {
	return r.preview(ctx, "calculateDirectionalContracts", amount, isCall)
}

func (r *ReadClient) CalculateCondorContracts(ctx context.Context, amount *big.Int) (ContractsPreview, error) {
	return r.preview(ctx, "calculateCondorContracts", amount)
}

func (r *ReadClient) StableBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, r.book.StableToken, ERC20ABI, "balanceOf", owner)
}

// Allowance is the stable-token allowance owner has granted the wrapper.
func (r *ReadClient) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, r.book.StableToken, ERC20ABI, "allowance", owner, r.book.Wrapper)
}

func (r *ReadClient) HasSufficientAllowance(ctx context.Context, owner common.Address) (bool, error) {
	allowance, err := r.Allowance(ctx, owner)
	if err != nil {
		return false, err
	}
	return AllowanceSufficient(allowance), nil
}

func (r *ReadClient) ShareBalance(ctx context.Context, kind domain.VaultKind, owner common.Address) (*big.Int, error) {
	token, err := r.book.ShareToken(kind)
	if err != nil {
		return nil, err
	}
	return r.callUint(ctx, token, ERC20ABI, "balanceOf", owner)
}

func (r *ReadClient) preview(ctx context.Context, method string, args ...any) (ContractsPreview, error) {
	out, err := r.call(ctx, r.book.Wrapper, WrapperABI, method, args...)
	if err != nil {
		return ContractsPreview{}, err
	}
	if len(out) != 2 {
		return ContractsPreview{}, fmt.Errorf("chain: %s: expected 2 values, got %d", method, len(out))
	}
	contracts, ok := out[0].(*big.Int)
	if !ok {
		return ContractsPreview{}, fmt.Errorf("chain: %s: contracts is %T", method, out[0])
	}
	strikes, ok := out[1].([]*big.Int)
	if !ok {
		return ContractsPreview{}, fmt.Errorf("chain: %s: strikes is %T", method, out[1])
	}
	return ContractsPreview{Contracts: contracts, Strikes: strikes}, nil
}

func (r *ReadClient) callUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	out, err := r.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	vals, err := bigInts(method, out, 1)
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

func (r *ReadClient) callUintSlice(ctx context.Context, method string, args ...any) ([]*big.Int, error) {
	out, err := r.call(ctx, r.book.Wrapper, WrapperABI, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: %s: expected 1 value, got %d", method, len(out))
	}
	vals, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s: unexpected type %T", method, out[0])
	}
	if vals == nil {
		vals = []*big.Int{}
	}
	return vals, nil
}

func (r *ReadClient) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

func bigInts(method string, out []any, n int) ([]*big.Int, error) {
	if len(out) != n {
		return nil, fmt.Errorf("chain: %s: expected %d values, got %d", method, n, len(out))
	}
	vals := make([]*big.Int, n)
	for i, v := range out {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("chain: %s: value %d is %T", method, i, v)
		}
		vals[i] = b
	}
	return vals, nil
}
