// Package chaintest provides an in-memory node for exercising the chain
// package without a JSON-RPC endpoint. Responses are ABI-encoded from plain Go
// values, so the real pack/unpack path runs end to end.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/vaultdash/internal/chain"
)

// Call is one recorded contract call.
type Call struct {
	To     common.Address
	Method string
	Args   []any
}

// Backend implements chain.TxBackend in memory.
type Backend struct {
	mu sync.Mutex

	outputs map[string][]any
	errs    map[string]error
	calls   []Call

	Chain     *big.Int
	Nonce     uint64
	Tip       *big.Int
	BaseFee   *big.Int
	GasEst    uint64
	SendErr   error
	Sent      []*types.Transaction
	Estimates []ethereum.CallMsg

	// ReceiptStatus is the status given to every sent transaction.
	ReceiptStatus uint64
	// PendingPolls is how many receipt lookups return NotFound first.
	PendingPolls int
	polls        map[common.Hash]int
}

// New returns a Base mainnet backend with sane fee defaults.
func New() *Backend {
	return &Backend{
		outputs:       make(map[string][]any),
		errs:          make(map[string]error),
		polls:         make(map[common.Hash]int),
		Chain:         big.NewInt(int64(chain.ChainIDBaseMainnet)),
		Tip:           big.NewInt(1_000_000),
		BaseFee:       big.NewInt(50_000_000),
		GasEst:        100_000,
		ReceiptStatus: types.ReceiptStatusSuccessful,
	}
}

// Book is a deterministic address book for tests.
func Book() chain.AddressBook {
	return chain.AddressBook{
		ChainID:     chain.ChainIDBaseMainnet,
		Wrapper:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		StableToken: common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		CallVault:   common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		PutVault:    common.HexToAddress("0x00000000000000000000000000000000000000c2"),
		CondorVault: common.HexToAddress("0x00000000000000000000000000000000000000c3"),
	}
}

// Set registers the return values of method for any target contract.
func (b *Backend) Set(method string, values ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs[method] = values
	delete(b.errs, method)
}

// SetAt registers return values for method on one contract only. It wins over
// Set.
func (b *Backend) SetAt(to common.Address, method string, values ...any) {
	b.Set(key(to, method), values...)
}

// Fail makes method return err.
func (b *Backend) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[method] = err
}

// Calls returns a copy of the recorded calls.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// LastCall returns the most recent call of method.
func (b *Backend) LastCall(method string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].Method == method {
			return b.calls[i], true
		}
	}
	return Call{}, false
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	method, args, err := decode(msg.Data)
	if err != nil {
		return nil, err
	}
	var to common.Address
	if msg.To != nil {
		to = *msg.To
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{To: to, Method: method.Name, Args: args})

	if err, ok := b.errs[method.Name]; ok {
		return nil, err
	}
	values, ok := b.outputs[key(to, method.Name)]
	if !ok {
		values, ok = b.outputs[method.Name]
	}
	if !ok {
		return nil, fmt.Errorf("chaintest: no response for %s", method.Name)
	}
	return method.Outputs.Pack(values...)
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.Chain), nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Nonce, nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.Tip), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: b.BaseFee}, nil
}

func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Estimates = append(b.Estimates, msg)
	return b.GasEst, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	b.Sent = append(b.Sent, tx)
	b.Nonce++
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	known := false
	for _, tx := range b.Sent {
		if tx.Hash() == hash {
			known = true
			break
		}
	}
	if !known || b.polls[hash] < b.PendingPolls {
		b.polls[hash]++
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      b.ReceiptStatus,
		TxHash:      hash,
		BlockNumber: big.NewInt(42),
		GasUsed:     b.GasEst,
	}, nil
}

var _ chain.TxBackend = (*Backend)(nil)

func key(to common.Address, method string) string {
	return strings.ToLower(to.Hex()) + ":" + method
}

func decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("chaintest: calldata too short")
	}
	for _, contract := range []abi.ABI{chain.WrapperABI, chain.ERC20ABI} {
		method, err := contract.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, nil, fmt.Errorf("chaintest: unpack %s args: %w", method.Name, err)
		}
		return method, args, nil
	}
	return nil, nil, fmt.Errorf("chaintest: unknown selector %x", data[:4])
}

// DecodeTx returns the method name and arguments encoded in tx's calldata.
func DecodeTx(tx *types.Transaction) (string, []any, error) {
	method, args, err := decode(tx.Data())
	if err != nil {
		return "", nil, err
	}
	return method.Name, args, nil
}

// Signer is a fixed-address TxSigner that returns transactions unsigned.
type Signer struct {
	Addr common.Address
	Err  error
}

func (s Signer) Address() common.Address { return s.Addr }

func (s Signer) SignTx(tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return tx, nil
}

// Provider is a chain.Provider over a Backend.
type Provider struct {
	Node      *Backend
	TxSigner  chain.TxSigner
	SignerErr error
}

func (p *Provider) ChainID(context.Context) (uint64, error) { return p.Node.Chain.Uint64(), nil }

func (p *Provider) Signer(context.Context) (chain.TxSigner, error) {
	if p.SignerErr != nil {
		return nil, p.SignerErr
	}
	return p.TxSigner, nil
}

func (p *Provider) Backend() chain.TxBackend { return p.Node }
