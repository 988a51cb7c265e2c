// Package wallet owns the connected-account state: which address the
// dashboard is looking at, which chain it is on, and whether it can sign.
package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/crypto"
)

// Provider is a wallet able to list accounts and sign transactions.
type Provider interface {
	chain.Provider
	RequestAccounts(ctx context.Context) ([]common.Address, error)
}

// KeyProvider is a Provider backed by a local key and a JSON-RPC node.
type KeyProvider struct {
	signer *crypto.Signer
	client *ethclient.Client
}

var _ Provider = (*KeyProvider)(nil)

// NewKeyProvider loads the wallet key and dials rpcURL for the write path.
func NewKeyProvider(ctx context.Context, rpcURL string, key crypto.KeyConfig) (*KeyProvider, error) {
	signer, err := crypto.LoadSigner(key)
	if err != nil {
		return nil, fmt.Errorf("wallet: load key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial %s: %w", rpcURL, err)
	}
	return &KeyProvider{signer: signer, client: client}, nil
}

// RequestAccounts returns the single account the key controls.
func (p *KeyProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{p.signer.Address()}, nil
}

func (p *KeyProvider) ChainID(ctx context.Context) (uint64, error) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("wallet: chain id: %w", err)
	}
	return id.Uint64(), nil
}

func (p *KeyProvider) Signer(context.Context) (chain.TxSigner, error) {
	return p.signer, nil
}

func (p *KeyProvider) Backend() chain.TxBackend {
	return p.client
}

// Close releases the RPC connection.
func (p *KeyProvider) Close() {
	p.client.Close()
}
