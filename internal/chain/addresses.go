package chain

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// Known chain IDs.
const (
	ChainIDBaseMainnet uint64 = 8453
	ChainIDBaseSepolia uint64 = 84532
)

// AddressBook is the fixed set of deployed contracts on one chain.
type AddressBook struct {
	ChainID     uint64
	Wrapper     common.Address
	StableToken common.Address
	CallVault   common.Address
	PutVault    common.Address
	CondorVault common.Address
}

// ShareToken returns the share token address for a vault.
func (b AddressBook) ShareToken(kind domain.VaultKind) (common.Address, error) {
	switch kind {
	case domain.VaultCall:
		return b.CallVault, nil
	case domain.VaultPut:
		return b.PutVault, nil
	case domain.VaultCondor:
		return b.CondorVault, nil
	default:
		return common.Address{}, fmt.Errorf("chain: share token: %w: %q", domain.ErrInvalidVault, kind)
	}
}

// Validate checks that every address is set.
func (b AddressBook) Validate() error {
	zero := common.Address{}
	switch {
	case b.ChainID == 0:
		return fmt.Errorf("chain: address book: chain id is required")
	case b.Wrapper == zero:
		return fmt.Errorf("chain: address book %d: wrapper address is required", b.ChainID)
	case b.StableToken == zero:
		return fmt.Errorf("chain: address book %d: stable token address is required", b.ChainID)
	case b.CallVault == zero || b.PutVault == zero || b.CondorVault == zero:
		return fmt.Errorf("chain: address book %d: all three vault share tokens are required", b.ChainID)
	}
	return nil
}

// Registry maps chain IDs to deployments. It is immutable after construction.
type Registry struct {
	books map[uint64]AddressBook
}

// NewRegistry builds a registry from the given address books. A later book for
// the same chain replaces an earlier one.
func NewRegistry(books ...AddressBook) *Registry {
	r := &Registry{books: make(map[uint64]AddressBook, len(books))}
	for _, b := range books {
		r.books[b.ChainID] = b
	}
	return r
}

// Resolve returns the deployment for chainID. Unknown chains fail with
// domain.ErrUnsupportedChain; there is no default.
func (r *Registry) Resolve(chainID uint64) (AddressBook, error) {
	b, ok := r.books[chainID]
	if !ok {
		return AddressBook{}, fmt.Errorf("chain: resolve %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	return b, nil
}

// ChainIDs lists the supported chains in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.books))
	for id := range r.books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
