package domain

// zeroBalance is the display value used for every balance while no wallet is
// connected.
const zeroBalance = "0"

// UserPosition holds the connected address's balances. While connected, a nil
// balance means that read failed in the last cycle.
type UserPosition struct {
	Address       string  `json:"address"`
	StableBalance *string `json:"stableBalance"`
	CallShares    *string `json:"callShares"`
	PutShares     *string `json:"putShares"`
	CondorShares  *string `json:"condorShares"`
	NeedsApproval bool    `json:"needsApproval"`
}

// DefaultUserPosition is the state shown when no wallet is connected: zero
// balances and an approval requirement.
func DefaultUserPosition() UserPosition {
	return UserPosition{
		StableBalance: strPtr(zeroBalance),
		CallShares:    strPtr(zeroBalance),
		PutShares:     strPtr(zeroBalance),
		CondorShares:  strPtr(zeroBalance),
		NeedsApproval: true,
	}
}

// Shares returns the share balance held in the given vault.
func (p UserPosition) Shares(kind VaultKind) *string {
	switch kind {
	case VaultCall:
		return p.CallShares
	case VaultPut:
		return p.PutShares
	case VaultCondor:
		return p.CondorShares
	default:
		return nil
	}
}

// Clone returns a deep copy of the position.
func (p UserPosition) Clone() UserPosition {
	out := p
	out.StableBalance = cloneStr(p.StableBalance)
	out.CallShares = cloneStr(p.CallShares)
	out.PutShares = cloneStr(p.PutShares)
	out.CondorShares = cloneStr(p.CondorShares)
	return out
}

// PositionValue is one line of a portfolio valuation.
type PositionValue struct {
	Kind       VaultKind `json:"kind"`
	Shares     *string   `json:"shares"`
	SharePrice *string   `json:"sharePrice"`
	Value      *string   `json:"value"`
}

// Portfolio values every share balance at the latest share price.
type Portfolio struct {
	Address   string          `json:"address"`
	Positions []PositionValue `json:"positions"`
	Total     *string         `json:"total"`
}

func strPtr(s string) *string { return &s }
