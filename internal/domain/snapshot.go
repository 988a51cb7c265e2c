package domain

import "time"

// Snapshot is the read model handed to the presentation layer. It is always
// replaced wholesale; nothing mutates a published snapshot.
type Snapshot struct {
	Seq               uint64       `json:"seq"`
	ChainID           uint64       `json:"chainId"`
	Call              *VaultRecord `json:"call"`
	Put               *VaultRecord `json:"put"`
	Condor            *VaultRecord `json:"condor"`
	TotalValueLocked  *string      `json:"totalValueLocked"`
	HasQueuedDeposits bool         `json:"hasQueuedDeposits"`
	User              UserPosition `json:"user"`
	Connected         bool         `json:"connected"`
	IsLoading         bool         `json:"isLoading"`
	Error             string       `json:"error,omitempty"`
	StartedAt         time.Time    `json:"startedAt"`
	SettledAt         time.Time    `json:"settledAt"`
}

// Vault returns the record for the given vault kind.
func (s Snapshot) Vault(kind VaultKind) *VaultRecord {
	switch kind {
	case VaultCall:
		return s.Call
	case VaultPut:
		return s.Put
	case VaultCondor:
		return s.Condor
	default:
		return nil
	}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Call = s.Call.Clone()
	out.Put = s.Put.Clone()
	out.Condor = s.Condor.Clone()
	out.TotalValueLocked = cloneStr(s.TotalValueLocked)
	out.User = s.User.Clone()
	return out
}
