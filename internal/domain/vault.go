package domain

import (
	"fmt"
	"strings"
	"time"
)

// VaultKind identifies one of the three share pools behind the wrapper
// contract.
type VaultKind string

const (
	VaultCall   VaultKind = "call"
	VaultPut    VaultKind = "put"
	VaultCondor VaultKind = "condor"
)

// AllVaults lists every vault in display order.
var AllVaults = []VaultKind{VaultCall, VaultPut, VaultCondor}

// ParseVaultKind accepts "call", "put", "condor" and the aliases
// "rangebound" / "directional-call" / "directional-put".
func ParseVaultKind(s string) (VaultKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "directional-call":
		return VaultCall, nil
	case "put", "directional-put":
		return VaultPut, nil
	case "condor", "rangebound":
		return VaultCondor, nil
	default:
		return "", fmt.Errorf("%w: unknown vault %q", ErrInvalidVault, s)
	}
}

// IsDirectional reports whether the vault is one side of the directional
// strategy.
func (k VaultKind) IsDirectional() bool {
	return k == VaultCall || k == VaultPut
}

// IsCall reports whether the vault is the call side. The condor vault is
// addressed with isCall=false on every wrapper method.
func (k VaultKind) IsCall() bool {
	return k == VaultCall
}

// PerformanceMetrics holds display-ready percentages derived from the
// wrapper's basis-point tuple.
type PerformanceMetrics struct {
	APY         string `json:"apy"`
	SuccessRate string `json:"successRate"`
	BestReturn  string `json:"bestReturn"`
	AvgYield    string `json:"avgYield"`
}

// VaultRecord is a per-vault snapshot. Nil pointers and a nil Strikes slice
// mean the value could not be fetched in the cycle that produced the record.
type VaultRecord struct {
	Kind              VaultKind           `json:"kind"`
	SharePrice        *string             `json:"sharePrice"`
	TotalValueLocked  *string             `json:"totalValueLocked"`
	RemainingCapacity *string             `json:"remainingCapacity"`
	TotalCapacity     *string             `json:"totalCapacity"`
	IsActiveDeposit   *bool               `json:"isActiveDeposit"`
	QueuedDeposits    *int64              `json:"queuedDeposits"`
	Metrics           *PerformanceMetrics `json:"metrics"`
	Strikes           []string            `json:"strikes"`
	CurrentPrice      *string             `json:"currentPrice"`
	NextCycleExpiry   *int64              `json:"nextCycleExpiry"`
	CycleActive       *bool               `json:"cycleActive"`
	FetchedAt         time.Time           `json:"fetchedAt"`
}

// Clone returns a deep copy so callers can hand records out without sharing
// backing arrays or pointees.
func (r *VaultRecord) Clone() *VaultRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.SharePrice = cloneStr(r.SharePrice)
	out.TotalValueLocked = cloneStr(r.TotalValueLocked)
	out.RemainingCapacity = cloneStr(r.RemainingCapacity)
	out.TotalCapacity = cloneStr(r.TotalCapacity)
	out.CurrentPrice = cloneStr(r.CurrentPrice)
	if r.IsActiveDeposit != nil {
		v := *r.IsActiveDeposit
		out.IsActiveDeposit = &v
	}
	if r.CycleActive != nil {
		v := *r.CycleActive
		out.CycleActive = &v
	}
	if r.QueuedDeposits != nil {
		v := *r.QueuedDeposits
		out.QueuedDeposits = &v
	}
	if r.NextCycleExpiry != nil {
		v := *r.NextCycleExpiry
		out.NextCycleExpiry = &v
	}
	if r.Metrics != nil {
		m := *r.Metrics
		out.Metrics = &m
	}
	if r.Strikes != nil {
		out.Strikes = append([]string{}, r.Strikes...)
	}
	return &out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ContractsQuote is the wrapper's preview of how many option contracts a
// deposit of a given size would open, and at which strikes.
type ContractsQuote struct {
	Kind            VaultKind `json:"kind"`
	Amount          string    `json:"amount"`
	Contracts       string    `json:"contracts"`
	Strikes         []string  `json:"strikes"`
	EstimatedShares *string   `json:"estimatedShares"`
}
