package vault

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// PositionValue returns shares × sharePrice in deposit-asset units, exactly.
func PositionValue(shares, sharePrice string) (string, error) {
	s, err := parseDecimal("shares", shares)
	if err != nil {
		return "", err
	}
	p, err := parseDecimal("share price", sharePrice)
	if err != nil {
		return "", err
	}
	return s.Mul(p).String(), nil
}

// EstimateShares returns how many shares amount of the deposit asset buys at
// sharePrice, truncated to 18 decimals.
func EstimateShares(amount, sharePrice string) (string, error) {
	a, err := parseDecimal("amount", amount)
	if err != nil {
		return "", err
	}
	p, err := parseDecimal("share price", sharePrice)
	if err != nil {
		return "", err
	}
	if !p.IsPositive() {
		return "", fmt.Errorf("vault: estimate shares: %w: share price must be positive", domain.ErrUnavailable)
	}
	q, _ := a.QuoRem(p, chain.AssetDecimals)
	return q.String(), nil
}

// SharesForAssets converts an asset-denominated withdrawal into the share
// amount the wrapper expects.
func SharesForAssets(assets, sharePrice string) (string, error) {
	return EstimateShares(assets, sharePrice)
}

// BuildPortfolio values every share balance in snap at that vault's share
// price. A position with an unknown balance or price has a nil value, and
// then the total is nil too.
func BuildPortfolio(snap domain.Snapshot) domain.Portfolio {
	out := domain.Portfolio{
		Address:   snap.User.Address,
		Positions: make([]domain.PositionValue, 0, len(domain.AllVaults)),
	}
	total := decimal.Zero
	complete := true

	for _, kind := range domain.AllVaults {
		pv := domain.PositionValue{Kind: kind, Shares: copyStr(snap.User.Shares(kind))}
		if rec := snap.Vault(kind); rec != nil {
			pv.SharePrice = copyStr(rec.SharePrice)
		}
		if pv.Shares != nil && pv.SharePrice != nil {
			if v, err := PositionValue(*pv.Shares, *pv.SharePrice); err == nil {
				pv.Value = &v
				total = total.Add(decimal.RequireFromString(v))
			}
		}
		if pv.Value == nil {
			complete = false
		}
		out.Positions = append(out.Positions, pv)
	}
	if complete {
		s := total.String()
		out.Total = &s
	}
	return out
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("vault: %s: %w: %q", field, domain.ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("vault: %s: %w: negative", field, domain.ErrInvalidAmount)
	}
	return d, nil
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
