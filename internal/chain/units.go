package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// Fixed-point scales used by the wrapper.
const (
	AssetDecimals = 18 // stable token and vault shares
	PriceDecimals = 8  // underlying prices and strikes
)

var (
	// MaxUint256 is 2^256 - 1, the conventional "unlimited" allowance.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// AllowanceThreshold is MaxUint256 / 2 (integer division). An allowance at
	// or above it counts as approved.
	AllowanceThreshold = new(big.Int).Rsh(MaxUint256, 1)
)

// AllowanceSufficient reports whether allowance >= MaxUint256/2.
func AllowanceSufficient(allowance *big.Int) bool {
	if allowance == nil {
		return false
	}
	return allowance.Cmp(AllowanceThreshold) >= 0
}

// FormatUnits renders a fixed-point integer as a decimal string with no
// trailing zeros, e.g. FormatUnits(1045600000000000000, 18) == "1.0456".
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// Bounds on parsed amounts. MaxUint256 has 78 decimal digits; no valid
// amount string needs more than maxAmountLen characters.
const (
	maxUint256Digits = 78
	maxAmountLen     = 128
)

// ParseUnits converts a decimal string into a fixed-point integer. It rejects
// negative values, values with more fractional digits than decimals, and
// values that do not fit in a uint256.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	if len(s) > maxAmountLen {
		return nil, fmt.Errorf("%w: amount longer than %d characters", domain.ErrInvalidAmount, maxAmountLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", domain.ErrInvalidAmount, s)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}

	// Check the magnitude on the coefficient and exponent before any
	// rescaling, which would compute 10^exp.
	digits := int64(len(d.Coefficient().String()))
	exp := int64(d.Exponent()) + int64(decimals)
	if digits+exp > maxUint256Digits {
		return nil, fmt.Errorf("%w: %q exceeds uint256", domain.ErrInvalidAmount, s)
	}
	if -exp >= digits {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", domain.ErrInvalidAmount, s, decimals)
	}

	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", domain.ErrInvalidAmount, s, decimals)
	}
	v := shifted.BigInt()
	if v.Cmp(MaxUint256) > 0 {
		return nil, fmt.Errorf("%w: %q exceeds uint256", domain.ErrInvalidAmount, s)
	}
	return v, nil
}

// ParsePositiveUnits is ParseUnits that also rejects zero.
func ParsePositiveUnits(s string, decimals int32) (*big.Int, error) {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
	}
	return v, nil
}

// FormatUnitsSlice formats each element with the same scale.
func FormatUnitsSlice(vs []*big.Int, decimals int32) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, FormatUnits(v, decimals))
	}
	return out
}
