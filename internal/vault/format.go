package vault

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// FormatMetrics renders the wrapper's performance tuple. APY, best return and
// average yield are basis points shown with two decimals; success rate is
// already a whole percentage.
func FormatMetrics(m chain.RawMetrics) domain.PerformanceMetrics {
	return domain.PerformanceMetrics{
		APY:         basisPoints(m.APY) + "%",
		SuccessRate: wholePercent(m.SuccessRate) + "%",
		BestReturn:  basisPoints(m.BestReturn) + "%",
		AvgYield:    basisPoints(m.AvgYield) + "%/wk",
	}
}

func basisPoints(v *big.Int) string {
	if v == nil {
		v = new(big.Int)
	}
	return decimal.NewFromBigInt(v, -2).StringFixed(2)
}

func wholePercent(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// futureExpiry returns ts as Unix seconds when it is strictly after
// cycleStart, and nil otherwise. A zero or past timestamp is never shown.
func futureExpiry(ts *big.Int, cycleStart time.Time) *int64 {
	if ts == nil || !ts.IsInt64() {
		return nil
	}
	v := ts.Int64()
	if v <= cycleStart.Unix() {
		return nil
	}
	return &v
}

func assetString(v *big.Int) *string {
	s := chain.FormatUnits(v, chain.AssetDecimals)
	return &s
}

func priceString(v *big.Int) *string {
	s := chain.FormatUnits(v, chain.PriceDecimals)
	return &s
}
