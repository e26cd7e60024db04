// Package funding computes and settles the platform funding rate.
//
// The rate is derived from open-interest imbalance, amplified by recent
// price volatility, clamped, then EWMA-smoothed so a single wild tick
// cannot whipsaw the charged rate. Funding accrues to the insurance fund:
// the paying side is debited, the opposite side is not credited.
package funding

import (
	"math/big"
	"sync"
	"time"

	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
)

// Rate parameters, at rate scale 1e8 unless noted.
const (
	// BaseRate is the flat per-interval rate applied in the direction of
	// the dominant side. 1 bps.
	BaseRate int64 = 10_000

	// MaxRate clamps the raw rate before smoothing. 75 bps.
	MaxRate int64 = 750_000

	// ImbalanceMultiplier scales the imbalance contribution, ratio scale.
	ImbalanceMultiplier int64 = 2 * fixed.RatioOne

	// VolatilityMultiplier scales the volatility contribution, ratio scale.
	VolatilityMultiplier int64 = 5 * fixed.RatioOne

	// EWMA blend weights, percent of the new observation.
	ewmaNewWeight = 10
	ewmaOldWeight = 90

	// Settlement interval bounds. The interval shrinks toward MinInterval
	// as volatility rises.
	MaxInterval = 1 * time.Hour
	MinInterval = 5 * time.Minute

	volWindowSize = 120
)

// VolatilityTracker keeps a bounded rolling window of mark prices and
// reports the relative standard deviation at ratio scale.
type VolatilityTracker struct {
	mu     sync.Mutex
	prices []int64
	next   int
	filled bool
}

func NewVolatilityTracker() *VolatilityTracker {
	return &VolatilityTracker{prices: make([]int64, volWindowSize)}
}

func (v *VolatilityTracker) Observe(price int64) {
	if price <= 0 {
		return
	}
	v.mu.Lock()
	v.prices[v.next] = price
	v.next = (v.next + 1) % len(v.prices)
	if v.next == 0 {
		v.filled = true
	}
	v.mu.Unlock()
}

// Volatility returns stddev/mean at ratio scale (1e6 = 100%). Fewer than
// two observations yields zero.
func (v *VolatilityTracker) Volatility() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := v.next
	if v.filled {
		n = len(v.prices)
	}
	if n < 2 {
		return 0
	}

	var sum int64
	for i := 0; i < n; i++ {
		sum += v.prices[i]
	}
	mean := sum / int64(n)
	if mean == 0 {
		return 0
	}

	// Squared deviations can exceed int64 for large prices, so the sum is
	// kept exact in big.Int. The reported ratio is
	// sqrt(sumSq * RatioOne^2 / ((n-1) * mean^2)): (stddev/mean)^2 is at
	// most n-1, so the quotient fits int64.
	sumSq := new(big.Int)
	d := new(big.Int)
	for i := 0; i < n; i++ {
		d.SetInt64(v.prices[i] - mean)
		sumSq.Add(sumSq, d.Mul(d, d))
	}
	den := new(big.Int).SetInt64(mean)
	den.Mul(den, den)
	den.Mul(den, big.NewInt(int64(n-1)))
	sumSq.Mul(sumSq, big.NewInt(fixed.RatioOne))
	sumSq.Mul(sumSq, big.NewInt(fixed.RatioOne))

	return fixed.Sqrt(sumSq.Div(sumSq, den).Int64())
}

// Imbalance returns |longOI-shortOI|/(longOI+shortOI) at ratio scale and
// the sign of the dominant side (+1 long-heavy, -1 short-heavy, 0 flat).
func Imbalance(longOI, shortOI int64) (ratio int64, sign int64) {
	total := longOI + shortOI
	if total == 0 {
		return 0, 0
	}
	diff := longOI - shortOI
	switch {
	case diff > 0:
		sign = 1
	case diff < 0:
		sign = -1
		diff = -diff
	}
	return fixed.MulDiv(diff, fixed.RatioOne, total), sign
}

// RawRate computes the unsmoothed signed funding rate at rate scale 1e8.
// Positive means longs pay, negative means shorts pay.
func RawRate(longOI, shortOI, volatility int64) int64 {
	imb, sign := Imbalance(longOI, shortOI)
	if sign == 0 {
		return 0
	}

	rate := BaseRate
	// rate *= 1 + vol*volMult
	volFactor := fixed.RatioOne + fixed.MulDiv(volatility, VolatilityMultiplier, fixed.RatioOne)
	rate = fixed.MulDiv(rate, volFactor, fixed.RatioOne)
	// rate *= 1 + imb*imbMult
	imbFactor := fixed.RatioOne + fixed.MulDiv(imb, ImbalanceMultiplier, fixed.RatioOne)
	rate = fixed.MulDiv(rate, imbFactor, fixed.RatioOne)

	if rate > MaxRate {
		rate = MaxRate
	}
	return rate * sign
}

// Smooth blends the new raw rate into the previous EWMA value.
func Smooth(prev, raw int64) int64 {
	return (raw*ewmaNewWeight + prev*ewmaOldWeight) / 100
}

// IntervalFor maps volatility to the settlement interval: calm markets
// settle hourly, volatile markets shrink toward the minimum.
func IntervalFor(volatility int64) time.Duration {
	if volatility <= 0 {
		return MaxInterval
	}
	// Full compression at 5% volatility.
	const fullVol = fixed.RatioOne / 20
	if volatility >= fullVol {
		return MinInterval
	}
	span := int64(MaxInterval - MinInterval)
	reduced := fixed.MulDiv(span, volatility, fullVol)
	return MaxInterval - time.Duration(reduced)
}
