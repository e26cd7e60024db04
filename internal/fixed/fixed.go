package fixed

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision for one value class.
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs. All monetary and price fields in the core use these
	// scales end-to-end; nothing that feeds a liquidation or settlement
	// decision is ever represented as a float.
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}         // 0.01
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 USDT
	RateConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 (funding rate)
	RatioConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // margin ratio: 1_000_000 == 100%
)

// RatioOne is a margin ratio of exactly 100%.
const RatioOne = 1_000_000

// int128Pool holds pooled big.Int values for intermediate products.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulInt128 performs a * b using int128 to prevent overflow.
func MulInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivInt128 performs numerator / denominator with the given rounding.
func DivInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	neg := numerator.Sign() < 0
	abs := getInt128()
	abs.Abs(numerator)

	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	quotient.DivMod(abs, denom, remainder)

	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt128(abs)
	putInt128(quotient)
	putInt128(remainder)

	if neg {
		return -result
	}
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// AvgEntryPrice computes the weighted average entry price when a fill
// merges into an existing same-side position.
func AvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	term1 := MulInt128(oldSize, oldAvgEntry)
	term2 := MulInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivInt128(numerator, oldSize+fillQty, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// PnL computes realized or unrealized profit in quote scale for closing
// closeQty at price against avgEntryPrice. sideSign is +1 long, -1 short.
func PnL(sideSign, price, avgEntryPrice, closeQty int64) int64 {
	priceDiff := price - avgEntryPrice

	temp := MulInt128(sideSign*priceDiff, closeQty)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))
	result := DivInt128(temp, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)

	putInt128(temp)
	return result
}

// Notional computes position value (quote scale) at the given price.
func Notional(size, price int64) int64 {
	raw := MulInt128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	result := DivInt128(raw, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
	putInt128(raw)
	return result
}

// MarginRatio returns maintenanceMargin / equity in ratio scale.
// equity = collateral + unrealizedPnL. A non-positive equity with open
// maintenance requirement is reported as an arbitrarily large ratio so the
// caller treats it as past-liquidation.
func MarginRatio(maintenanceMargin, equity int64) int64 {
	if maintenanceMargin <= 0 {
		return 0
	}
	if equity <= 0 {
		return int64(1) << 40 // far past 100%
	}
	num := MulInt128(maintenanceMargin, RatioConfig.Scale)
	result := DivInt128(num, equity, RoundHalfEven)
	putInt128(num)
	return result
}

// LiquidationPrice derives the mark price at which the margin ratio reaches
// exactly 100% for a position. mmRate is in ratio scale.
//
//	long:  (entry*size - collateral*scales) / (size * (1 - mm))
//	short: (entry*size + collateral*scales) / (size * (1 + mm))
func LiquidationPrice(sideSign, size, entryPrice, collateral, mmRate int64) int64 {
	if size == 0 {
		return 0
	}

	// Work in an expanded integer space: price scale * ratio scale.
	entryTerm := MulInt128(entryPrice, size) // price*qty
	collTerm := getInt128()
	// Convert collateral (quote) into price*qty space: c * P_s * Q_s / Quote_s
	collTerm.Mul(big.NewInt(collateral), big.NewInt(PriceConfig.Scale*QuantityConfig.Scale/QuoteConfig.Scale))

	num := getInt128()
	if sideSign > 0 {
		num.Sub(entryTerm, collTerm)
	} else {
		num.Add(entryTerm, collTerm)
	}
	num.Mul(num, big.NewInt(RatioConfig.Scale))

	denomRatio := RatioConfig.Scale - sideSign*mmRate // 1 -/+ mm in ratio scale
	denom := MulInt128(size, denomRatio)

	quot := getInt128()
	quot.Quo(num, denom)
	result := quot.Int64()

	putInt128(entryTerm)
	putInt128(collTerm)
	putInt128(num)
	putInt128(denom)
	putInt128(quot)

	if result < 0 {
		return 0
	}
	return result
}

// FundingPayment computes the funding fee (quote scale, always >= 0) owed by
// the paying side for one position: notional * |rate| / rateScale.
func FundingPayment(rate, size, markPrice int64) int64 {
	if rate < 0 {
		rate = -rate
	}
	notional := Notional(size, markPrice)
	raw := MulInt128(notional, rate)
	result := DivInt128(raw, RateConfig.Scale, RoundHalfEven)
	putInt128(raw)
	return result
}

// PriceDelta converts a quote-scale amount into the price move that
// produces it for a position of the given size. Inverse of Notional.
func PriceDelta(quote, size int64) int64 {
	if size == 0 {
		return 0
	}
	raw := MulInt128(quote, PriceConfig.Scale*QuantityConfig.Scale/QuoteConfig.Scale)
	result := DivInt128(raw, size, RoundHalfEven)
	putInt128(raw)
	return result
}

// MulDiv returns a*b/denom through int128 with banker's rounding.
func MulDiv(a, b, denom int64) int64 {
	raw := MulInt128(a, b)
	result := DivInt128(raw, denom, RoundHalfEven)
	putInt128(raw)
	return result
}

// Sqrt returns the integer square root of v (v >= 0).
func Sqrt(v int64) int64 {
	if v <= 0 {
		return 0
	}
	b := new(big.Int).SetInt64(v)
	return b.Sqrt(b).Int64()
}
