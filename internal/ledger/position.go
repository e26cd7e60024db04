package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
)

// Side of a position or trade.
type Side int8

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int64 {
	if s == SideLong {
		return 1
	}
	return -1
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// RiskTier classifies margin health by margin-ratio band.
type RiskTier int8

const (
	RiskLow      RiskTier = iota // ratio < 50%
	RiskMedium                   // 50% <= ratio < 80%
	RiskHigh                     // 80% <= ratio < 100%
	RiskCritical                 // ratio >= 100%, liquidation mandatory
)

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TierForRatio maps a margin ratio (ratio scale) to its risk tier.
func TierForRatio(ratio int64) RiskTier {
	switch {
	case ratio >= fixed.RatioOne:
		return RiskCritical
	case ratio >= 800_000:
		return RiskHigh
	case ratio >= 500_000:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Position is one trader's exposure in one instrument. All monetary fields
// are fixed-point (see internal/fixed scales).
type Position struct {
	ID         uuid.UUID
	Trader     common.Address
	Instrument string
	Side       Side

	Size       int64 // quantity scale
	EntryPrice int64 // price scale, weighted average
	Collateral int64 // quote scale, margin posted
	Leverage   int64 // whole multiples (10 == 10x)

	MarkPrice        int64 // price scale, last applied mark
	MaintenanceRate  int64 // ratio scale, capped at half the IM rate
	LiquidationPrice int64 // price scale, derived
	UnrealizedPnL    int64 // quote scale, derived on every risk tick
	RealizedPnL      int64 // quote scale, cumulative
	FundingPaid      int64 // quote scale, cumulative funding fees paid

	Tier     RiskTier
	ADLScore int64 // (uPnL/collateral)*leverage, ratio scale; rank key

	TakeProfitPrice int64 // price scale, 0 = unset
	StopLossPrice   int64 // price scale, 0 = unset

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notional returns the position value at its current mark price.
func (p *Position) Notional() int64 {
	return fixed.Notional(p.Size, p.MarkPrice)
}

// Equity returns collateral + unrealized PnL. Negative equity is bankruptcy.
func (p *Position) Equity() int64 {
	return p.Collateral + p.UnrealizedPnL
}

// InitialMarginRate returns the IM rate implied by leverage, ratio scale.
func (p *Position) InitialMarginRate() int64 {
	if p.Leverage <= 0 {
		return fixed.RatioOne
	}
	return fixed.RatioOne / p.Leverage
}

// Refresh recomputes the derived fields against a mark price.
func (p *Position) Refresh(markPrice int64) {
	p.MarkPrice = markPrice
	p.UnrealizedPnL = fixed.PnL(p.Side.Sign(), markPrice, p.EntryPrice, p.Size)

	mm := fixed.MulDiv(p.Notional(), p.MaintenanceRate, fixed.RatioOne)
	ratio := fixed.MarginRatio(mm, p.Equity())
	p.Tier = TierForRatio(ratio)

	p.LiquidationPrice = fixed.LiquidationPrice(
		p.Side.Sign(), p.Size, p.EntryPrice, p.Collateral, p.MaintenanceRate)

	if p.Collateral > 0 {
		// score = (uPnL / collateral) * leverage, ratio scale
		p.ADLScore = fixed.MulDiv(p.UnrealizedPnL, fixed.RatioOne, p.Collateral) * p.Leverage
	} else {
		p.ADLScore = 0
	}
	p.UpdatedAt = time.Now()
}

// MarginRatio returns the current maintenance-margin ratio (ratio scale).
func (p *Position) MarginRatio() int64 {
	mm := fixed.MulDiv(p.Notional(), p.MaintenanceRate, fixed.RatioOne)
	return fixed.MarginRatio(mm, p.Equity())
}

// MaintenanceRateFor derives the maintenance rate for a leverage choice:
// a base rate capped at half the initial-margin rate.
func MaintenanceRateFor(leverage, baseRate int64) int64 {
	if leverage <= 0 {
		leverage = 1
	}
	imRate := fixed.RatioOne / leverage
	cap := imRate / 2
	if baseRate > cap {
		return cap
	}
	return baseRate
}

// PositionKey identifies a position by trader and instrument.
type PositionKey struct {
	Trader     common.Address
	Instrument string
}
