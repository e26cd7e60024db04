package funding

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/lock"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
)

var (
	longTrader  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	shortTrader = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestImbalance(t *testing.T) {
	tests := []struct {
		name     string
		long     int64
		short    int64
		ratio    int64
		sign     int64
	}{
		{"flat", 0, 0, 0, 0},
		{"balanced", 100, 100, 0, 1}, // diff 0 -> sign 0 actually
		{"long heavy", 150_000_000, 50_000_000, 500_000, 1},
		{"short heavy", 50_000_000, 150_000_000, 500_000, -1},
		{"one sided", 100, 0, fixed.RatioOne, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratio, sign := Imbalance(tt.long, tt.short)
			if tt.name == "balanced" {
				if ratio != 0 || sign != 0 {
					t.Fatalf("balanced = %d/%d, want 0/0", ratio, sign)
				}
				return
			}
			if ratio != tt.ratio || sign != tt.sign {
				t.Fatalf("imbalance = %d/%d, want %d/%d", ratio, sign, tt.ratio, tt.sign)
			}
		})
	}
}

func TestRawRate(t *testing.T) {
	// Balanced book: no rate at all.
	if got := RawRate(100, 100, 0); got != 0 {
		t.Fatalf("balanced rate = %d, want 0", got)
	}

	// Long-heavy, zero volatility: base * (1 + imb*2).
	// imbalance 1/3 -> factor 1.666..., rate ~ 16666.
	got := RawRate(200_000_000, 100_000_000, 0)
	if got < 16_000 || got > 17_000 {
		t.Fatalf("long-heavy rate = %d, want ~16666", got)
	}

	// Short-heavy mirrors negative.
	if neg := RawRate(100_000_000, 200_000_000, 0); neg != -got {
		t.Fatalf("short-heavy rate = %d, want %d", neg, -got)
	}

	// Volatility amplifies.
	calm := RawRate(200_000_000, 100_000_000, 0)
	wild := RawRate(200_000_000, 100_000_000, 50_000) // 5% vol
	if wild <= calm {
		t.Fatalf("volatility must amplify: calm %d, wild %d", calm, wild)
	}

	// Extreme inputs clamp at MaxRate.
	if got := RawRate(1_000_000_000, 0, 10*fixed.RatioOne); got != MaxRate {
		t.Fatalf("clamped rate = %d, want %d", got, MaxRate)
	}
}

func TestSmooth(t *testing.T) {
	// 10% new / 90% prior.
	if got := Smooth(0, 100_000); got != 10_000 {
		t.Fatalf("smooth from zero = %d, want 10000", got)
	}
	if got := Smooth(100_000, 100_000); got != 100_000 {
		t.Fatalf("steady state = %d, want 100000", got)
	}
	// A wild tick moves the smoothed rate only a little.
	if got := Smooth(10_000, MaxRate); got >= MaxRate/5 {
		t.Fatalf("smoothed spike = %d, should stay well under the raw spike", got)
	}
	// A constant raw rate converges to itself, never to a fraction of it.
	var r int64
	for i := 0; i < 200; i++ {
		r = Smooth(r, 100_000)
	}
	if r < 99_000 {
		t.Fatalf("EWMA converged to %d, want ~100000", r)
	}
}

func TestIntervalFor(t *testing.T) {
	if got := IntervalFor(0); got != MaxInterval {
		t.Fatalf("calm interval = %v, want %v", got, MaxInterval)
	}
	if got := IntervalFor(fixed.RatioOne); got != MinInterval {
		t.Fatalf("wild interval = %v, want %v", got, MinInterval)
	}
	mid := IntervalFor(25_000) // 2.5% vol, half way to full compression
	if mid <= MinInterval || mid >= MaxInterval {
		t.Fatalf("mid interval = %v, want strictly between bounds", mid)
	}
	// More volatility, shorter interval.
	if IntervalFor(40_000) >= IntervalFor(10_000) {
		t.Fatal("interval must shrink as volatility rises")
	}
}

func TestVolatilityTracker(t *testing.T) {
	v := NewVolatilityTracker()
	if got := v.Volatility(); got != 0 {
		t.Fatalf("empty volatility = %d, want 0", got)
	}

	// A constant price has zero volatility.
	for i := 0; i < 10; i++ {
		v.Observe(10_000)
	}
	if got := v.Volatility(); got != 0 {
		t.Fatalf("constant price volatility = %d, want 0", got)
	}

	// Alternating prices: mean 10000, sample stddev sqrt(10^7/9), so the
	// ratio is 105409 at ratio scale. Integer arithmetic end to end, the
	// value is exact.
	v2 := NewVolatilityTracker()
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			v2.Observe(9_000)
		} else {
			v2.Observe(11_000)
		}
	}
	if got := v2.Volatility(); got != 105_409 {
		t.Fatalf("alternating volatility = %d, want 105409", got)
	}
}

func newEngine(t *testing.T) (*Engine, *ledger.Store, *insurance.Fund) {
	t.Helper()
	store := ledger.NewStore()
	accountant := margin.NewAccountant(store, lock.NewShardedLocker(), zerolog.Nop(), nil)
	fund := insurance.NewFund(zerolog.Nop(), nil)
	return NewEngine(store, accountant, fund, nil, zerolog.Nop(), nil), store, fund
}

func addPosition(store *ledger.Store, trader common.Address, side ledger.Side, size int64) {
	p := &ledger.Position{
		ID:              uuid.New(),
		Trader:          trader,
		Instrument:      "MEME-USDT",
		Side:            side,
		Size:            size,
		EntryPrice:      10_000,
		Collateral:      size / 10, // 10x equivalent at entry
		Leverage:        10,
		MaintenanceRate: 50_000,
	}
	p.Refresh(10_000)
	store.UpsertPosition(p)
}

func TestSettleLongHeavyDebitsLongs(t *testing.T) {
	ctx := context.Background()
	e, store, fund := newEngine(t)

	// Long OI 200, short OI 100: positive rate, longs pay.
	addPosition(store, longTrader, ledger.SideLong, 2_000_000)
	addPosition(store, shortTrader, ledger.SideShort, 1_000_000)
	store.Balance(longTrader).Available = 50_000_000
	store.Balance(shortTrader).Available = 50_000_000

	res := e.Settle(ctx, "MEME-USDT", time.Now())
	if res.Rate <= 0 {
		t.Fatalf("rate = %d, want positive (long heavy)", res.Rate)
	}
	if res.Payers != 1 {
		t.Fatalf("payers = %d, want 1", res.Payers)
	}
	if res.Collected <= 0 {
		t.Fatalf("collected = %d, want > 0", res.Collected)
	}

	// The long paid, the short did not receive.
	if got := store.Balance(longTrader).Available; got != 50_000_000-res.Collected {
		t.Fatalf("long available = %d, want %d", got, 50_000_000-res.Collected)
	}
	if got := store.Balance(shortTrader).Available; got != 50_000_000 {
		t.Fatalf("short available changed to %d, funding must not credit", got)
	}

	// Proceeds accrue to the insurance fund.
	if got := fund.Balance("MEME-USDT"); got != res.Collected {
		t.Fatalf("insurance = %d, want %d", got, res.Collected)
	}

	// The payer's position records the funding.
	p, err := store.Position(longTrader, "MEME-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if p.FundingPaid != res.Collected {
		t.Fatalf("fundingPaid = %d, want %d", p.FundingPaid, res.Collected)
	}
}

func TestSettleSmoothsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)
	addPosition(store, longTrader, ledger.SideLong, 2_000_000)
	store.Balance(longTrader).Available = 500_000_000

	first := e.Settle(ctx, "MEME-USDT", time.Now())
	second := e.Settle(ctx, "MEME-USDT", time.Now())
	if second.Rate <= first.Rate {
		t.Fatalf("EWMA must keep climbing toward the raw rate: %d then %d", first.Rate, second.Rate)
	}
	if second.Rate >= second.RawRate {
		t.Fatalf("smoothed %d must stay under raw %d", second.Rate, second.RawRate)
	}
}

func TestHistoryRing(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)
	addPosition(store, longTrader, ledger.SideLong, 1_000_000)
	store.Balance(longTrader).Available = 500_000_000

	for i := 0; i < 3; i++ {
		e.Settle(ctx, "MEME-USDT", time.Now())
	}
	h := e.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].SettledAt.After(h[2].SettledAt) {
		t.Fatal("history must be oldest first")
	}
}
