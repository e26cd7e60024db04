package risk

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/adl"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/lock"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
)

var (
	trader      = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	counterpart = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type fixture struct {
	engine     *Engine
	store      *ledger.Store
	accountant *margin.Accountant
	fund       *insurance.Fund
	queue      *adl.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewStore()
	accountant := margin.NewAccountant(store, lock.NewShardedLocker(), zerolog.Nop(), nil)
	fund := insurance.NewFund(zerolog.Nop(), nil)
	queue := adl.NewQueue()
	adlEngine := adl.NewEngine(store, accountant, queue, nil, nil, zerolog.Nop(), nil)
	engine := NewEngine(store, accountant, fund, adlEngine, queue, nil, nil, zerolog.Nop(), nil)
	return &fixture{engine: engine, store: store, accountant: accountant, fund: fund, queue: queue}
}

// tenXLong is the canonical test position: 1.0 units long from 100.00 with
// 10 collateral at 10x, maintenance 5%. Its liquidation price is 94.73.
func (f *fixture) tenXLong(tr common.Address) *ledger.Position {
	p := &ledger.Position{
		ID:              uuid.New(),
		Trader:          tr,
		Instrument:      "MEME-USDT",
		Side:            ledger.SideLong,
		Size:            1_000_000,
		EntryPrice:      10_000,
		Collateral:      10_000_000,
		Leverage:        10,
		MaintenanceRate: 50_000,
	}
	p.Refresh(10_000)
	f.store.UpsertPosition(p)
	f.store.Balance(tr).UsedMargin += p.Collateral
	return p
}

func priceTick(instrument string, price int64) event.PriceChanged {
	return event.PriceChanged{Instrument: instrument, NewPrice: price, Timestamp: time.Now()}
}

func TestNoLiquidationAboveThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenXLong(trader)

	// One tick above the liquidation price: high risk, still open.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 9_474))
	p, err := f.store.Position(trader, "MEME-USDT")
	if err != nil {
		t.Fatalf("position liquidated early: %v", err)
	}
	if p.Tier != ledger.RiskHigh {
		t.Fatalf("tier = %s, want high", p.Tier)
	}
}

func TestLiquidationWithResidualMargin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenXLong(trader)

	// At the liquidation price the ratio crosses 100% with equity still
	// positive: full forfeiture, no refund.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 9_473))

	if _, err := f.store.Position(trader, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("position should be removed, err = %v", err)
	}
	b := f.store.Balance(trader)
	if b.Available != 0 {
		t.Fatalf("trader refund = %d, want 0", b.Available)
	}
	if b.UsedMargin != 0 {
		t.Fatalf("usedMargin = %d, want 0", b.UsedMargin)
	}
	// Remaining margin (equity 4.73) went to the instrument pool.
	if got := f.fund.Balance("MEME-USDT"); got != 4_730_000 {
		t.Fatalf("insurance = %d, want 4730000", got)
	}
}

func TestBankruptcyWithNoCounterpartyAbsorbedByPlatform(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenXLong(trader)

	// Mark 89.00: equity = 10 - 11 = -1, a bankruptcy with an empty
	// insurance fund and no counter-parties.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 8_900))

	if _, err := f.store.Position(trader, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("position should be removed, err = %v", err)
	}
	b := f.store.Balance(trader)
	if b.Available != 0 || b.UsedMargin != 0 {
		t.Fatalf("trader keeps nothing on bankruptcy, got %d/%d", b.Available, b.UsedMargin)
	}
	if got := f.fund.Balance("MEME-USDT"); got != 0 {
		t.Fatalf("insurance = %d, want 0", got)
	}
}

func TestBankruptcyDrawsInsuranceThenADL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenXLong(trader)
	f.fund.Contribute(400_000, "MEME-USDT", "seed")

	// A profitable short is available as the ADL counter-party.
	short := &ledger.Position{
		ID:              uuid.New(),
		Trader:          counterpart,
		Instrument:      "MEME-USDT",
		Side:            ledger.SideShort,
		Size:            1_000_000,
		EntryPrice:      10_000,
		Collateral:      10_000_000,
		Leverage:        10,
		MaintenanceRate: 50_000,
	}
	short.Refresh(8_900)
	f.store.UpsertPosition(short)
	f.store.Balance(counterpart).UsedMargin += short.Collateral
	f.queue.Rebuild("MEME-USDT", []*ledger.Position{short})

	// Deficit 1.0: insurance covers 0.4, ADL the remaining 0.6.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 8_900))

	if got := f.fund.Balance("MEME-USDT"); got != 0 {
		t.Fatalf("insurance = %d, want 0 (fully drawn)", got)
	}
	live, err := f.store.Position(counterpart, "MEME-USDT")
	if err != nil {
		t.Fatalf("counter-party should be shrunk, not closed: %v", err)
	}
	// Value was 10 + 11 = 21; take 0.6 leaves 20.4/21 of the size.
	if live.Size >= 1_000_000 {
		t.Fatalf("counter-party size = %d, must shrink", live.Size)
	}
	if live.RealizedPnL != -600_000 {
		t.Fatalf("counter-party realized = %d, want -600000", live.RealizedPnL)
	}
}

func TestEvaluateIgnoresPositionClosedMidSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.tenXLong(trader)

	// The position settles away between the sweep snapshot and its
	// evaluation. The stale pointer must not forfeit anything or bring the
	// position back.
	f.store.RemovePosition(trader, "MEME-USDT")
	f.engine.evaluate(ctx, p, 9_473)

	if _, err := f.store.Position(trader, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("closed position must stay closed, err = %v", err)
	}
	if b := f.store.Balance(trader); b.UsedMargin != 10_000_000 {
		t.Fatalf("usedMargin = %d, want 10000000 (untouched)", b.UsedMargin)
	}
	if got := f.fund.Balance("MEME-USDT"); got != 0 {
		t.Fatalf("insurance = %d, want 0", got)
	}
}

func TestSanityGuardSkipsGlitchedFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenXLong(trader)

	// A mark 20x away from entry is treated as a feed glitch.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 200_000))
	if _, err := f.store.Position(trader, "MEME-USDT"); err != nil {
		t.Fatalf("glitched feed must not mutate the position: %v", err)
	}

	// Same for a non-positive price.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 0))
	p, err := f.store.Position(trader, "MEME-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if p.MarkPrice != 10_000 {
		t.Fatalf("mark = %d, want 10000 (unchanged)", p.MarkPrice)
	}
}

func TestSafetyNetRebuildsADLQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	short := &ledger.Position{
		ID:              uuid.New(),
		Trader:          counterpart,
		Instrument:      "MEME-USDT",
		Side:            ledger.SideShort,
		Size:            1_000_000,
		EntryPrice:      10_000,
		Collateral:      10_000_000,
		Leverage:        10,
		MaintenanceRate: 50_000,
	}
	short.Refresh(9_500)
	f.store.UpsertPosition(short)
	f.store.Balance(counterpart).UsedMargin += short.Collateral

	f.engine.SafetyNetTick(ctx)
	candidates := f.queue.Candidates("MEME-USDT", ledger.SideShort)
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
}

func TestStopLossTriggerClosesPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.tenXLong(trader)
	p.StopLossPrice = 9_700
	f.store.UpsertPosition(p)

	// Mark above the stop: nothing happens.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 9_800))
	f.engine.SafetyNetTick(ctx)
	if _, err := f.store.Position(trader, "MEME-USDT"); err != nil {
		t.Fatalf("stop must not fire above the level: %v", err)
	}

	// Mark through the stop: the safety net closes it at mark.
	f.engine.OnPriceChanged(ctx, priceTick("MEME-USDT", 9_650))
	f.engine.SafetyNetTick(ctx)
	if _, err := f.store.Position(trader, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("stop loss should close the position, err = %v", err)
	}
	// Collateral minus the realized loss of 3.50 came back.
	b := f.store.Balance(trader)
	if b.Available != 6_500_000 {
		t.Fatalf("available = %d, want 6500000", b.Available)
	}
}
