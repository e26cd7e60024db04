package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/chain"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/lock"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	dave  = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

type harness struct {
	core  *Core
	store *ledger.Store
	fund  *insurance.Fund
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := ledger.NewStore()
	accountant := margin.NewAccountant(store, lock.NewShardedLocker(), zerolog.Nop(), nil)
	fund := insurance.NewFund(zerolog.Nop(), nil)
	core := New(store, accountant, fund, chain.NopClient{}, nil, zerolog.Nop(), nil)
	return &harness{core: core, store: store, fund: fund}
}

// order reserves margin for 1.0 units at 100.00 with 10x leverage:
// margin 10.0, fee 0.05.
func order(trader common.Address, side ledger.Side) OrderRequest {
	return OrderRequest{
		OrderID:    uuid.New(),
		Trader:     trader,
		Instrument: "MEME-USDT",
		Side:       side,
		Size:       1_000_000,
		Price:      10_000,
		Leverage:   10,
	}
}

func matchTrade(longOrder, shortOrder OrderRequest, size, price int64) event.MatchedTrade {
	return event.MatchedTrade{
		TradeID:      uuid.New(),
		Instrument:   "MEME-USDT",
		LongTrader:   longOrder.Trader,
		ShortTrader:  shortOrder.Trader,
		LongOrderID:  longOrder.OrderID,
		ShortOrderID: shortOrder.OrderID,
		Size:         size,
		Price:        price,
		Timestamp:    time.Now(),
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := order(alice, ledger.SideLong)
	req.Deadline = time.Now().Add(-time.Second)
	if err := h.core.SubmitOrder(ctx, req); err != ErrOrderExpired {
		t.Fatalf("expired deadline: err = %v, want ErrOrderExpired", err)
	}

	req = order(alice, ledger.SideLong)
	req.Size = 0
	if err := h.core.SubmitOrder(ctx, req); err != ErrInvalidSize {
		t.Fatalf("zero size: err = %v, want ErrInvalidSize", err)
	}

	req = order(alice, ledger.SideLong)
	req.Leverage = 0
	if err := h.core.SubmitOrder(ctx, req); err != ErrInvalidLeverage {
		t.Fatalf("zero leverage: err = %v, want ErrInvalidLeverage", err)
	}
	req.Leverage = 101
	if err := h.core.SubmitOrder(ctx, req); err != ErrInvalidLeverage {
		t.Fatalf("over max leverage: err = %v, want ErrInvalidLeverage", err)
	}
}

func TestSubmitOrderAutoDeposit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// No trading balance: the custody bridge covers the shortfall in-line.
	if err := h.core.SubmitOrder(ctx, order(alice, ledger.SideLong)); err != nil {
		t.Fatal(err)
	}
	b := h.store.Balance(alice)
	if b.Available != 0 {
		t.Fatalf("available = %d, want 0", b.Available)
	}
	if b.OrderHold != 10_050_000 {
		t.Fatalf("orderHold = %d, want 10050000", b.OrderHold)
	}
	// A custody deposit is on-chain money: the adjustment accumulator must
	// not move.
	if b.Mode2Adjustment != 0 {
		t.Fatalf("mode2 = %d, want 0", b.Mode2Adjustment)
	}
}

type brokenCustody struct{ chain.NopClient }

func (brokenCustody) Deposit(context.Context, common.Address, int64) error {
	return errors.New("custody unavailable")
}

func TestSubmitOrderDepositFailure(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewStore()
	accountant := margin.NewAccountant(store, lock.NewShardedLocker(), zerolog.Nop(), nil)
	fund := insurance.NewFund(zerolog.Nop(), nil)
	core := New(store, accountant, fund, brokenCustody{}, nil, zerolog.Nop(), nil)

	err := core.SubmitOrder(ctx, order(alice, ledger.SideLong))
	if !errors.Is(err, margin.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if b := store.Balance(alice); b.OrderHold != 0 || b.Available != 0 {
		t.Fatalf("failed admission must not move funds: %+v", b)
	}
}

func TestProcessTradeOpensBothSides(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 10_050_000
	h.store.Balance(bob).Available = 10_050_000

	long := order(alice, ledger.SideLong)
	short := order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long, short, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	p, err := h.store.Position(alice, "MEME-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if p.Side != ledger.SideLong || p.Size != 1_000_000 || p.EntryPrice != 10_000 {
		t.Fatalf("long position = %+v", p)
	}
	if p.Collateral != 10_000_000 || p.Leverage != 10 {
		t.Fatalf("collateral/leverage = %d/%d", p.Collateral, p.Leverage)
	}

	q, err := h.store.Position(bob, "MEME-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if q.Side != ledger.SideShort || q.Size != 1_000_000 {
		t.Fatalf("short position = %+v", q)
	}

	for _, trader := range []common.Address{alice, bob} {
		b := h.store.Balance(trader)
		if b.Available != 0 || b.OrderHold != 0 || b.UsedMargin != 10_000_000 {
			t.Fatalf("%s balance = %+v", trader.Hex(), b)
		}
	}
	// Both taker fees fund the loss waterfall.
	if got := h.fund.TotalBalance(); got != 100_000 {
		t.Fatalf("fund = %d, want 100000", got)
	}
}

func TestMergeUsesWeightedAverageEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 100_000_000
	h.store.Balance(bob).Available = 100_000_000

	long1, short1 := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long1); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short1); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long1, short1, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	long2, short2 := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	long2.Price, short2.Price = 11_000, 11_000
	if err := h.core.SubmitOrder(ctx, long2); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short2); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long2, short2, 1_000_000, 11_000)); err != nil {
		t.Fatal(err)
	}

	p, err := h.store.Position(alice, "MEME-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if p.Size != 2_000_000 {
		t.Fatalf("size = %d, want 2000000", p.Size)
	}
	if p.EntryPrice != 10_500 {
		t.Fatalf("entry = %d, want 10500 (weighted average)", p.EntryPrice)
	}
	// 10.0 at 10x on 100.00 plus 11.0 at 10x on 110.00.
	if p.Collateral != 21_000_000 {
		t.Fatalf("collateral = %d, want 21000000", p.Collateral)
	}
}

func TestOppositeFillNetsAndRealizes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 30_000_000
	h.store.Balance(bob).Available = 30_000_000
	h.store.Balance(carol).Available = 30_000_000

	// Alice opens long 1.0 @ 100.00 against bob.
	long1, short1 := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long1); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short1); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long1, short1, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	// Alice sells 1.0 @ 105.00 to carol: her long closes at +5.00.
	short2, long2 := order(alice, ledger.SideShort), order(carol, ledger.SideLong)
	short2.Price, long2.Price = 10_500, 10_500
	if err := h.core.SubmitOrder(ctx, short2); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, long2); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long2, short2, 1_000_000, 10_500)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.store.Position(alice, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("alice's long must be fully netted, err = %v", err)
	}
	b := h.store.Balance(alice)
	// 30.00 start, fees 0.05 + 0.0525, PnL +5.00, all margin returned.
	if b.Available != 34_897_500 {
		t.Fatalf("available = %d, want 34897500", b.Available)
	}
	if b.UsedMargin != 0 || b.OrderHold != 0 {
		t.Fatalf("margin not fully released: %+v", b)
	}
	// Realized close PnL is off-chain money and must be in the accumulator.
	if b.Mode2Adjustment != 5_000_000 {
		t.Fatalf("mode2 = %d, want 5000000", b.Mode2Adjustment)
	}

	// Carol holds the new long.
	if p, err := h.store.Position(carol, "MEME-USDT"); err != nil || p.Side != ledger.SideLong {
		t.Fatalf("carol position: %+v, %v", p, err)
	}
}

func TestCancelAfterPartialFillRefundsRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 30_000_000
	h.store.Balance(bob).Available = 30_000_000

	// Alice reserves for 2.0 units; only 1.0 fills before she cancels.
	long := order(alice, ledger.SideLong)
	long.Size = 2_000_000
	short := order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long, short, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}
	if err := h.core.CancelOrder(ctx, long.OrderID); err != nil {
		t.Fatal(err)
	}

	b := h.store.Balance(alice)
	if b.OrderHold != 0 {
		t.Fatalf("orderHold = %d, want 0 after cancel", b.OrderHold)
	}
	// Half the reservation (10.0 margin + 0.05 fee) was consumed.
	if b.UsedMargin != 10_000_000 {
		t.Fatalf("usedMargin = %d, want 10000000", b.UsedMargin)
	}
	if b.Available != 19_950_000 {
		t.Fatalf("available = %d, want 19950000", b.Available)
	}
	if _, err := h.store.Order(long.OrderID); err != ledger.ErrOrderNotFound {
		t.Fatalf("cancelled order must be gone, err = %v", err)
	}
}

func TestClosePositionAtMark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 10_050_000
	h.store.Balance(bob).Available = 10_050_000

	long, short := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long, short, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	if err := h.core.ClosePosition(ctx, alice, "MEME-USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Position(alice, "MEME-USDT"); err != ledger.ErrPositionNotFound {
		t.Fatalf("position must be removed, err = %v", err)
	}
	b := h.store.Balance(alice)
	// Closed flat at the entry mark: collateral back, fee already spent.
	if b.Available != 10_000_000 || b.UsedMargin != 0 {
		t.Fatalf("balance = %+v", b)
	}
}

func TestCollateralAdjustments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 30_050_000
	h.store.Balance(bob).Available = 10_050_000

	long, short := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long, short, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	before, _ := h.store.Position(alice, "MEME-USDT")
	liqBefore := before.LiquidationPrice

	if err := h.core.AddCollateral(ctx, alice, "MEME-USDT", 5_000_000); err != nil {
		t.Fatal(err)
	}
	p, _ := h.store.Position(alice, "MEME-USDT")
	if p.Collateral != 15_000_000 {
		t.Fatalf("collateral = %d, want 15000000", p.Collateral)
	}
	// Effective leverage drops: 100.00 notional over 15.00 collateral.
	if p.Leverage != 6 {
		t.Fatalf("leverage = %d, want 6", p.Leverage)
	}
	// For a long, added margin pushes the liquidation price further below
	// the mark.
	if p.LiquidationPrice >= liqBefore {
		t.Fatalf("liquidation price = %d, want below %d after adding margin",
			p.LiquidationPrice, liqBefore)
	}
	b := h.store.Balance(alice)
	if b.Available != 15_000_000 || b.UsedMargin != 15_000_000 {
		t.Fatalf("balance = %+v", b)
	}

	// Removing everything is refused outright.
	if err := h.core.RemoveCollateral(ctx, alice, "MEME-USDT", 15_000_000); !errors.Is(err, margin.ErrInsufficientBalance) {
		t.Fatalf("full removal: err = %v, want ErrInsufficientBalance", err)
	}
	// Removal that would park the position at high risk is refused.
	if err := h.core.RemoveCollateral(ctx, alice, "MEME-USDT", 14_480_000); !errors.Is(err, margin.ErrInsufficientBalance) {
		t.Fatalf("risky removal: err = %v, want ErrInsufficientBalance", err)
	}
	p, _ = h.store.Position(alice, "MEME-USDT")
	if p.Collateral != 15_000_000 {
		t.Fatalf("refused removal must not change collateral, got %d", p.Collateral)
	}

	// A safe removal goes through and re-derives leverage.
	if err := h.core.RemoveCollateral(ctx, alice, "MEME-USDT", 5_000_000); err != nil {
		t.Fatal(err)
	}
	p, _ = h.store.Position(alice, "MEME-USDT")
	if p.Collateral != 10_000_000 || p.Leverage != 10 {
		t.Fatalf("collateral/leverage = %d/%d, want 10000000/10", p.Collateral, p.Leverage)
	}
	b = h.store.Balance(alice)
	if b.Available != 20_000_000 || b.UsedMargin != 10_000_000 {
		t.Fatalf("balance = %+v", b)
	}
}

func TestTriggerPricesAttachToOpenedPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Balance(alice).Available = 10_050_000
	h.store.Balance(bob).Available = 10_050_000

	long := order(alice, ledger.SideLong)
	long.TakeProfitPrice = 12_000
	long.StopLossPrice = 9_500
	short := order(bob, ledger.SideShort)
	if err := h.core.SubmitOrder(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := h.core.SubmitOrder(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long, short, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}

	p, err := h.store.Position(alice, "MEME-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if p.TakeProfitPrice != 12_000 || p.StopLossPrice != 9_500 {
		t.Fatalf("triggers = %d/%d, want 12000/9500", p.TakeProfitPrice, p.StopLossPrice)
	}
}

func TestUnrealizedPnLIsZeroSum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, trader := range []common.Address{alice, bob, carol, dave} {
		h.store.Balance(trader).Available = 100_000_000
	}

	// Two independent matched pairs at different entries and sizes. Every
	// open unit long is someone's open unit short, so unrealized PnL summed
	// over the book cancels exactly at any common mark.
	long1, short1 := order(alice, ledger.SideLong), order(bob, ledger.SideShort)
	long2, short2 := order(carol, ledger.SideLong), order(dave, ledger.SideShort)
	long2.Size, short2.Size = 1_500_000, 1_500_000
	long2.Price, short2.Price = 10_800, 10_800
	for _, req := range []OrderRequest{long1, short1, long2, short2} {
		if err := h.core.SubmitOrder(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long1, short1, 1_000_000, 10_000)); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessTrade(ctx, matchTrade(long2, short2, 1_500_000, 10_800)); err != nil {
		t.Fatal(err)
	}

	for _, mark := range []int64{9_100, 10_000, 10_333, 11_700} {
		var sum int64
		for _, p := range h.store.AllPositions() {
			p.Refresh(mark)
			sum += p.UnrealizedPnL
		}
		if sum != 0 {
			t.Fatalf("mark %d: unrealized PnL sums to %d, want 0", mark, sum)
		}
	}
}

func TestConcurrentFillsConserveMargin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const n = 6
	h.store.Balance(alice).Available = 2 * n * 10_050_000
	h.store.Balance(bob).Available = n * 10_050_000

	type pair struct{ long, short OrderRequest }
	pairs := make([]pair, n)
	spares := make([]OrderRequest, n)
	for i := range pairs {
		long := order(alice, ledger.SideLong)
		long.TakeProfitPrice = 12_000
		long.StopLossPrice = 9_000
		short := order(bob, ledger.SideShort)
		if err := h.core.SubmitOrder(ctx, long); err != nil {
			t.Fatal(err)
		}
		if err := h.core.SubmitOrder(ctx, short); err != nil {
			t.Fatal(err)
		}
		pairs[i] = pair{long: long, short: short}

		// A second trigger-carrying order per fill, cancelled concurrently
		// with the settlements.
		spare := order(alice, ledger.SideLong)
		spare.StopLossPrice = 9_000
		if err := h.core.SubmitOrder(ctx, spare); err != nil {
			t.Fatal(err)
		}
		spares[i] = spare
	}

	// All fills for the same trader-instrument settle from competing
	// goroutines; the merge must not lose an update.
	var wg sync.WaitGroup
	errCh := make(chan error, 2*n)
	for i := range pairs {
		wg.Add(2)
		go func(pr pair) {
			defer wg.Done()
			if err := h.core.ProcessTrade(ctx, matchTrade(pr.long, pr.short, 1_000_000, 10_000)); err != nil {
				errCh <- err
			}
		}(pairs[i])
		go func(spare OrderRequest) {
			defer wg.Done()
			if err := h.core.CancelOrder(ctx, spare.OrderID); err != nil {
				errCh <- err
			}
		}(spares[i])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	p, err := h.store.Position(alice, "MEME-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if p.Size != n*1_000_000 {
		t.Fatalf("size = %d, want %d", p.Size, n*1_000_000)
	}
	for _, trader := range []common.Address{alice, bob} {
		b := h.store.Balance(trader)
		pos, err := h.store.Position(trader, "MEME-USDT")
		if err != nil {
			t.Fatal(err)
		}
		if b.UsedMargin != pos.Collateral {
			t.Fatalf("%s usedMargin = %d, collateral = %d; must stay equal",
				trader.Hex(), b.UsedMargin, pos.Collateral)
		}
		if b.OrderHold != 0 {
			t.Fatalf("%s orderHold = %d, want 0", trader.Hex(), b.OrderHold)
		}
	}
}
