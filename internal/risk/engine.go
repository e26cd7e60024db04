// Package risk implements the event-driven + periodic-safety-net risk
// engine: margin recompute on every price change, a ~1s sweep over all
// positions for stale marks and ADL ranking, and the liquidation protocol.
package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/adl"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

const (
	safetyNetInterval = time.Second

	// Sanity guard bounds. A mark price more than 10x away from the entry,
	// or a PnL above 10x the notional, is a feed glitch until proven
	// otherwise: the position is skipped this tick and counted.
	priceRatioBound = 10
	pnlBound        = 10
)

// PriceObserver receives every applied mark price (feeds the funding
// volatility window).
type PriceObserver interface {
	ObservePrice(instrument string, price int64)
}

// Engine is the risk loop. Both the event path and the safety-net path
// funnel into evaluate(); liquidation, once a candidate is confirmed, runs
// synchronously inside the tick so the position cannot be mutated by a
// competing settlement mid-waterfall.
type Engine struct {
	store      *ledger.Store
	accountant *margin.Accountant
	fund       *insurance.Fund
	adl        *adl.Engine
	queue      *adl.Queue
	bus        *event.Bus
	observer   PriceObserver
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewEngine(store *ledger.Store, accountant *margin.Accountant, fund *insurance.Fund, adlEngine *adl.Engine, queue *adl.Queue, bus *event.Bus, observer PriceObserver, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:      store,
		accountant: accountant,
		fund:       fund,
		adl:        adlEngine,
		queue:      queue,
		bus:        bus,
		observer:   observer,
		log:        log,
		metrics:    metrics,
	}
}

// Run consumes price-change events and drives the safety-net sweep until
// ctx is done. Both paths execute on this one goroutine.
func (e *Engine) Run(ctx context.Context) {
	prices := e.bus.Subscribe(event.TopicPriceChanged, 1024)
	ticker := time.NewTicker(safetyNetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-prices:
			if pc, ok := evt.(event.PriceChanged); ok {
				e.OnPriceChanged(ctx, pc)
			}
		case <-ticker.C:
			e.SafetyNetTick(ctx)
		}
	}
}

// OnPriceChanged recomputes every position in the ticked instrument and
// liquidates the ones past their threshold.
func (e *Engine) OnPriceChanged(ctx context.Context, pc event.PriceChanged) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.PriceUpdates.WithLabelValues(pc.Instrument).Inc()
	}

	if pc.NewPrice <= 0 {
		if e.metrics != nil {
			e.metrics.RiskSanitySkips.WithLabelValues("no_mark").Inc()
		}
		e.log.Warn().Str("instrument", pc.Instrument).Int64("price", pc.NewPrice).
			Msg("non-positive mark price, tick skipped")
		return
	}
	if e.observer != nil {
		e.observer.ObservePrice(pc.Instrument, pc.NewPrice)
	}

	for _, p := range e.store.PositionsByInstrument(pc.Instrument) {
		e.evaluate(ctx, p, pc.NewPrice)
	}

	if e.metrics != nil {
		e.metrics.RiskTicks.WithLabelValues("event").Inc()
		e.metrics.RiskTickDuration.WithLabelValues("event").Observe(time.Since(start).Seconds())
	}
}

// SafetyNetTick sweeps all positions at their last known mark: catches
// instruments with no recent tick, re-derives tiers, rebuilds the ADL
// rankings, and fires take-profit/stop-loss triggers.
func (e *Engine) SafetyNetTick(ctx context.Context) {
	start := time.Now()

	byInstrument := make(map[string][]*ledger.Position)
	tierCounts := make(map[ledger.RiskTier]int)

	for _, p := range e.store.AllPositions() {
		if p.MarkPrice <= 0 {
			if e.metrics != nil {
				e.metrics.RiskSanitySkips.WithLabelValues("no_mark").Inc()
			}
			continue
		}
		e.evaluate(ctx, p, p.MarkPrice)

		// Position may have been removed by liquidation above.
		if live, err := e.store.Position(p.Trader, p.Instrument); err == nil {
			byInstrument[live.Instrument] = append(byInstrument[live.Instrument], live)
			tierCounts[live.Tier]++
			e.checkTriggers(ctx, live)
		}
	}

	for instrument, positions := range byInstrument {
		e.queue.Rebuild(instrument, positions)
	}
	if e.metrics != nil {
		for _, tier := range []ledger.RiskTier{ledger.RiskLow, ledger.RiskMedium, ledger.RiskHigh, ledger.RiskCritical} {
			e.metrics.PositionsByTier.WithLabelValues(tier.String()).Set(float64(tierCounts[tier]))
		}
		e.metrics.RiskTicks.WithLabelValues("safety_net").Inc()
		e.metrics.RiskTickDuration.WithLabelValues("safety_net").Observe(time.Since(start).Seconds())
	}
}

// evaluate refreshes one position against a mark price and liquidates it
// when the margin ratio has reached 100%. The whole read-mutate-write runs
// under the position lock; the fill and funding paths take the same lock,
// so a position cannot be settled and liquidated at once.
func (e *Engine) evaluate(ctx context.Context, p *ledger.Position, markPrice int64) {
	err := e.accountant.WithPosition(ctx, p.Trader, p.Instrument, func() error {
		live, err := e.store.Position(p.Trader, p.Instrument)
		if err != nil {
			// Closed by a competing settlement since the sweep snapshot.
			return nil
		}
		if skip := e.sanityCheck(live, markPrice); skip {
			return nil
		}

		prevTier := live.Tier
		live.Refresh(markPrice)

		if live.Tier == ledger.RiskCritical {
			e.liquidate(ctx, live)
			return nil
		}

		if live.Tier != prevTier && e.bus != nil {
			e.bus.Publish(event.TopicRiskAlert, event.RiskAlert{
				Trader:     live.Trader,
				Instrument: live.Instrument,
				Tier:       live.Tier.String(),
				Kind:       "tier_change",
				Timestamp:  time.Now(),
			})
		}
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("trader", p.Trader.Hex()).
			Str("instrument", p.Instrument).Msg("risk evaluation skipped, lock not acquired")
	}
}

// sanityCheck flags obviously corrupt inputs so one glitched feed value
// cannot trigger a wave of liquidations.
func (e *Engine) sanityCheck(p *ledger.Position, markPrice int64) bool {
	if markPrice <= 0 {
		if e.metrics != nil {
			e.metrics.RiskSanitySkips.WithLabelValues("no_mark").Inc()
		}
		return true
	}
	if p.EntryPrice > 0 &&
		(markPrice > p.EntryPrice*priceRatioBound || p.EntryPrice > markPrice*priceRatioBound) {
		if e.metrics != nil {
			e.metrics.RiskSanitySkips.WithLabelValues("price_ratio").Inc()
		}
		e.log.Warn().Str("trader", p.Trader.Hex()).Str("instrument", p.Instrument).
			Int64("entry", p.EntryPrice).Int64("mark", markPrice).
			Msg("mark price implausibly far from entry, position skipped")
		return true
	}
	pnl := fixed.PnL(p.Side.Sign(), markPrice, p.EntryPrice, p.Size)
	if notional := fixed.Notional(p.Size, markPrice); notional > 0 {
		abs := pnl
		if abs < 0 {
			abs = -abs
		}
		if abs > notional*pnlBound {
			if e.metrics != nil {
				e.metrics.RiskSanitySkips.WithLabelValues("pnl_bound").Inc()
			}
			e.log.Warn().Str("trader", p.Trader.Hex()).Str("instrument", p.Instrument).
				Int64("pnl", pnl).Int64("notional", notional).
				Msg("pnl out of bounds, position skipped")
			return true
		}
	}
	return false
}

// checkTriggers fires a take-profit or stop-loss close when the mark has
// crossed the trader's configured level. The level check re-reads the
// position under its lock so the close cannot race a fill.
func (e *Engine) checkTriggers(ctx context.Context, p *ledger.Position) {
	err := e.accountant.WithPosition(ctx, p.Trader, p.Instrument, func() error {
		live, err := e.store.Position(p.Trader, p.Instrument)
		if err != nil {
			return nil
		}
		if !triggerHit(live) {
			return nil
		}
		if err := e.settleClose(ctx, live); err != nil {
			return err
		}
		e.log.Info().Str("trader", live.Trader.Hex()).Str("instrument", live.Instrument).
			Int64("mark", live.MarkPrice).Msg("position closed by price trigger")
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("trader", p.Trader.Hex()).
			Str("instrument", p.Instrument).Msg("trigger close failed")
	}
}

func triggerHit(p *ledger.Position) bool {
	mark := p.MarkPrice
	if p.TakeProfitPrice > 0 {
		if p.Side == ledger.SideLong && mark >= p.TakeProfitPrice {
			return true
		}
		if p.Side == ledger.SideShort && mark <= p.TakeProfitPrice {
			return true
		}
	}
	if p.StopLossPrice > 0 {
		if p.Side == ledger.SideLong && mark <= p.StopLossPrice {
			return true
		}
		if p.Side == ledger.SideShort && mark >= p.StopLossPrice {
			return true
		}
	}
	return false
}

// settleClose realizes a voluntary close at the current mark: collateral
// back to available, PnL settled through the accountant.
func (e *Engine) settleClose(ctx context.Context, p *ledger.Position) error {
	if err := e.accountant.ReleaseMargin(ctx, p.Trader, p.Collateral); err != nil {
		return err
	}
	if _, err := e.accountant.AdjustBalance(ctx, p.Trader, p.UnrealizedPnL, margin.ReasonClosePnL); err != nil {
		return err
	}
	e.store.RemovePosition(p.Trader, p.Instrument)
	return nil
}

// liquidate executes the liquidation protocol for one position whose
// margin ratio has reached 100%:
//
//  1. positive remaining margin is forfeited to the insurance fund in
//     full, no refund;
//  2. a bankruptcy deficit draws the per-instrument then global insurance
//     pools, and any remainder cascades to ADL and socialization.
//
// The position is removed and the outcome broadcast in all cases. The
// caller holds the position lock.
func (e *Engine) liquidate(ctx context.Context, p *ledger.Position) {
	start := time.Now()
	if p.MarkPrice <= 0 {
		// Must not happen: evaluate() filters these before selection.
		e.log.Error().Str("trader", p.Trader.Hex()).Str("instrument", p.Instrument).
			Msg("INVARIANT VIOLATION: liquidation attempted without a mark price")
		return
	}

	currentMargin := p.Equity()
	outcome := event.LiquidationOutcome{
		Trader:     p.Trader,
		Instrument: p.Instrument,
		Side:       p.Side.String(),
		Size:       p.Size,
		MarkPrice:  p.MarkPrice,
		Timestamp:  time.Now(),
	}

	// The posted collateral leaves used margin with no refund either way.
	if err := e.accountant.ForfeitMargin(ctx, p.Trader, p.Collateral); err != nil {
		e.log.Error().Err(err).Str("trader", p.Trader.Hex()).
			Str("instrument", p.Instrument).Msg("liquidation forfeit failed")
		return
	}
	e.store.RemovePosition(p.Trader, p.Instrument)

	label := "penalty"
	if currentMargin >= 0 {
		outcome.ResidualMargin = currentMargin
		e.fund.Contribute(currentMargin, p.Instrument, "liquidation")
	} else {
		label = "bankruptcy"
		deficit := -currentMargin
		outcome.Deficit = deficit

		paid, remaining := e.fund.CoverDeficit(deficit, p.Instrument)
		outcome.InsurancePaid = paid
		if e.metrics != nil {
			e.metrics.LiquidationDeficit.WithLabelValues(p.Instrument).Add(float64(deficit))
		}

		if remaining > 0 {
			res := e.adl.Execute(ctx, p.Instrument, p.Side, remaining)
			outcome.ADLConsumed = res.Consumed
			outcome.Socialized = res.Socialized
			outcome.PlatformLoss = res.PlatformAbsorbed
		}
	}

	if e.metrics != nil {
		e.metrics.LiquidationsTotal.WithLabelValues(p.Instrument, label).Inc()
		e.metrics.LiquidationDuration.Observe(time.Since(start).Seconds())
	}
	e.log.Info().Str("trader", p.Trader.Hex()).Str("instrument", p.Instrument).
		Str("side", p.Side.String()).Str("outcome", label).
		Int64("mark", p.MarkPrice).Int64("currentMargin", currentMargin).
		Int64("insurancePaid", outcome.InsurancePaid).
		Int64("adlConsumed", outcome.ADLConsumed).
		Int64("socialized", outcome.Socialized).
		Int64("platformLoss", outcome.PlatformLoss).
		Msg("position liquidated")

	if e.bus != nil {
		e.bus.Publish(event.TopicLiquidation, outcome)
		e.bus.Publish(event.TopicRiskAlert, event.RiskAlert{
			Trader:     p.Trader,
			Instrument: p.Instrument,
			Tier:       ledger.RiskCritical.String(),
			Kind:       "liquidated",
			Timestamp:  outcome.Timestamp,
		})
	}
}
