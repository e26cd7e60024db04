package adl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

// Notifier receives the consumed counter-parties of an ADL pass for
// best-effort on-chain broadcast. It must never block.
type Notifier interface {
	NotifyADL(instrument string, fills []event.ADLFill)
}

// Result summarizes one ADL pass.
type Result struct {
	Consumed         int64
	Socialized       int64
	PlatformAbsorbed int64
	Fills            []event.ADLFill
	PositionsClosed  int
}

// Engine executes deficit coverage against the ranked counter-party
// queues, falling back to loss socialization and finally platform
// absorption. It runs inside the liquidation path, after the insurance
// fund has already been drawn.
type Engine struct {
	store      *ledger.Store
	accountant *margin.Accountant
	queue      *Queue
	bus        *event.Bus
	notifier   Notifier
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewEngine(store *ledger.Store, accountant *margin.Accountant, queue *Queue, bus *event.Bus, notifier Notifier, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:      store,
		accountant: accountant,
		queue:      queue,
		bus:        bus,
		notifier:   notifier,
		log:        log,
		metrics:    metrics,
	}
}

// fullCloseThreshold: a position consumed to within 1% of its value is
// closed outright instead of leaving a dust remainder.
const fullCloseThresholdPct = 99

// Execute covers deficit by consuming profitable positions on the side
// opposite the bankrupt one, highest ADL score first. Whatever the queue
// cannot cover is socialized across profitable same-instrument positions;
// a residual with no profitable positions left is absorbed by the platform
// and only logged.
func (e *Engine) Execute(ctx context.Context, instrument string, bankruptSide ledger.Side, deficit int64) Result {
	var res Result
	if deficit <= 0 {
		return res
	}
	remaining := deficit

	candidates := e.queue.Candidates(instrument, bankruptSide.Opposite())
	for _, p := range candidates {
		if remaining <= 0 {
			break
		}
		var fill event.ADLFill
		var take int64
		// Re-read under the position lock: the queue ranking may be a tick
		// stale, and the candidate must not be settled by a competing fill
		// while it is consumed.
		err := e.accountant.WithPosition(ctx, p.Trader, p.Instrument, func() error {
			live, err := e.store.Position(p.Trader, p.Instrument)
			if err != nil || live.UnrealizedPnL <= 0 {
				return nil
			}
			value := live.Equity()
			if value <= 0 {
				return nil
			}

			take = remaining
			if take > value {
				take = value
			}

			fill = event.ADLFill{
				Trader:      live.Trader,
				Instrument:  instrument,
				Side:        live.Side.String(),
				AmountTaken: take,
				Timestamp:   time.Now(),
			}

			if take*100 >= value*fullCloseThresholdPct {
				e.closePosition(ctx, live, take, value, &fill)
				res.PositionsClosed++
			} else {
				e.shrinkPosition(ctx, live, take, value, &fill)
			}
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("trader", p.Trader.Hex()).
				Str("instrument", instrument).Msg("adl candidate skipped, lock not acquired")
			continue
		}
		if take <= 0 {
			continue
		}

		remaining -= take
		res.Consumed += take
		res.Fills = append(res.Fills, fill)

		if e.bus != nil {
			e.bus.Publish(event.TopicADL, fill)
			e.bus.Publish(event.TopicRiskAlert, event.RiskAlert{
				Trader:     fill.Trader,
				Instrument: instrument,
				Kind:       "adl",
				Timestamp:  fill.Timestamp,
			})
		}
	}

	if remaining > 0 {
		socialized, absorbed := e.socializeLoss(ctx, instrument, remaining)
		res.Socialized = socialized
		res.PlatformAbsorbed = absorbed
	}

	if e.metrics != nil {
		e.metrics.ADLExecutions.WithLabelValues(instrument).Inc()
		e.metrics.ADLAmountConsumed.WithLabelValues(instrument).Add(float64(res.Consumed))
		e.metrics.ADLPositionsClosed.WithLabelValues(instrument).Add(float64(res.PositionsClosed))
		if res.Socialized > 0 {
			e.metrics.SocializedLoss.WithLabelValues(instrument).Add(float64(res.Socialized))
		}
		if res.PlatformAbsorbed > 0 {
			e.metrics.PlatformAbsorbed.WithLabelValues(instrument).Add(float64(res.PlatformAbsorbed))
		}
	}
	e.log.Info().Str("instrument", instrument).
		Int64("deficit", deficit).Int64("consumed", res.Consumed).
		Int64("socialized", res.Socialized).Int64("platformAbsorbed", res.PlatformAbsorbed).
		Int("fills", len(res.Fills)).Int("closed", res.PositionsClosed).
		Msg("adl executed")

	if e.notifier != nil && len(res.Fills) > 0 {
		e.notifier.NotifyADL(instrument, res.Fills)
	}
	return res
}

// closePosition consumes take from a position worth value and retires it.
// The trader's refund is value - take: collateral comes back from used
// margin, the remaining delta settles as ADL P&L through the accountant so
// the Mode-2 accumulator moves with the balance.
func (e *Engine) closePosition(ctx context.Context, p *ledger.Position, take, value int64, fill *event.ADLFill) {
	fill.SizeClosed = p.Size
	fill.FullyClosed = true

	if err := e.accountant.ReleaseMargin(ctx, p.Trader, p.Collateral); err != nil {
		e.log.Error().Err(err).Str("trader", p.Trader.Hex()).Msg("adl close: release margin failed")
	}
	// Net of the released collateral, the trader keeps value-take, so the
	// P&L leg is uPnL - take (never below -collateral).
	if _, err := e.accountant.AdjustBalance(ctx, p.Trader, p.UnrealizedPnL-take, margin.ReasonADLPnL); err != nil {
		e.log.Error().Err(err).Str("trader", p.Trader.Hex()).Msg("adl close: pnl settle failed")
	}
	e.store.RemovePosition(p.Trader, p.Instrument)
}

// shrinkPosition scales size and collateral by the retained fraction
// (value-take)/value and leaves the position open. The forfeited collateral
// slice leaves used margin with no refund.
func (e *Engine) shrinkPosition(ctx context.Context, p *ledger.Position, take, value int64, fill *event.ADLFill) {
	retained := value - take
	newSize := fixed.MulDiv(p.Size, retained, value)
	newCollateral := fixed.MulDiv(p.Collateral, retained, value)
	fill.SizeClosed = p.Size - newSize

	forfeit := p.Collateral - newCollateral
	if forfeit > 0 {
		if err := e.accountant.ForfeitMargin(ctx, p.Trader, forfeit); err != nil {
			e.log.Error().Err(err).Str("trader", p.Trader.Hex()).Msg("adl shrink: forfeit failed")
		}
	}

	p.Size = newSize
	p.Collateral = newCollateral
	p.RealizedPnL -= take
	p.Refresh(p.MarkPrice)
	e.store.UpsertPosition(p)
}

// socializeLoss spreads a residual deficit pro-rata across all profitable
// same-instrument positions, charged against unrealized P&L by shifting
// each entry price. Returns (socialized, platformAbsorbed).
func (e *Engine) socializeLoss(ctx context.Context, instrument string, residual int64) (int64, int64) {
	positions := e.store.PositionsByInstrument(instrument)
	var totalProfit int64
	var profitable []*ledger.Position
	for _, p := range positions {
		if p.UnrealizedPnL > 0 {
			totalProfit += p.UnrealizedPnL
			profitable = append(profitable, p)
		}
	}

	if totalProfit == 0 {
		e.log.Warn().Str("instrument", instrument).Int64("loss", residual).
			Msg("no profitable positions: loss absorbed by platform")
		return 0, residual
	}

	toSpread := residual
	if toSpread > totalProfit {
		toSpread = totalProfit
	}

	var spread int64
	for _, p := range profitable {
		share := fixed.MulDiv(toSpread, p.UnrealizedPnL, totalProfit)
		if share <= 0 {
			continue
		}
		_ = e.accountant.WithPosition(ctx, p.Trader, p.Instrument, func() error {
			live, err := e.store.Position(p.Trader, p.Instrument)
			if err != nil || live.UnrealizedPnL <= 0 {
				return nil
			}
			loss := share
			if loss > live.UnrealizedPnL {
				loss = live.UnrealizedPnL
			}
			// Charge against unrealized P&L only: move the entry price toward
			// the mark so the haircut survives the next refresh.
			delta := fixed.PriceDelta(loss, live.Size)
			live.EntryPrice += live.Side.Sign() * delta
			live.Refresh(live.MarkPrice)
			e.store.UpsertPosition(live)
			spread += loss

			e.log.Info().Str("trader", live.Trader.Hex()).Str("instrument", instrument).
				Int64("loss", loss).Msg("socialized loss applied")
			return nil
		})
	}

	absorbed := residual - spread
	if absorbed > 0 {
		e.log.Warn().Str("instrument", instrument).Int64("loss", absorbed).
			Msg("residual loss absorbed by platform")
	}
	return spread, absorbed
}
