package funding

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

const historySize = 256

// Settlement records one completed funding settlement for an instrument.
type Settlement struct {
	Instrument string    `json:"instrument"`
	Rate       int64     `json:"rate"`
	RawRate    int64     `json:"rawRate"`
	Volatility int64     `json:"volatility"`
	Collected  int64     `json:"collected"`
	Payers     int       `json:"payers"`
	SettledAt  time.Time `json:"settledAt"`
}

type instrumentState struct {
	vol        *VolatilityTracker
	smoothed   int64
	nextSettle time.Time
}

// Engine drives funding for all instruments: it watches mark prices for
// volatility, recomputes the smoothed rate per settlement, debits the
// paying side through the accountant and routes proceeds to the insurance
// fund.
type Engine struct {
	store      *ledger.Store
	accountant *margin.Accountant
	fund       *insurance.Fund
	bus        *event.Bus
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu          sync.Mutex
	instruments map[string]*instrumentState
	history     []Settlement
	histNext    int
}

func NewEngine(store *ledger.Store, accountant *margin.Accountant, fund *insurance.Fund, bus *event.Bus, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:       store,
		accountant:  accountant,
		fund:        fund,
		bus:         bus,
		log:         log,
		metrics:     metrics,
		instruments: make(map[string]*instrumentState),
		history:     make([]Settlement, 0, historySize),
	}
}

func (e *Engine) state(instrument string) *instrumentState {
	s, ok := e.instruments[instrument]
	if !ok {
		s = &instrumentState{vol: NewVolatilityTracker(), nextSettle: time.Now().Add(MaxInterval)}
		e.instruments[instrument] = s
	}
	return s
}

// ObservePrice feeds a mark price into the instrument's volatility window.
func (e *Engine) ObservePrice(instrument string, price int64) {
	e.mu.Lock()
	s := e.state(instrument)
	e.mu.Unlock()
	s.vol.Observe(price)
}

// Run settles due instruments on a coarse tick until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.settleDue(ctx, now)
		}
	}
}

func (e *Engine) settleDue(ctx context.Context, now time.Time) {
	e.mu.Lock()
	due := make([]string, 0, len(e.instruments))
	for name, s := range e.instruments {
		if !now.Before(s.nextSettle) {
			due = append(due, name)
		}
	}
	e.mu.Unlock()

	for _, name := range due {
		e.Settle(ctx, name, now)
	}
}

// Settle runs one funding settlement for the instrument: recompute the
// smoothed rate, debit every position on the paying side and contribute
// the proceeds to the insurance fund. Credits never flow to the opposite
// side.
func (e *Engine) Settle(ctx context.Context, instrument string, now time.Time) Settlement {
	positions := e.store.PositionsByInstrument(instrument)

	var longOI, shortOI int64
	for _, p := range positions {
		notional := fixed.Notional(p.Size, p.MarkPrice)
		if p.Side == ledger.SideLong {
			longOI += notional
		} else {
			shortOI += notional
		}
	}

	e.mu.Lock()
	s := e.state(instrument)
	vol := s.vol.Volatility()
	raw := RawRate(longOI, shortOI, vol)
	s.smoothed = Smooth(s.smoothed, raw)
	rate := s.smoothed
	interval := IntervalFor(vol)
	s.nextSettle = now.Add(interval)
	e.mu.Unlock()

	result := Settlement{
		Instrument: instrument,
		Rate:       rate,
		RawRate:    raw,
		Volatility: vol,
		SettledAt:  now,
	}

	if rate != 0 {
		payerSide := ledger.SideLong
		if rate < 0 {
			payerSide = ledger.SideShort
		}
		for _, p := range positions {
			if p.Side != payerSide {
				continue
			}
			// Re-read under the position lock: the risk tick refreshes the
			// same fields and a fill may have closed the position since the
			// open-interest snapshot above.
			err := e.accountant.WithPosition(ctx, p.Trader, p.Instrument, func() error {
				live, err := e.store.Position(p.Trader, p.Instrument)
				if err != nil || live.Side != payerSide {
					return nil
				}
				payment := fixed.FundingPayment(rate, live.Size, live.MarkPrice)
				if payment <= 0 {
					return nil
				}
				applied, err := e.accountant.AdjustBalance(ctx, live.Trader, -payment, margin.ReasonFundingFee)
				if err != nil {
					return err
				}
				paid := -applied
				live.FundingPaid += paid
				e.store.UpsertPosition(live)
				result.Collected += paid
				result.Payers++
				return nil
			})
			if err != nil {
				e.log.Error().Err(err).Str("trader", p.Trader.Hex()).
					Str("instrument", instrument).Msg("funding debit failed")
			}
		}
		if result.Collected > 0 {
			e.fund.Contribute(result.Collected, instrument, "funding")
		}
	}

	e.record(result)

	if e.metrics != nil {
		e.metrics.FundingSettlements.WithLabelValues(instrument).Inc()
		e.metrics.FundingCollected.WithLabelValues(instrument).Add(float64(result.Collected))
		e.metrics.FundingRate.WithLabelValues(instrument).Set(float64(rate))
		e.metrics.FundingVolatility.WithLabelValues(instrument).Set(float64(vol))
	}
	e.log.Info().Str("instrument", instrument).
		Int64("rate", rate).Int64("rawRate", raw).Int64("volatility", vol).
		Int64("collected", result.Collected).Int("payers", result.Payers).
		Dur("nextInterval", interval).
		Msg("funding settled")

	if e.bus != nil {
		e.bus.Publish(event.TopicFunding, event.FundingSettled{
			Instrument: instrument,
			Rate:       rate,
			Collected:  result.Collected,
			Payers:     result.Payers,
			Timestamp:  now,
		})
	}
	return result
}

func (e *Engine) record(s Settlement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) < historySize {
		e.history = append(e.history, s)
		e.histNext = len(e.history) % historySize
		return
	}
	e.history[e.histNext] = s
	e.histNext = (e.histNext + 1) % historySize
}

// History returns recent settlements, oldest first.
func (e *Engine) History() []Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Settlement, 0, len(e.history))
	if len(e.history) == historySize {
		out = append(out, e.history[e.histNext:]...)
		out = append(out, e.history[:e.histNext]...)
	} else {
		out = append(out, e.history...)
	}
	return out
}

// CurrentRate returns the latest smoothed rate for the instrument.
func (e *Engine) CurrentRate(instrument string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.instruments[instrument]; ok {
		return s.smoothed
	}
	return 0
}
