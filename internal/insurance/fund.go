// Package insurance implements the two-tier insurance fund that absorbs
// liquidation shortfalls before ADL and loss socialization.
package insurance

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

// GlobalPool is the pool name used for the cross-instrument fund.
const GlobalPool = "global"

type pool struct {
	balance       int64
	contributions int64
	payouts       int64
}

// Fund holds the global pool plus one pool per instrument. Balances are
// quote scale and never go negative: a payout is capped at the pool balance.
type Fund struct {
	mu      sync.Mutex
	global  pool
	pools   map[string]*pool
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewFund(log zerolog.Logger, metrics *observability.Metrics) *Fund {
	return &Fund{
		pools:   make(map[string]*pool),
		log:     log,
		metrics: metrics,
	}
}

func (f *Fund) poolFor(instrument string) *pool {
	if instrument == "" {
		return &f.global
	}
	p := f.pools[instrument]
	if p == nil {
		p = &pool{}
		f.pools[instrument] = p
	}
	return p
}

// Contribute adds amount to the instrument pool (or the global pool when
// instrument is empty). This is the only way a balance increases:
// liquidation penalties, funding-fee skim, protocol fee shares.
func (f *Fund) Contribute(amount int64, instrument, source string) {
	if amount <= 0 {
		return
	}
	f.mu.Lock()
	p := f.poolFor(instrument)
	p.balance += amount
	p.contributions += amount
	balance := p.balance
	f.mu.Unlock()

	name := instrument
	if name == "" {
		name = GlobalPool
	}
	if f.metrics != nil {
		f.metrics.InsuranceContributed.WithLabelValues(name, source).Add(float64(amount))
		f.metrics.InsuranceBalance.WithLabelValues(name).Set(float64(balance))
	}
	f.log.Debug().Str("pool", name).Str("source", source).
		Int64("amount", amount).Int64("balance", balance).
		Msg("insurance contribution")
}

// PayFromPool draws up to amount from the named pool and returns what was
// actually paid. A pool balance never goes below zero.
func (f *Fund) PayFromPool(amount int64, instrument string) int64 {
	if amount <= 0 {
		return 0
	}
	f.mu.Lock()
	p := f.poolFor(instrument)
	paid := amount
	if paid > p.balance {
		paid = p.balance
	}
	p.balance -= paid
	p.payouts += paid
	balance := p.balance
	f.mu.Unlock()

	if balance < 0 {
		// Must not happen: payouts are capped above.
		f.log.Error().Str("pool", instrument).Int64("balance", balance).
			Msg("INVARIANT VIOLATION: negative insurance fund balance")
	}

	name := instrument
	if name == "" {
		name = GlobalPool
	}
	if f.metrics != nil && paid > 0 {
		f.metrics.InsurancePaid.WithLabelValues(name).Add(float64(paid))
		f.metrics.InsuranceBalance.WithLabelValues(name).Set(float64(balance))
	}
	return paid
}

// CoverDeficit draws a bankruptcy deficit through the waterfall: the
// per-instrument pool first, then the global pool. Returns the total paid
// and the uncovered remainder (handed upstream to ADL).
func (f *Fund) CoverDeficit(deficit int64, instrument string) (paid, remaining int64) {
	if deficit <= 0 {
		return 0, 0
	}
	paid = f.PayFromPool(deficit, instrument)
	if paid < deficit {
		paid += f.PayFromPool(deficit-paid, "")
	}
	return paid, deficit - paid
}

// Balance reports the current balance of one pool.
func (f *Fund) Balance(instrument string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if instrument == "" {
		return f.global.balance
	}
	p := f.pools[instrument]
	if p == nil {
		return 0
	}
	return p.balance
}

// TotalBalance reports global + all instrument pools.
func (f *Fund) TotalBalance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := f.global.balance
	for _, p := range f.pools {
		total += p.balance
	}
	return total
}

// Stats reports cumulative contributions and payouts for one pool.
func (f *Fund) Stats(instrument string) (contributions, payouts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.poolFor(instrument)
	return p.contributions, p.payouts
}
