// Package adl implements auto-deleveraging: the forced, proportional
// reduction of profitable counter-party positions when a bankruptcy
// deficit exceeds what the insurance fund can absorb.
package adl

import (
	"sort"
	"sync"

	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
)

// Queue holds, per instrument, the currently-profitable positions of each
// side ordered by ADL score descending. The safety-net risk tick rebuilds
// it; the liquidation path only reads it.
type Queue struct {
	mu     sync.RWMutex
	longs  map[string][]*ledger.Position
	shorts map[string][]*ledger.Position
}

func NewQueue() *Queue {
	return &Queue{
		longs:  make(map[string][]*ledger.Position),
		shorts: make(map[string][]*ledger.Position),
	}
}

// Rebuild replaces the instrument's ranking from the given open positions.
// Only profitable positions are eligible; highest score first.
func (q *Queue) Rebuild(instrument string, positions []*ledger.Position) {
	var longs, shorts []*ledger.Position
	for _, p := range positions {
		if p.UnrealizedPnL <= 0 {
			continue
		}
		if p.Side == ledger.SideLong {
			longs = append(longs, p)
		} else {
			shorts = append(shorts, p)
		}
	}
	byScore := func(side []*ledger.Position) {
		sort.Slice(side, func(i, j int) bool { return side[i].ADLScore > side[j].ADLScore })
	}
	byScore(longs)
	byScore(shorts)

	q.mu.Lock()
	q.longs[instrument] = longs
	q.shorts[instrument] = shorts
	q.mu.Unlock()
}

// Candidates returns the ranked profitable positions on one side of an
// instrument, highest score first. The returned slice is a copy.
func (q *Queue) Candidates(instrument string, side ledger.Side) []*ledger.Position {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var src []*ledger.Position
	if side == ledger.SideLong {
		src = q.longs[instrument]
	} else {
		src = q.shorts[instrument]
	}
	out := make([]*ledger.Position, len(src))
	copy(out, src)
	return out
}
