package ledger

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrOrderNotFound    = errors.New("order not found")
)

// Store owns all positions, balances, and order-margin records. It is
// constructed once at service start and passed by handle to every component;
// there is no ambient module-level state.
//
// The store's mutex protects map integrity only. Serialization of competing
// mutations on the same trader or order is the Margin Accountant's job,
// through its keyed Locker.
type Store struct {
	mu sync.RWMutex

	balances  map[common.Address]*UserBalance
	positions map[PositionKey]*Position
	orders    map[uuid.UUID]*OrderMarginInfo

	// byInstrument indexes open positions so the event-driven risk path is
	// O(positions-in-instrument), not O(all positions).
	byInstrument map[string]map[PositionKey]*Position
}

func NewStore() *Store {
	return &Store{
		balances:     make(map[common.Address]*UserBalance),
		positions:    make(map[PositionKey]*Position),
		orders:       make(map[uuid.UUID]*OrderMarginInfo),
		byInstrument: make(map[string]map[PositionKey]*Position),
	}
}

// Balance returns the trader's balance record, creating it on first touch.
func (s *Store) Balance(trader common.Address) *UserBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(trader)
}

func (s *Store) balanceLocked(trader common.Address) *UserBalance {
	b := s.balances[trader]
	if b == nil {
		b = &UserBalance{Trader: trader}
		s.balances[trader] = b
	}
	return b
}

// Position returns the open position for trader+instrument, or an error.
func (s *Store) Position(trader common.Address, instrument string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.positions[PositionKey{Trader: trader, Instrument: instrument}]
	if p == nil {
		return nil, ErrPositionNotFound
	}
	return p, nil
}

// UpsertPosition inserts or replaces a position and maintains the
// instrument index.
func (s *Store) UpsertPosition(p *Position) {
	key := PositionKey{Trader: p.Trader, Instrument: p.Instrument}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[key] = p
	idx := s.byInstrument[p.Instrument]
	if idx == nil {
		idx = make(map[PositionKey]*Position)
		s.byInstrument[p.Instrument] = idx
	}
	idx[key] = p
}

// RemovePosition deletes a position on full close, liquidation, or
// ADL-to-zero.
func (s *Store) RemovePosition(trader common.Address, instrument string) {
	key := PositionKey{Trader: trader, Instrument: instrument}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, key)
	if idx := s.byInstrument[instrument]; idx != nil {
		delete(idx, key)
		if len(idx) == 0 {
			delete(s.byInstrument, instrument)
		}
	}
}

// PositionsByInstrument returns a snapshot slice of the instrument's open
// positions. The slice is safe to iterate while other goroutines mutate the
// store; the *Position values are shared.
func (s *Store) PositionsByInstrument(instrument string) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byInstrument[instrument]
	result := make([]*Position, 0, len(idx))
	for _, p := range idx {
		result = append(result, p)
	}
	return result
}

// AllPositions returns a snapshot slice of every open position.
func (s *Store) AllPositions() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, p)
	}
	return result
}

// TraderPositions returns a snapshot slice of one trader's open positions.
func (s *Store) TraderPositions(trader common.Address) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Position, 0, 4)
	for key, p := range s.positions {
		if key.Trader == trader {
			result = append(result, p)
		}
	}
	return result
}

// Order returns the margin record for an order id.
func (s *Store) Order(orderID uuid.UUID) (*OrderMarginInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.orders[orderID]
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// PutOrder stores an order-margin record.
func (s *Store) PutOrder(o *OrderMarginInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
}

// RemoveOrder deletes an order-margin record.
func (s *Store) RemoveOrder(orderID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, orderID)
}

// Traders enumerates every known trader (for snapshots).
func (s *Store) Traders() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[common.Address]struct{}, len(s.balances))
	for addr := range s.balances {
		seen[addr] = struct{}{}
	}
	for key := range s.positions {
		seen[key.Trader] = struct{}{}
	}
	result := make([]common.Address, 0, len(seen))
	for addr := range seen {
		result = append(result, addr)
	}
	return result
}

// Equity computes a trader's total equity: balance (available + order holds)
// plus every live position's collateral and unrealized PnL.
func (s *Store) Equity(trader common.Address) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var equity int64
	if b := s.balances[trader]; b != nil {
		equity += b.Available + b.OrderHold
	}
	for key, p := range s.positions {
		if key.Trader == trader {
			equity += p.Collateral + p.UnrealizedPnL
		}
	}
	return equity
}

// Snapshot captures a deep copy of the store's state for persistence.
func (s *Store) Snapshot() *StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &StoreSnapshot{
		Balances:  make([]UserBalance, 0, len(s.balances)),
		Positions: make([]Position, 0, len(s.positions)),
		Orders:    make([]OrderMarginInfo, 0, len(s.orders)),
	}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, *b)
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	return snap
}

// Restore replaces the store's state from a snapshot (warm restart).
func (s *Store) Restore(snap *StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = make(map[common.Address]*UserBalance, len(snap.Balances))
	s.positions = make(map[PositionKey]*Position, len(snap.Positions))
	s.orders = make(map[uuid.UUID]*OrderMarginInfo, len(snap.Orders))
	s.byInstrument = make(map[string]map[PositionKey]*Position)

	for i := range snap.Balances {
		b := snap.Balances[i]
		s.balances[b.Trader] = &b
	}
	for i := range snap.Positions {
		p := snap.Positions[i]
		key := PositionKey{Trader: p.Trader, Instrument: p.Instrument}
		s.positions[key] = &p
		idx := s.byInstrument[p.Instrument]
		if idx == nil {
			idx = make(map[PositionKey]*Position)
			s.byInstrument[p.Instrument] = idx
		}
		idx[key] = &p
	}
	for i := range snap.Orders {
		o := snap.Orders[i]
		s.orders[o.OrderID] = &o
	}
}

// StoreSnapshot is the JSON-serializable warm-restart image of the store.
type StoreSnapshot struct {
	Balances  []UserBalance     `json:"balances"`
	Positions []Position        `json:"positions"`
	Orders    []OrderMarginInfo `json:"orders"`
}
