// Package snapshot bridges the off-chain ledger to on-chain attestation:
// periodic Merkle equity snapshots, and EIP-712 withdrawal authorizations
// proven against the current snapshot.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/chain"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/merkle"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

const (
	DefaultInterval  = time.Hour
	DefaultRetention = 24 * time.Hour

	// dustThreshold filters equities too small to be worth a leaf.
	dustThreshold int64 = 1_000 // 0.001 quote units
)

// Record is one completed snapshot. Old records stay verifiable until
// pruned, but only the current one authorizes withdrawals.
type Record struct {
	ID        uint64
	Root      common.Hash
	Tree      *merkle.Tree
	LeafCount int
	TakenAt   time.Time
}

// Snapshotter reads the ledger store (never mutates it) and maintains the
// current snapshot plus a retention window of older ones.
type Snapshotter struct {
	store    *ledger.Store
	tasks    *chain.TaskQueue
	client   chain.Client
	bus      *event.Bus
	log      zerolog.Logger
	metrics  *observability.Metrics
	interval time.Duration

	running atomic.Bool // re-entrancy guard: an overrun is skipped, not queued
	nextID  atomic.Uint64

	mu      sync.RWMutex
	current *Record
	history []*Record
}

func NewSnapshotter(store *ledger.Store, tasks *chain.TaskQueue, client chain.Client, bus *event.Bus, log zerolog.Logger, metrics *observability.Metrics, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Snapshotter{
		store:    store,
		tasks:    tasks,
		client:   client,
		bus:      bus,
		log:      log,
		metrics:  metrics,
		interval: interval,
	}
}

// Run takes a snapshot every interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Take(true)
		}
	}
}

// Take builds a new snapshot and makes it current. submitRoot controls the
// best-effort on-chain submission; the manual trigger path passes false.
// Returns nil when a snapshot is already in progress or no trader clears
// the dust threshold.
func (s *Snapshotter) Take(submitRoot bool) *Record {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.SnapshotsSkipped.Inc()
		}
		s.log.Warn().Msg("snapshot already in progress, run skipped")
		return nil
	}
	defer s.running.Store(false)

	start := time.Now()
	var leaves []merkle.Leaf
	for _, trader := range s.store.Traders() {
		equity := s.store.Equity(trader)
		if equity < dustThreshold {
			continue
		}
		leaves = append(leaves, merkle.Leaf{User: trader, Equity: equity})
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		s.log.Warn().Msg("no equity above dust threshold, snapshot skipped")
		return nil
	}

	rec := &Record{
		ID:        s.nextID.Add(1),
		Root:      tree.Root(),
		Tree:      tree,
		LeafCount: tree.LeafCount(),
		TakenAt:   start,
	}

	s.mu.Lock()
	if s.current != nil {
		s.history = append(s.history, s.current)
	}
	s.current = rec
	s.prune(start)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SnapshotsTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLeafCount.Set(float64(rec.LeafCount))
	}
	s.log.Info().Uint64("snapshot", rec.ID).Str("root", rec.Root.Hex()).
		Int("leaves", rec.LeafCount).Dur("took", time.Since(start)).
		Msg("equity snapshot taken")

	if s.bus != nil {
		s.bus.Publish(event.TopicSnapshot, event.SnapshotTaken{
			SnapshotID: rec.ID,
			Root:       rec.Root,
			LeafCount:  rec.LeafCount,
			Timestamp:  rec.TakenAt,
		})
	}

	if submitRoot && s.tasks != nil {
		id, root := rec.ID, rec.Root
		s.tasks.Enqueue(chain.Task{
			Kind: "submit_root",
			Run: func(ctx context.Context) error {
				err := s.client.SubmitEquityRoot(ctx, id, root)
				if err != nil && s.metrics != nil {
					s.metrics.RootSubmitFailures.Inc()
				}
				return err
			},
		})
	}
	return rec
}

// prune drops history older than the retention window. Caller holds s.mu.
func (s *Snapshotter) prune(now time.Time) {
	cutoff := now.Add(-DefaultRetention)
	kept := s.history[:0]
	for _, rec := range s.history {
		if rec.TakenAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.history = kept
}

// Current returns the current snapshot, or nil before the first run.
func (s *Snapshotter) Current() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Lookup finds a retained snapshot by root: the current one or any not yet
// pruned. Old roots stay verifiable; they just no longer authorize.
func (s *Snapshotter) Lookup(root common.Hash) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.current.Root == root {
		return s.current
	}
	for _, rec := range s.history {
		if rec.Root == root {
			return rec
		}
	}
	return nil
}

// Status is the transport-facing view of snapshot state.
type Status struct {
	SnapshotID uint64    `json:"snapshotId"`
	Root       string    `json:"root"`
	LeafCount  int       `json:"leafCount"`
	TakenAt    time.Time `json:"takenAt"`
	Retained   int       `json:"retained"`
}

// CurrentStatus reports the current snapshot, or false before the first.
func (s *Snapshotter) CurrentStatus() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Status{}, false
	}
	return Status{
		SnapshotID: s.current.ID,
		Root:       s.current.Root.Hex(),
		LeafCount:  s.current.LeafCount,
		TakenAt:    s.current.TakenAt,
		Retained:   len(s.history) + 1,
	}, true
}
