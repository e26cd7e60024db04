package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
)

const ledgerKey = "ledger/state"

// persistedState is the warm-restart image written to the KV backend.
type persistedState struct {
	Ledger  *ledger.StoreSnapshot     `json:"ledger"`
	Nonces  map[common.Address]uint64 `json:"nonces"`
	SavedAt time.Time                 `json:"savedAt"`
}

// Persister periodically checkpoints the ledger store and withdrawal
// nonces so a restart resumes from the last checkpoint instead of empty.
type Persister struct {
	kv     KV
	store  *ledger.Store
	nonces func() map[common.Address]uint64
	log    zerolog.Logger
}

func NewPersister(kv KV, store *ledger.Store, nonces func() map[common.Address]uint64, log zerolog.Logger) *Persister {
	return &Persister{kv: kv, store: store, nonces: nonces, log: log}
}

// Run checkpoints on the given interval until ctx is done, then writes one
// final checkpoint on the way out.
func (p *Persister) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Save(saveCtx); err != nil {
				p.log.Error().Err(err).Msg("final checkpoint failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Save(ctx); err != nil {
				p.log.Error().Err(err).Msg("checkpoint failed")
			}
		}
	}
}

// Save writes one checkpoint.
func (p *Persister) Save(ctx context.Context) error {
	state := persistedState{
		Ledger:  p.store.Snapshot(),
		SavedAt: time.Now(),
	}
	if p.nonces != nil {
		state.Nonces = p.nonces()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := p.kv.Put(ctx, ledgerKey, data); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	p.log.Debug().Int("bytes", len(data)).Msg("ledger checkpoint saved")
	return nil
}

// Load restores the last checkpoint into the ledger store and returns the
// persisted withdrawal nonces. A missing checkpoint is a cold start, not
// an error.
func (p *Persister) Load(ctx context.Context) (map[common.Address]uint64, error) {
	data, err := p.kv.Get(ctx, ledgerKey)
	if errors.Is(err, ErrNotFound) {
		p.log.Info().Msg("no checkpoint found, cold start")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if state.Ledger != nil {
		p.store.Restore(state.Ledger)
		p.log.Info().Time("savedAt", state.SavedAt).
			Int("balances", len(state.Ledger.Balances)).
			Int("positions", len(state.Ledger.Positions)).
			Msg("ledger restored from checkpoint")
	}
	return state.Nonces, nil
}
