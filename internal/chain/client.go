// Package chain isolates every on-chain interaction behind a client
// interface and a background task queue. Nothing here sits on the risk
// loop's critical path except auto-deposit, which callers invoke
// synchronously by design.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/whha111/meme-perp-dex-sub000/internal/event"
)

// Client is the on-chain surface the core needs. Implementations wrap the
// settlement contract; tests use NopClient.
type Client interface {
	// SubmitEquityRoot publishes a snapshot root for later withdrawal
	// verification.
	SubmitEquityRoot(ctx context.Context, snapshotID uint64, root common.Hash) error

	// NotifyADL broadcasts the consumed counter-parties of an ADL pass.
	NotifyADL(ctx context.Context, instrument string, fills []event.ADLFill) error

	// Deposit moves custodial funds into trading balance for a trader.
	// This one is synchronous: an order must not be admitted before the
	// funds are reserved.
	Deposit(ctx context.Context, trader common.Address, amount int64) error

	// CustodyBalance reads the trader's on-chain custodial balance for
	// reconciliation against the Mode-2 accumulator.
	CustodyBalance(ctx context.Context, trader common.Address) (int64, error)
}

// NopClient satisfies Client without a chain. Used in tests and when the
// service runs with attestation disabled.
type NopClient struct{}

func (NopClient) SubmitEquityRoot(context.Context, uint64, common.Hash) error { return nil }
func (NopClient) NotifyADL(context.Context, string, []event.ADLFill) error    { return nil }
func (NopClient) Deposit(context.Context, common.Address, int64) error        { return nil }
func (NopClient) CustodyBalance(context.Context, common.Address) (int64, error) {
	return 0, nil
}
