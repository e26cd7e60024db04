package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// UserBalance is one trader's quote-asset accounting. All fields quote scale.
//
// Invariant: Available >= 0 at all times. Total economic exposure =
// on-chain custody + Mode2Adjustment - order holds - position margin.
type UserBalance struct {
	Trader common.Address

	// Available is the tradable balance: deposits plus realized gains minus
	// holds and margin.
	Available int64

	// UsedMargin is the sum of open positions' collateral.
	UsedMargin int64

	// OrderHold is margin+fee reserved for resting orders.
	OrderHold int64

	// WalletBalance mirrors the trader's wallet for display; it is not
	// tradable until deposited.
	WalletBalance int64

	// Mode2Adjustment accumulates off-chain realized events (fills, funding,
	// ADL, liquidation) that never touch the chain in real time. It
	// reconciles on-chain custody with off-chain state and must move
	// atomically with the balance mutation it mirrors.
	Mode2Adjustment int64
}

// Total returns available + used margin + order holds.
func (b *UserBalance) Total() int64 {
	return b.Available + b.UsedMargin + b.OrderHold
}
