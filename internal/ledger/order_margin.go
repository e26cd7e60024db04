package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OrderMarginInfo records the margin and fee reserved for one order,
// supporting partial fills and proportional refund on cancel. Settled
// amounts are tracked explicitly so a fill sequence consumes exactly the
// reservation: intermediate fills take proportional truncated slices, the
// last fill takes whatever remains.
type OrderMarginInfo struct {
	OrderID    uuid.UUID
	Trader     common.Address
	Instrument string
	Side       Side

	Margin   int64 // quote scale, reserved for the full order
	Fee      int64 // quote scale, reserved for the full order
	Leverage int64 // whole multiples, carried to the opened position

	TotalSize     int64 // quantity scale
	SettledSize   int64 // quantity scale, sum of fills settled so far
	SettledMargin int64 // quote scale, margin consumed by fills so far
	SettledFee    int64 // quote scale, fee consumed by fills so far

	CreatedAt time.Time
}

// UnfilledMargin returns the reserved margin not yet consumed by fills.
func (o *OrderMarginInfo) UnfilledMargin() int64 {
	return o.Margin - o.SettledMargin
}

// UnfilledFee returns the reserved fee not yet consumed by fills.
func (o *OrderMarginInfo) UnfilledFee() int64 {
	return o.Fee - o.SettledFee
}

// Remaining returns the unfilled size.
func (o *OrderMarginInfo) Remaining() int64 {
	return o.TotalSize - o.SettledSize
}

// Settle consumes the reservation slice covering fillSize and returns the
// margin and fee portions. The final fill takes the exact remainder, so
// any fill sequence conserves the reservation to the unit.
func (o *OrderMarginInfo) Settle(fillSize int64) (marginPart, feePart int64) {
	if o.TotalSize == 0 || fillSize <= 0 {
		return 0, 0
	}
	if o.SettledSize+fillSize >= o.TotalSize {
		marginPart = o.UnfilledMargin()
		feePart = o.UnfilledFee()
	} else {
		marginPart = o.Margin * fillSize / o.TotalSize
		feePart = o.Fee * fillSize / o.TotalSize
	}
	o.SettledSize += fillSize
	o.SettledMargin += marginPart
	o.SettledFee += feePart
	return marginPart, feePart
}
