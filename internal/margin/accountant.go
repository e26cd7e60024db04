// Package margin implements the Margin Accountant, the only mutation path
// into the ledger store for balances and order-margin reservations.
package margin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/lock"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Reason classifies a balance adjustment. Off-chain realized reasons also
// move the Mode-2 adjustment accumulator in the same critical section: the
// accumulator and the balance are two views of one fact.
type Reason string

const (
	ReasonDeposit         Reason = "deposit"
	ReasonWithdraw        Reason = "withdraw"
	ReasonFundingFee      Reason = "funding_fee"
	ReasonClosePnL        Reason = "close_pnl"
	ReasonADLPnL          Reason = "adl_pnl"
	ReasonLiquidationLoss Reason = "liquidation_loss"
	ReasonSocializedLoss  Reason = "socialized_loss"
	ReasonTradeFee        Reason = "trade_fee"
)

// offChainRealized reports whether the reason represents an off-chain
// realized event that must be mirrored into the Mode-2 accumulator.
func (r Reason) offChainRealized() bool {
	switch r {
	case ReasonFundingFee, ReasonClosePnL, ReasonADLPnL,
		ReasonLiquidationLoss, ReasonSocializedLoss, ReasonTradeFee:
		return true
	}
	return false
}

const lockTTL = 3 * time.Second

// Accountant serializes all balance and order-margin mutations under a
// keyed lock: by trader for deposit/withdraw races, by order id for
// cancel-vs-fill races. The lock scope is as narrow as the resource.
type Accountant struct {
	store   *ledger.Store
	locker  lock.Locker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewAccountant(store *ledger.Store, locker lock.Locker, log zerolog.Logger, metrics *observability.Metrics) *Accountant {
	return &Accountant{store: store, locker: locker, log: log, metrics: metrics}
}

func traderKey(t common.Address) string { return "trader:" + t.Hex() }
func orderKey(id uuid.UUID) string      { return "order:" + id.String() }

func positionKey(t common.Address, instrument string) string {
	return "position:" + t.Hex() + ":" + instrument
}

// withLock runs fn under the keyed lock, translating retry exhaustion into
// ErrSystemBusy for the caller.
func (a *Accountant) withLock(ctx context.Context, key, scope string, fn func() error) error {
	start := time.Now()
	h, err := a.locker.Acquire(ctx, key, lockTTL)
	if a.metrics != nil {
		a.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.LockAcquireFail.WithLabelValues(scope).Inc()
		}
		return err
	}
	defer a.locker.Release(h)
	return fn()
}

// WithPosition serializes a read-mutate-write sequence on one
// trader-instrument position. Fills, liquidation, ADL, funding settlement,
// and collateral adjustments all run their position mutations inside this
// lock so a position removed mid-sequence cannot be resurrected from a
// stale pointer. Balance mutations inside fn take the trader or order key;
// the position key is always the outermost of the three, and fn must never
// nest a second position key.
func (a *Accountant) WithPosition(ctx context.Context, trader common.Address, instrument string, fn func() error) error {
	return a.withLock(ctx, positionKey(trader, instrument), "position", fn)
}

func (a *Accountant) count(op string) {
	if a.metrics != nil {
		a.metrics.BalanceMutations.WithLabelValues(op).Inc()
	}
}

// DeductOrderAmount reserves margin+fee for a new order. It fails with
// ErrInsufficientBalance when the trader's available balance cannot cover
// the reservation; the caller must not enqueue the order.
func (a *Accountant) DeductOrderAmount(ctx context.Context, info *ledger.OrderMarginInfo) error {
	return a.withLock(ctx, traderKey(info.Trader), "trader", func() error {
		b := a.store.Balance(info.Trader)
		required := info.Margin + info.Fee
		if b.Available < required {
			return fmt.Errorf("%w: have=%d need=%d", ErrInsufficientBalance, b.Available, required)
		}
		b.Available -= required
		b.OrderHold += required
		info.CreatedAt = time.Now()
		a.store.PutOrder(info)
		a.count("deduct_order")
		return nil
	})
}

// RefundOrderAmount returns the unfilled proportion of an order's
// reservation to the trader and retires the record. Settled portions were
// already consumed by fills, so partial fills never double-refund.
func (a *Accountant) RefundOrderAmount(ctx context.Context, orderID uuid.UUID) error {
	return a.withLock(ctx, orderKey(orderID), "order", func() error {
		info, err := a.store.Order(orderID)
		if err != nil {
			return err
		}
		refund := info.UnfilledMargin() + info.UnfilledFee()
		b := a.store.Balance(info.Trader)
		b.OrderHold -= refund
		b.Available += refund
		a.store.RemoveOrder(orderID)
		a.count("refund_order")
		return nil
	})
}

// SettleOrderMargin consumes the reservation slice covering fillSize and
// returns the margin portion (which becomes position collateral) and the
// fee portion. Fully settled orders are retired.
func (a *Accountant) SettleOrderMargin(ctx context.Context, orderID uuid.UUID, fillSize int64) (marginPart, feePart int64, err error) {
	err = a.withLock(ctx, orderKey(orderID), "order", func() error {
		info, lookupErr := a.store.Order(orderID)
		if lookupErr != nil {
			return lookupErr
		}
		if fillSize > info.Remaining() {
			return fmt.Errorf("fill %d exceeds unfilled size %d for order %s",
				fillSize, info.Remaining(), orderID)
		}

		marginPart, feePart = info.Settle(fillSize)

		b := a.store.Balance(info.Trader)
		b.OrderHold -= marginPart + feePart
		b.UsedMargin += marginPart

		if info.SettledSize >= info.TotalSize {
			a.store.RemoveOrder(orderID)
		}
		a.count("settle_order")
		return nil
	})
	return marginPart, feePart, err
}

// LockMargin moves amount from available into used margin (collateral
// backing a position opened outside the order-reservation path, or added
// to an open position).
func (a *Accountant) LockMargin(ctx context.Context, trader common.Address, amount int64) error {
	return a.withLock(ctx, traderKey(trader), "trader", func() error {
		b := a.store.Balance(trader)
		if b.Available < amount {
			return fmt.Errorf("%w: have=%d need=%d", ErrInsufficientBalance, b.Available, amount)
		}
		b.Available -= amount
		b.UsedMargin += amount
		a.count("lock_margin")
		return nil
	})
}

// ReleaseMargin returns amount from used margin to available (position
// close or collateral removal).
func (a *Accountant) ReleaseMargin(ctx context.Context, trader common.Address, amount int64) error {
	return a.withLock(ctx, traderKey(trader), "trader", func() error {
		b := a.store.Balance(trader)
		if b.UsedMargin < amount {
			return fmt.Errorf("release %d exceeds used margin %d for %s",
				amount, b.UsedMargin, trader.Hex())
		}
		b.UsedMargin -= amount
		b.Available += amount
		a.count("release_margin")
		return nil
	})
}

// ForfeitMargin removes amount from used margin with no refund: the
// liquidation penalty path. The forfeited value is the caller's to route
// (insurance fund contribution).
func (a *Accountant) ForfeitMargin(ctx context.Context, trader common.Address, amount int64) error {
	return a.withLock(ctx, traderKey(trader), "trader", func() error {
		b := a.store.Balance(trader)
		if b.UsedMargin < amount {
			return fmt.Errorf("forfeit %d exceeds used margin %d for %s",
				amount, b.UsedMargin, trader.Hex())
		}
		b.UsedMargin -= amount
		b.Mode2Adjustment -= amount
		a.count("forfeit_margin")
		return nil
	})
}

// AdjustBalance applies a signed delta to the trader's available balance.
// Debits are capped at the available balance (availableBalance >= 0 is an
// invariant); the actually applied delta is returned. Off-chain realized
// reasons move the Mode-2 accumulator atomically with the balance.
func (a *Accountant) AdjustBalance(ctx context.Context, trader common.Address, delta int64, reason Reason) (applied int64, err error) {
	err = a.withLock(ctx, traderKey(trader), "trader", func() error {
		b := a.store.Balance(trader)
		applied = delta
		if delta < 0 && b.Available+delta < 0 {
			applied = -b.Available
			a.log.Warn().Str("trader", trader.Hex()).Str("reason", string(reason)).
				Int64("requested", delta).Int64("applied", applied).
				Msg("balance debit capped at available")
		}
		b.Available += applied
		if reason.offChainRealized() {
			b.Mode2Adjustment += applied
		}
		a.count(string(reason))
		return nil
	})
	return applied, err
}

// CreditWallet updates the wallet-visible (informational) balance.
func (a *Accountant) CreditWallet(ctx context.Context, trader common.Address, delta int64) error {
	return a.withLock(ctx, traderKey(trader), "trader", func() error {
		b := a.store.Balance(trader)
		b.WalletBalance += delta
		return nil
	})
}
