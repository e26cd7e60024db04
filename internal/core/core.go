// Package core ties the ledger, accountant, and risk machinery into the
// operations the transport layer and the matching-engine feed call:
// order admission, fill settlement, voluntary close, collateral
// adjustment.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/chain"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/fixed"
	"github.com/whha111/meme-perp-dex-sub000/internal/insurance"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

var (
	ErrOrderExpired    = errors.New("order expired")
	ErrInvalidLeverage = errors.New("invalid leverage")
	ErrInvalidSize     = errors.New("invalid size")
)

const (
	// feeRate is the taker fee at ratio scale: 0.05%.
	feeRate int64 = 500

	// baseMaintenanceRate at ratio scale: 0.5%, capped per leverage at
	// position creation.
	baseMaintenanceRate int64 = 5_000

	maxLeverage int64 = 100
)

// OrderRequest is an order submission from the transport layer.
type OrderRequest struct {
	OrderID    uuid.UUID
	Trader     common.Address
	Instrument string
	Side       ledger.Side
	Size       int64 // quantity scale
	Price      int64 // price scale, limit price used for margin sizing
	Leverage   int64
	Deadline   time.Time

	TakeProfitPrice int64
	StopLossPrice   int64
}

// Core is the operation surface over the shared ledger.
type Core struct {
	store      *ledger.Store
	accountant *margin.Accountant
	fund       *insurance.Fund
	client     chain.Client
	bus        *event.Bus
	log        zerolog.Logger
	metrics    *observability.Metrics

	// triggers is touched by the HTTP handlers and the trade consumer.
	trigMu   sync.Mutex
	triggers map[uuid.UUID]triggerPrices
}

type triggerPrices struct {
	takeProfit int64
	stopLoss   int64
}

func New(store *ledger.Store, accountant *margin.Accountant, fund *insurance.Fund, client chain.Client, bus *event.Bus, log zerolog.Logger, metrics *observability.Metrics) *Core {
	return &Core{
		store:      store,
		accountant: accountant,
		fund:       fund,
		client:     client,
		bus:        bus,
		log:        log,
		metrics:    metrics,
		triggers:   make(map[uuid.UUID]triggerPrices),
	}
}

// SubmitOrder admits an order: deadline check, margin+fee reservation,
// with one synchronous auto-deposit attempt on shortfall. The order must
// not reach the matching engine unless this returns nil.
func (c *Core) SubmitOrder(ctx context.Context, req OrderRequest) error {
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return ErrOrderExpired
	}
	if req.Size <= 0 || req.Price <= 0 {
		return ErrInvalidSize
	}
	if req.Leverage <= 0 || req.Leverage > maxLeverage {
		return ErrInvalidLeverage
	}

	notional := fixed.Notional(req.Size, req.Price)
	orderMargin := notional / req.Leverage
	fee := fixed.MulDiv(notional, feeRate, fixed.RatioOne)

	info := &ledger.OrderMarginInfo{
		OrderID:    req.OrderID,
		Trader:     req.Trader,
		Instrument: req.Instrument,
		Side:       req.Side,
		Margin:     orderMargin,
		Fee:        fee,
		Leverage:   req.Leverage,
		TotalSize:  req.Size,
	}

	err := c.accountant.DeductOrderAmount(ctx, info)
	if errors.Is(err, margin.ErrInsufficientBalance) {
		// One synchronous auto-deposit attempt: the order is not admitted
		// without funds reserved, so this call is allowed to block.
		shortfall := orderMargin + fee - c.store.Balance(req.Trader).Available
		if depErr := c.client.Deposit(ctx, req.Trader, shortfall); depErr != nil {
			return err
		}
		if _, crErr := c.accountant.AdjustBalance(ctx, req.Trader, shortfall, margin.ReasonDeposit); crErr != nil {
			return err
		}
		err = c.accountant.DeductOrderAmount(ctx, info)
	}
	if err != nil {
		return err
	}

	if req.TakeProfitPrice > 0 || req.StopLossPrice > 0 {
		c.trigMu.Lock()
		c.triggers[req.OrderID] = triggerPrices{
			takeProfit: req.TakeProfitPrice,
			stopLoss:   req.StopLossPrice,
		}
		c.trigMu.Unlock()
	}
	c.log.Debug().Str("order", req.OrderID.String()).Str("trader", req.Trader.Hex()).
		Str("instrument", req.Instrument).Int64("margin", orderMargin).Int64("fee", fee).
		Msg("order admitted")
	return nil
}

// CancelOrder refunds the unfilled reservation. The order was rejected or
// withdrawn before (fully) matching.
func (c *Core) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	c.trigMu.Lock()
	delete(c.triggers, orderID)
	c.trigMu.Unlock()
	return c.accountant.RefundOrderAmount(ctx, orderID)
}

// ProcessTrade settles one fill from the matching engine on both sides.
func (c *Core) ProcessTrade(ctx context.Context, trade event.MatchedTrade) error {
	if err := c.applyFill(ctx, trade, ledger.SideLong, trade.LongTrader, trade.LongOrderID); err != nil {
		return fmt.Errorf("long side of trade %s: %w", trade.TradeID, err)
	}
	if err := c.applyFill(ctx, trade, ledger.SideShort, trade.ShortTrader, trade.ShortOrderID); err != nil {
		return fmt.Errorf("short side of trade %s: %w", trade.TradeID, err)
	}
	if c.metrics != nil {
		c.metrics.TradesIngested.WithLabelValues(trade.Instrument).Inc()
	}
	if c.bus != nil {
		c.bus.Publish(event.TopicTrade, trade)
	}
	return nil
}

// applyFill settles one side of a matched trade: consume the order
// reservation, route the fee, then net against an opposite position or
// open/merge a same-side one.
func (c *Core) applyFill(ctx context.Context, trade event.MatchedTrade, side ledger.Side, trader common.Address, orderID uuid.UUID) error {
	info, err := c.store.Order(orderID)
	if err != nil {
		return err
	}
	leverage := info.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	marginPart, feePart, err := c.accountant.SettleOrderMargin(ctx, orderID, trade.Size)
	if err != nil {
		return err
	}
	if feePart > 0 {
		// Fees fund the loss waterfall.
		c.fund.Contribute(feePart, "", "trade_fee")
	}

	// The netting read and the upsert must see the same position: without
	// the position lock a concurrent liquidation could remove it between
	// the two and be undone by the stale pointer.
	return c.accountant.WithPosition(ctx, trader, trade.Instrument, func() error {
		remaining := trade.Size
		collateral := marginPart

		// Net against an existing opposite-side position first.
		if opp, err := c.store.Position(trader, trade.Instrument); err == nil && opp.Side == side.Opposite() {
			closeQty := remaining
			if closeQty > opp.Size {
				closeQty = opp.Size
			}
			if err := c.reducePosition(ctx, opp, closeQty, trade.Price, event.TradeTypeClose); err != nil {
				return err
			}
			remaining -= closeQty
			if remaining == 0 {
				// Entire fill was a close; the reserved margin is surplus.
				if collateral > 0 {
					if err := c.accountant.ReleaseMargin(ctx, trader, collateral); err != nil {
						return err
					}
				}
				return nil
			}
			// Collateral scales to the still-opening remainder.
			release := fixed.MulDiv(collateral, closeQty, trade.Size)
			if release > 0 {
				if err := c.accountant.ReleaseMargin(ctx, trader, release); err != nil {
					return err
				}
				collateral -= release
			}
		}

		return c.openOrMerge(ctx, trade, side, trader, orderID, remaining, collateral, leverage)
	})
}

// openOrMerge opens a new position or merges into the existing same-side
// one by weighted-average entry price.
func (c *Core) openOrMerge(ctx context.Context, trade event.MatchedTrade, side ledger.Side, trader common.Address, orderID uuid.UUID, size, collateral, leverage int64) error {
	if size <= 0 {
		return nil
	}
	now := time.Now()

	p, err := c.store.Position(trader, trade.Instrument)
	if err == nil && p.Side == side {
		p.EntryPrice = fixed.AvgEntryPrice(p.Size, p.EntryPrice, size, trade.Price)
		p.Size += size
		p.Collateral += collateral
		p.Refresh(trade.Price)
		c.store.UpsertPosition(p)
		return nil
	}

	p = &ledger.Position{
		ID:              uuid.New(),
		Trader:          trader,
		Instrument:      trade.Instrument,
		Side:            side,
		Size:            size,
		EntryPrice:      trade.Price,
		Collateral:      collateral,
		Leverage:        leverage,
		MaintenanceRate: ledger.MaintenanceRateFor(leverage, baseMaintenanceRate),
		CreatedAt:       now,
	}
	c.trigMu.Lock()
	trig, ok := c.triggers[orderID]
	if ok {
		delete(c.triggers, orderID)
	}
	c.trigMu.Unlock()
	if ok {
		p.TakeProfitPrice = trig.takeProfit
		p.StopLossPrice = trig.stopLoss
	}
	p.Refresh(trade.Price)
	c.store.UpsertPosition(p)
	return nil
}

// reducePosition realizes a partial or full close at price.
func (c *Core) reducePosition(ctx context.Context, p *ledger.Position, closeQty, price int64, tradeType event.TradeType) error {
	pnl := fixed.PnL(p.Side.Sign(), price, p.EntryPrice, closeQty)
	releasedCollateral := fixed.MulDiv(p.Collateral, closeQty, p.Size)

	if err := c.accountant.ReleaseMargin(ctx, p.Trader, releasedCollateral); err != nil {
		return err
	}
	reason := margin.ReasonClosePnL
	if tradeType == event.TradeTypeADL {
		reason = margin.ReasonADLPnL
	}
	if _, err := c.accountant.AdjustBalance(ctx, p.Trader, pnl, reason); err != nil {
		return err
	}

	if closeQty >= p.Size {
		c.store.RemovePosition(p.Trader, p.Instrument)
		return nil
	}
	p.Size -= closeQty
	p.Collateral -= releasedCollateral
	p.RealizedPnL += pnl
	p.Refresh(price)
	c.store.UpsertPosition(p)
	return nil
}

// ClosePosition fully closes a position at its current mark.
func (c *Core) ClosePosition(ctx context.Context, trader common.Address, instrument string) error {
	return c.accountant.WithPosition(ctx, trader, instrument, func() error {
		p, err := c.store.Position(trader, instrument)
		if err != nil {
			return err
		}
		return c.reducePosition(ctx, p, p.Size, p.MarkPrice, event.TradeTypeClose)
	})
}

// AddCollateral moves available balance into a position's collateral,
// lowering effective leverage and the liquidation price.
func (c *Core) AddCollateral(ctx context.Context, trader common.Address, instrument string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidSize
	}
	return c.accountant.WithPosition(ctx, trader, instrument, func() error {
		p, err := c.store.Position(trader, instrument)
		if err != nil {
			return err
		}
		if err := c.accountant.LockMargin(ctx, trader, amount); err != nil {
			return err
		}
		p.Collateral += amount
		recomputeLeverage(p)
		p.Refresh(p.MarkPrice)
		c.store.UpsertPosition(p)
		return nil
	})
}

// RemoveCollateral releases collateral back to available balance. Refused
// when the slimmer position would sit at high risk or worse.
func (c *Core) RemoveCollateral(ctx context.Context, trader common.Address, instrument string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidSize
	}
	return c.accountant.WithPosition(ctx, trader, instrument, func() error {
		p, err := c.store.Position(trader, instrument)
		if err != nil {
			return err
		}
		if amount >= p.Collateral {
			return margin.ErrInsufficientBalance
		}

		trimmed := *p
		trimmed.Collateral -= amount
		trimmed.Refresh(trimmed.MarkPrice)
		if trimmed.Tier >= ledger.RiskHigh {
			return fmt.Errorf("%w: removal would leave margin ratio at %s risk",
				margin.ErrInsufficientBalance, trimmed.Tier)
		}

		if err := c.accountant.ReleaseMargin(ctx, trader, amount); err != nil {
			return err
		}
		p.Collateral -= amount
		recomputeLeverage(p)
		p.Refresh(p.MarkPrice)
		c.store.UpsertPosition(p)
		return nil
	})
}

// recomputeLeverage re-derives effective leverage and the maintenance rate
// after a collateral change.
func recomputeLeverage(p *ledger.Position) {
	if p.Collateral <= 0 {
		return
	}
	notional := fixed.Notional(p.Size, p.EntryPrice)
	lev := notional / p.Collateral
	if lev < 1 {
		lev = 1
	}
	if lev > maxLeverage {
		lev = maxLeverage
	}
	p.Leverage = lev
	p.MaintenanceRate = ledger.MaintenanceRateFor(lev, baseMaintenanceRate)
}
