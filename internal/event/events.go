// Package event defines the in-process publish/subscribe surface between
// the matching-engine collaborator, the risk core, and outbound consumers.
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Topic names used on the bus.
const (
	TopicPriceChanged = "price.changed"
	TopicTrade        = "trade.matched"
	TopicLiquidation  = "risk.liquidation"
	TopicADL          = "risk.adl"
	TopicFunding      = "funding.settled"
	TopicSnapshot     = "snapshot.taken"
	TopicRiskAlert    = "risk.alert"
)

// PriceChanged is published by the matching-engine collaborator on every
// mark-price move.
type PriceChanged struct {
	Instrument string
	OldPrice   int64
	NewPrice   int64
	Timestamp  time.Time
}

// MatchedTrade is one fill produced by the external matching engine.
type MatchedTrade struct {
	TradeID      uuid.UUID
	Instrument   string
	LongTrader   common.Address
	ShortTrader  common.Address
	LongOrderID  uuid.UUID
	ShortOrderID uuid.UUID
	Size         int64 // quantity scale
	Price        int64 // price scale
	Timestamp    time.Time
}

// TradeType distinguishes voluntary closes from forced ones in the
// trade/ledger record a position mutation leaves behind.
type TradeType string

const (
	TradeTypeClose TradeType = "close"
	TradeTypeADL   TradeType = "adl"
)

// LiquidationOutcome is broadcast after a liquidation commits.
type LiquidationOutcome struct {
	Trader        common.Address
	Instrument    string
	Side          string
	Size          int64
	MarkPrice     int64
	ResidualMargin int64 // forfeited to insurance; zero on bankruptcy
	Deficit        int64 // > 0 on bankruptcy
	InsurancePaid  int64
	ADLConsumed    int64
	Socialized     int64
	PlatformLoss   int64
	Timestamp      time.Time
}

// ADLFill is one counter-party reduction inside an ADL pass.
type ADLFill struct {
	Trader      common.Address
	Instrument  string
	Side        string
	AmountTaken int64 // quote scale, recorded as negative realized PnL
	SizeClosed  int64 // quantity scale
	FullyClosed bool
	Timestamp   time.Time
}

// FundingSettled is broadcast after one instrument's funding settlement.
type FundingSettled struct {
	Instrument string
	Rate       int64 // rate scale, signed
	Collected  int64 // quote scale, total debited from the paying side
	Payers     int
	Timestamp  time.Time
}

// SnapshotTaken is broadcast when a new equity snapshot becomes current.
type SnapshotTaken struct {
	SnapshotID uint64
	Root       common.Hash
	LeafCount  int
	Timestamp  time.Time
}

// RiskAlert notifies a trader that their position changed tier or was
// forcibly closed.
type RiskAlert struct {
	Trader     common.Address
	Instrument string
	Tier       string
	Kind       string // "tier_change" | "liquidated" | "adl"
	Timestamp  time.Time
}
