// Package ingest consumes the matching engine's output from NATS
// JetStream: matched trades and mark-price updates. Each subject has its
// own durable consumer so the two feeds scale and redeliver independently.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/core"
	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

const (
	TradeStream   = "RISK_TRADES"
	TradeSubject  = "risk.trades.>"
	PriceStream   = "RISK_PRICES"
	PriceSubject  = "risk.prices.>"
	tradeConsumer = "riskcore-trades"
	priceConsumer = "riskcore-prices"
)

// tradeMessage is the wire form of a matched trade.
type tradeMessage struct {
	TradeID      string `json:"tradeId"`
	Instrument   string `json:"instrument"`
	LongTrader   string `json:"longTrader"`
	ShortTrader  string `json:"shortTrader"`
	LongOrderID  string `json:"longOrderId"`
	ShortOrderID string `json:"shortOrderId"`
	Size         int64  `json:"size"`
	Price        int64  `json:"price"`
	Timestamp    int64  `json:"timestamp"` // unix millis
}

// priceMessage is the wire form of a mark-price update.
type priceMessage struct {
	Instrument string `json:"instrument"`
	Price      int64  `json:"price"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// Subscriber feeds JetStream messages into the core and the event bus.
type Subscriber struct {
	js        jetstream.JetStream
	core      *core.Core
	bus       *event.Bus
	log       zerolog.Logger
	metrics   *observability.Metrics
	consumers []jetstream.ConsumeContext

	lastPrice map[string]int64
}

func NewSubscriber(js jetstream.JetStream, c *core.Core, bus *event.Bus, log zerolog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		js:        js,
		core:      c,
		bus:       bus,
		log:       log,
		metrics:   metrics,
		lastPrice: make(map[string]int64),
	}
}

// EnsureStreams creates the required streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      TradeStream,
			Subjects:  []string{TradeSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      PriceStream,
			Subjects:  []string{PriceSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Subscribe creates both durable consumers. Explicit ACK; a failed trade
// is NAKed for redelivery, a malformed one is ACKed and dropped (it will
// never parse better next time).
func (s *Subscriber) Subscribe(ctx context.Context) error {
	if err := s.consume(ctx, TradeStream, TradeSubject, tradeConsumer, s.handleTrade); err != nil {
		return err
	}
	return s.consume(ctx, PriceStream, PriceSubject, priceConsumer, s.handlePrice)
}

func (s *Subscriber) consume(ctx context.Context, stream, subject, durable string, handler func(context.Context, jetstream.Msg)) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	s.consumers = append(s.consumers, cc)
	s.log.Info().Str("subject", subject).Str("consumer", durable).Msg("subscribed")
	return nil
}

func (s *Subscriber) handleTrade(ctx context.Context, msg jetstream.Msg) {
	var m tradeMessage
	if err := json.Unmarshal(msg.Data(), &m); err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed trade message dropped")
		msg.Ack()
		return
	}
	trade, err := m.toEvent()
	if err != nil {
		s.log.Error().Err(err).Str("tradeId", m.TradeID).Msg("invalid trade message dropped")
		msg.Ack()
		return
	}
	if err := s.core.ProcessTrade(ctx, trade); err != nil {
		s.log.Error().Err(err).Str("tradeId", m.TradeID).Msg("trade processing failed, will redeliver")
		msg.Nak()
		return
	}
	msg.Ack()
}

func (s *Subscriber) handlePrice(_ context.Context, msg jetstream.Msg) {
	var m priceMessage
	if err := json.Unmarshal(msg.Data(), &m); err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed price message dropped")
		msg.Ack()
		return
	}
	old := s.lastPrice[m.Instrument]
	s.lastPrice[m.Instrument] = m.Price
	s.bus.Publish(event.TopicPriceChanged, event.PriceChanged{
		Instrument: m.Instrument,
		OldPrice:   old,
		NewPrice:   m.Price,
		Timestamp:  time.UnixMilli(m.Timestamp),
	})
	msg.Ack()
}

// Drain stops all consumers.
func (s *Subscriber) Drain() {
	for _, cc := range s.consumers {
		cc.Drain()
	}
}

func (m tradeMessage) toEvent() (event.MatchedTrade, error) {
	tradeID, err := uuid.Parse(m.TradeID)
	if err != nil {
		return event.MatchedTrade{}, fmt.Errorf("trade id: %w", err)
	}
	longOrder, err := uuid.Parse(m.LongOrderID)
	if err != nil {
		return event.MatchedTrade{}, fmt.Errorf("long order id: %w", err)
	}
	shortOrder, err := uuid.Parse(m.ShortOrderID)
	if err != nil {
		return event.MatchedTrade{}, fmt.Errorf("short order id: %w", err)
	}
	if !common.IsHexAddress(m.LongTrader) || !common.IsHexAddress(m.ShortTrader) {
		return event.MatchedTrade{}, fmt.Errorf("bad trader address")
	}
	if m.Size <= 0 || m.Price <= 0 {
		return event.MatchedTrade{}, fmt.Errorf("non-positive size or price")
	}
	return event.MatchedTrade{
		TradeID:      tradeID,
		Instrument:   m.Instrument,
		LongTrader:   common.HexToAddress(m.LongTrader),
		ShortTrader:  common.HexToAddress(m.ShortTrader),
		LongOrderID:  longOrder,
		ShortOrderID: shortOrder,
		Size:         m.Size,
		Price:        m.Price,
		Timestamp:    time.UnixMilli(m.Timestamp),
	}, nil
}
