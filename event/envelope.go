package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronofeed/marketdata/instrument"
)

// ConnectionID identifies one supervised connection's lifetime. Generation
// increments on every reconnect for a given exchange.
type ConnectionID struct {
	Exchange   instrument.ExchangeID
	Generation uint64
}

// generationCounters tracks the next generation per exchange, process-wide.
var generationCounters sync.Map

// NextConnectionID returns a fresh, monotonically increasing ConnectionID
// for the given exchange.
func NextConnectionID(exchange instrument.ExchangeID) ConnectionID {
	v, _ := generationCounters.LoadOrStore(exchange, new(uint64))
	counter := v.(*uint64)
	gen := atomic.AddUint64(counter, 1)
	return ConnectionID{Exchange: exchange, Generation: gen}
}

// MarketEvent is the normalized envelope delivered to consumers. Payload is
// one of TradePayload, CandlePayload, OrderBookDeltaPayload,
// OrderBookL1Payload, or LiquidationPayload — see AnyEvent for the
// multiplexed sum-type wrapper used once data kinds are merged onto one
// channel.
type MarketEvent[P any] struct {
	Exchange   instrument.ExchangeID
	Instrument instrument.Instrument
	Kind       DataKind
	Payload    P
	ReceivedAt time.Time
	ExchangeTS *time.Time
	Connection ConnectionID
}

// AnyEvent is the closed sum type used wherever mixed data kinds must share
// one channel (the Multiplexer's JoinMap). Exactly one of the payload
// pointers is non-nil, selected by Kind. DESIGN.md records the choice of a
// pointer-field sum type over a parameterized stream as a deliberate
// tradeoff.
type AnyEvent struct {
	Exchange    instrument.ExchangeID
	Instrument  instrument.Instrument
	Kind        DataKind
	ReceivedAt  time.Time
	ExchangeTS  *time.Time
	Connection  ConnectionID
	Trade       *TradePayload
	Candle      *CandlePayload
	OrderBookL1 *OrderBookL1Payload
	OrderBook   *OrderBookDeltaPayload
	Liquidation *LiquidationPayload
}

func wrap[P any](kind DataKind, e MarketEvent[P], assign func(*AnyEvent, P)) AnyEvent {
	out := AnyEvent{
		Exchange:   e.Exchange,
		Instrument: e.Instrument,
		Kind:       kind,
		ReceivedAt: e.ReceivedAt,
		ExchangeTS: e.ExchangeTS,
		Connection: e.Connection,
	}
	assign(&out, e.Payload)
	return out
}

// WrapTrade lifts a MarketEvent[TradePayload] into the AnyEvent sum type.
func WrapTrade(e MarketEvent[TradePayload]) AnyEvent {
	return wrap(Trade, e, func(a *AnyEvent, p TradePayload) { a.Trade = &p })
}

// WrapCandle lifts a MarketEvent[CandlePayload] into the AnyEvent sum type.
func WrapCandle(e MarketEvent[CandlePayload]) AnyEvent {
	return wrap(Candle, e, func(a *AnyEvent, p CandlePayload) { a.Candle = &p })
}

// WrapOrderBookL1 lifts a MarketEvent[OrderBookL1Payload] into the AnyEvent sum type.
func WrapOrderBookL1(e MarketEvent[OrderBookL1Payload]) AnyEvent {
	return wrap(OrderBookL1, e, func(a *AnyEvent, p OrderBookL1Payload) { a.OrderBookL1 = &p })
}

// WrapOrderBook lifts a MarketEvent[OrderBookDeltaPayload] into the AnyEvent sum type.
func WrapOrderBook(e MarketEvent[OrderBookDeltaPayload]) AnyEvent {
	return wrap(OrderBookL2Delta, e, func(a *AnyEvent, p OrderBookDeltaPayload) { a.OrderBook = &p })
}

// WrapLiquidation lifts a MarketEvent[LiquidationPayload] into the AnyEvent sum type.
func WrapLiquidation(e MarketEvent[LiquidationPayload]) AnyEvent {
	return wrap(Liquidation, e, func(a *AnyEvent, p LiquidationPayload) { a.Liquidation = &p })
}

// Reconnected is the shape of a reconnect sentinel: DroppedInstruments
// lists instruments whose subscriptions could not be re-established on the
// new connection. No component of this module emits it; ExchangeStream
// reports a reconnect only as a StreamError on its Errors channel.
type Reconnected struct {
	Exchange           instrument.ExchangeID
	Connection         ConnectionID
	DroppedInstruments []instrument.Instrument
}
