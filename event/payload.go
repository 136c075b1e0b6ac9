package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataKind enumerates the normalized stream kinds a Subscription can ask for.
type DataKind int

const (
	Trade DataKind = iota
	Candle
	OrderBookL1
	OrderBookL2Delta
	Liquidation
)

func (k DataKind) String() string {
	switch k {
	case Trade:
		return "trade"
	case Candle:
		return "candle"
	case OrderBookL1:
		return "orderbook_l1"
	case OrderBookL2Delta:
		return "orderbook_l2_delta"
	case Liquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Side is the aggressor/maker side of a trade or liquidation, always
// normalized to the aggressor's direction.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// TradePayload is a single executed trade.
type TradePayload struct {
	ID       string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     Side
}

// Valid enforces price > 0 and quantity > 0.
func (t TradePayload) Valid() bool {
	return t.Price.IsPositive() && t.Quantity.IsPositive()
}

// CandlePayload is an OHLCV bar, possibly still forming.
type CandlePayload struct {
	Open, High, Low, Close decimal.Decimal
	Volume                 decimal.Decimal
	TradeCount             int64
	Start, End             time.Time
	Closed                 bool
}

// Valid enforces low <= {open, close} <= high and end > start.
func (c CandlePayload) Valid() bool {
	if c.End.Before(c.Start) || c.End.Equal(c.Start) {
		return false
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	return true
}

// Level is a single order book price/quantity pair.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookDeltaPayload carries one sequenced book update.
type OrderBookDeltaPayload struct {
	Sequence uint64
	Bids     []Level
	Asks     []Level
}

// OrderBookL1Payload is the best-bid/best-ask tick some venues emit as a
// dedicated lightweight channel distinct from full L2 deltas.
type OrderBookL1Payload struct {
	BestBid, BestAsk Level
}

// LiquidationPayload mirrors TradePayload's shape: every venue that emits
// forced liquidations frames them as a trade print tagged with a side and a
// timestamp. See SPEC_FULL.md for the reasoning behind modeling it analogously
// to Trade.
type LiquidationPayload struct {
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}
