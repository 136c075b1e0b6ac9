package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/subscription"
)

type transformer struct {
	table *subscription.Table
}

func newTransformer() *transformer { return &transformer{} }

func (t *transformer) Install(table *subscription.Table) { t.table = table }

type matchFrame struct {
	Type      string    `json:"type"`
	TradeID   int64     `json:"trade_id"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Side      string    `json:"side"`
	Time      time.Time `json:"time"`
}

type tickerFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Sequence  int64  `json:"sequence"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

func (t *transformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	var head struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}

	switch head.Type {
	case "match", "last_match":
		return t.transformMatch(raw, head.ProductID, receivedAt)
	case "ticker":
		return t.transformTicker(raw, head.ProductID, receivedAt)
	default:
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("coinbase: unhandled frame type %q", head.Type)}
	}
}

func (t *transformer) transformMatch(raw []byte, productID string, receivedAt time.Time) ([]event.AnyEvent, error) {
	sub, ok := t.table.Lookup(subscription.ID("matches:" + productID))
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no route for product %q", productID)}
	}

	var f matchFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("price: %w", err)}
	}
	size, err := decimal.NewFromString(f.Size)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("size: %w", err)}
	}

	// Coinbase's match "side" names the maker's resting order side; the
	// taker (aggressor) traded the opposite side, matching this module's
	// aggressor-side convention.
	side := event.Sell
	if f.Side == "sell" {
		side = event.Buy
	}

	exchTS := f.Time
	me := event.MarketEvent[event.TradePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Trade,
		Payload: event.TradePayload{
			ID:       fmt.Sprintf("%d", f.TradeID),
			Price:    price,
			Quantity: size,
			Side:     side,
		},
		ReceivedAt: receivedAt,
		ExchangeTS: &exchTS,
	}
	return []event.AnyEvent{event.WrapTrade(me)}, nil
}

func (t *transformer) transformTicker(raw []byte, productID string, receivedAt time.Time) ([]event.AnyEvent, error) {
	sub, ok := t.table.Lookup(subscription.ID("ticker:" + productID))
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no route for product %q", productID)}
	}

	var f tickerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	bid, err := decimal.NewFromString(f.BestBid)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("best_bid: %w", err)}
	}
	ask, err := decimal.NewFromString(f.BestAsk)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("best_ask: %w", err)}
	}

	me := event.MarketEvent[event.OrderBookL1Payload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.OrderBookL1,
		Payload: event.OrderBookL1Payload{
			BestBid: event.Level{Price: bid},
			BestAsk: event.Level{Price: ask},
		},
		ReceivedAt: receivedAt,
	}
	return []event.AnyEvent{event.WrapOrderBookL1(me)}, nil
}
