package binance

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

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	// IsBuyerMaker: true means the buyer was the resting (maker) order, so
	// the seller was the aggressor — a sell trade. false means the buyer
	// was the aggressor — a buy trade.
	IsBuyerMaker bool `json:"m"`
}

type klineFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime  int64  `json:"t"`
		EndTime    int64  `json:"T"`
		Open       string `json:"o"`
		Close      string `json:"c"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Volume     string `json:"v"`
		NumTrades  int64  `json:"n"`
		IsClosed   bool   `json:"x"`
	} `json:"k"`
}

func (t *transformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	var combined combinedFrame
	if err := json.Unmarshal(raw, &combined); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}

	sub, ok := t.table.Lookup(subscription.ID(combined.Stream))
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no route for stream %q", combined.Stream)}
	}

	switch sub.Data {
	case event.Trade:
		return t.transformTrade(combined.Data, sub, receivedAt)
	case event.Candle:
		return t.transformKline(combined.Data, sub, receivedAt)
	default:
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("unsupported data kind for stream %q", combined.Stream)}
	}
}

func (t *transformer) transformTrade(data json.RawMessage, sub subscription.Subscription, receivedAt time.Time) ([]event.AnyEvent, error) {
	var f tradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("price: %w", err)}
	}
	qty, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("quantity: %w", err)}
	}

	side := event.Buy
	if f.IsBuyerMaker {
		side = event.Sell
	}

	exchTS := time.UnixMilli(f.TradeTime)
	me := event.MarketEvent[event.TradePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Trade,
		Payload: event.TradePayload{
			ID:       fmt.Sprintf("%d", f.TradeID),
			Price:    price,
			Quantity: qty,
			Side:     side,
		},
		ReceivedAt: receivedAt,
		ExchangeTS: &exchTS,
	}
	return []event.AnyEvent{event.WrapTrade(me)}, nil
}

func (t *transformer) transformKline(data json.RawMessage, sub subscription.Subscription, receivedAt time.Time) ([]event.AnyEvent, error) {
	var f klineFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}

	open, err1 := decimal.NewFromString(f.Kline.Open)
	high, err2 := decimal.NewFromString(f.Kline.High)
	low, err3 := decimal.NewFromString(f.Kline.Low)
	closeP, err4 := decimal.NewFromString(f.Kline.Close)
	volume, err5 := decimal.NewFromString(f.Kline.Volume)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
		}
	}

	me := event.MarketEvent[event.CandlePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Candle,
		Payload: event.CandlePayload{
			Open: open, High: high, Low: low, Close: closeP,
			Volume:     volume,
			TradeCount: f.Kline.NumTrades,
			Start:      time.UnixMilli(f.Kline.StartTime),
			End:        time.UnixMilli(f.Kline.EndTime),
			Closed:     f.Kline.IsClosed,
		},
		ReceivedAt: receivedAt,
	}
	return []event.AnyEvent{event.WrapCandle(me)}, nil
}
