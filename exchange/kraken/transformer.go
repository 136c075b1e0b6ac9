package kraken

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/subscription"
)

type transformer struct {
	table *subscription.Table
	// channelRoute maps Kraken's numeric channel id (assigned at
	// subscriptionStatus ack time) back to the routing id installed in the
	// table. Transform routes a data frame by its leading channel id alone;
	// the channel name and pair that follow the payload are not consulted.
	channelRoute map[int64]subscription.ID
}

func newTransformer() *transformer {
	return &transformer{channelRoute: map[int64]subscription.ID{}}
}

func (t *transformer) Install(table *subscription.Table) { t.table = table }

// routeChannel records the numeric channel id Kraken assigned to a
// previously-installed routing id, learned from a subscriptionStatus ack.
// The sibling connector's Classify calls this as acks arrive during the
// Subscribing phase
// (grounded on websocket.go's channelID-to-pair map, built the same way).
func (t *transformer) routeChannel(channelID int64, id subscription.ID) {
	t.channelRoute[channelID] = id
}

func (t *transformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("kraken: not an array-framed data message")}
	}

	var channelID int64
	if err := json.Unmarshal(arr[0], &channelID); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}

	id, ok := t.channelRoute[channelID]
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no route for channel id %d", channelID)}
	}
	sub, ok := t.table.Lookup(id)
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no subscription for routing id %s", id)}
	}

	switch sub.Data {
	case event.Candle:
		return t.transformOHLC(arr[1], sub, receivedAt)
	case event.Trade:
		return t.transformTrade(arr[1], sub, receivedAt)
	default:
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("unsupported data kind for channel %d", channelID)}
	}
}

// transformOHLC parses Kraken's ohlc payload, a flat array
//
//	[time, etime, open, high, low, close, vwap, count, volume]
//
// where time/etime are fractional unix seconds bracketing the candle, and
// the candle is "closed" once a later update for the same channel carries a
// newer start time than this one — Kraken never sends an explicit closed
// flag, unlike Binance, a per-venue divergence the Transformer must paper
// over. Since a single frame cannot know about the next one, this
// transformer treats every OHLC update as tentative (Closed: false) except
// when etime has already elapsed relative to receivedAt, which is the only
// self-contained signal available.
func (t *transformer) transformOHLC(raw json.RawMessage, sub subscription.Subscription, receivedAt time.Time) ([]event.AnyEvent, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 9 {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("kraken: malformed ohlc payload")}
	}

	startSec, err := parseFloatString(fields[0])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	endSec, err := parseFloatString(fields[1])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	open, err := parseDecimalString(fields[2])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	high, err := parseDecimalString(fields[3])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	low, err := parseDecimalString(fields[4])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	closeP, err := parseDecimalString(fields[5])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	// fields[6] is vwap, unused here. The channel's final two entries are
	// count then volume: fields[7] is the trade count, fields[8] the volume.
	volume, err := parseDecimalString(fields[8])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	count, err := parseFloatString(fields[7])
	if err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}

	start := secondsToTime(startSec)
	end := secondsToTime(endSec)

	me := event.MarketEvent[event.CandlePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Candle,
		Payload: event.CandlePayload{
			Open: open, High: high, Low: low, Close: closeP,
			Volume:     volume,
			TradeCount: int64(count),
			Start:      start,
			End:        end,
			Closed:     !receivedAt.Before(end),
		},
		ReceivedAt: receivedAt,
		ExchangeTS: &end,
	}
	return []event.AnyEvent{event.WrapCandle(me)}, nil
}

func (t *transformer) transformTrade(raw json.RawMessage, sub subscription.Subscription, receivedAt time.Time) ([]event.AnyEvent, error) {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("kraken: malformed trade payload: %w", err)}
	}

	events := make([]event.AnyEvent, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
		}
		tsSec, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
		}
		side := event.Buy
		if row[3] == "s" {
			side = event.Sell
		}

		ts := secondsToTime(tsSec)
		me := event.MarketEvent[event.TradePayload]{
			Exchange:   sub.Exchange,
			Instrument: sub.Instrument,
			Kind:       event.Trade,
			Payload: event.TradePayload{
				ID:       fmt.Sprintf("%d-%s", ts.UnixNano(), row[0]),
				Price:    price,
				Quantity: qty,
				Side:     side,
			},
			ReceivedAt: receivedAt,
			ExchangeTS: &ts,
		}
		events = append(events, event.WrapTrade(me))
	}
	return events, nil
}

func parseFloatString(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("kraken: not a number: %s", raw)
	}
	return f, nil
}

func parseDecimalString(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return decimal.Decimal{}, fmt.Errorf("kraken: not a decimal: %s", raw)
	}
	return decimal.NewFromFloat(f), nil
}

func secondsToTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*1e9))
}
