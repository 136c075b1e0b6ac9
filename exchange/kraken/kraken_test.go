package kraken

import (
	"testing"
	"time"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

func TestConnectorURLRejectsNonSpot(t *testing.T) {
	c := &connector{}
	subs := []subscription.Subscription{{
		Exchange:   instrument.Kraken,
		Instrument: instrument.New("XBT", "USD", instrument.KindFuturePerpetual()),
		Data:       event.Candle,
	}}
	if _, err := c.URL(subs); err == nil {
		t.Fatal("expected unsupported instrument mix error")
	}
}

func TestRequestsGroupByChannel(t *testing.T) {
	c := &connector{}
	subs := []subscription.Subscription{
		{Exchange: instrument.Kraken, Instrument: instrument.New("XBT", "USD", instrument.KindSpot()), Data: event.Candle, Interval: time.Minute},
		{Exchange: instrument.Kraken, Instrument: instrument.New("ETH", "USD", instrument.KindSpot()), Data: event.Trade},
	}
	reqs, err := c.Requests(subs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
}

// TestTransformOHLC_S2 subscribes (Kraken, XBT, USD, Spot, Candle(1m)),
// injects a documented ohlc array frame, and expects a fully-formed closed
// candle.
func TestTransformOHLC_S2(t *testing.T) {
	sub := subscription.Subscription{
		Exchange:   instrument.Kraken,
		Instrument: instrument.New("XBT", "USD", instrument.KindSpot()),
		Data:       event.Candle,
		Interval:   time.Minute,
	}
	table := subscription.NewTable()
	if err := table.Install("ohlc-1-XBT/USD", sub); err != nil {
		t.Fatalf("install: %v", err)
	}

	tr := newTransformer()
	tr.Install(table)
	tr.routeChannel(0, "ohlc-1-XBT/USD")

	frame := []byte(`[0,["1700000000","1700000060","50000","50100","49950","50050","50020","10","5"],"ohlc-1","XBT/USD"]`)

	// receivedAt is after the candle's end time, so the transformer should
	// mark it closed under the self-contained elapsed-time rule.
	receivedAt := time.Unix(1700000120, 0)
	events, err := tr.Transform(frame, receivedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}

	c := events[0].Candle
	if c == nil {
		t.Fatal("expected a Candle payload")
	}
	if c.Open.String() != "50000" || c.High.String() != "50100" || c.Low.String() != "49950" || c.Close.String() != "50050" {
		t.Fatalf("unexpected OHLC: %+v", c)
	}
	if c.Volume.String() != "5" {
		t.Fatalf("unexpected volume: %s", c.Volume)
	}
	if !c.Closed {
		t.Fatal("expected candle to be closed")
	}
	if !c.Start.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected start: %v", c.Start)
	}
	if !c.End.Equal(time.Unix(1700000060, 0)) {
		t.Fatalf("unexpected end: %v", c.End)
	}
}

func TestTransformOHLC_UnknownChannel(t *testing.T) {
	table := subscription.NewTable()
	tr := newTransformer()
	tr.Install(table)

	frame := []byte(`[99,["1700000000","1700000060","1","1","1","1","1","1","1"],"ohlc-1","XBT/USD"]`)
	events, err := tr.Transform(frame, time.Now())
	if err == nil {
		t.Fatal("expected unknown-channel error")
	}
	if len(events) != 0 {
		t.Fatalf("expected zero events, got %d", len(events))
	}
}

func TestTransformTradeRows(t *testing.T) {
	sub := subscription.Subscription{
		Exchange:   instrument.Kraken,
		Instrument: instrument.New("XBT", "USD", instrument.KindSpot()),
		Data:       event.Trade,
	}
	table := subscription.NewTable()
	_ = table.Install("trade-XBT/USD", sub)
	tr := newTransformer()
	tr.Install(table)
	tr.routeChannel(2, "trade-XBT/USD")

	frame := []byte(`[2,[["50000.1","0.01","1700000000.5","b","m",""]],"trade","XBT/USD"]`)
	events, err := tr.Transform(frame, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	tr0 := events[0].Trade
	if tr0 == nil {
		t.Fatal("expected a Trade payload")
	}
	if tr0.Side != event.Buy {
		t.Fatalf("expected Buy for side 'b', got %s", tr0.Side)
	}
	if tr0.Price.String() != "50000.1" {
		t.Fatalf("unexpected price: %s", tr0.Price)
	}
}

// TestClassifyUnsubscribed covers exchange-initiated unsubscribe: Kraken
// reports this as a subscriptionStatus frame with status "unsubscribed",
// which must classify as FrameUnsubscribed carrying the same routing id
// subscribe acks use, not as an ordinary ack.
func TestClassifyUnsubscribed(t *testing.T) {
	c := &connector{}
	frame := []byte(`{"channelID":1,"channelName":"ohlc-1","event":"subscriptionStatus","pair":"XBT/USD","status":"unsubscribed","subscription":{"interval":1,"name":"ohlc"}}`)

	classified := c.Classify(frame)
	if classified.Kind != exchange.FrameUnsubscribed {
		t.Fatalf("expected FrameUnsubscribed, got %v", classified.Kind)
	}
	if classified.SubID != "ohlc-1-XBT/USD" {
		t.Fatalf("unexpected routing id: %s", classified.SubID)
	}
}
