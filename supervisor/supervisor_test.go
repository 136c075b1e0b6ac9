package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

func testSubs(id instrument.ExchangeID, n int) []subscription.Subscription {
	subs := make([]subscription.Subscription, n)
	for i := range subs {
		subs[i] = subscription.Subscription{
			Exchange:   id,
			Instrument: instrument.New(instrument.Asset(string(rune('A'+i))), "USDT", instrument.KindSpot()),
			Data:       event.Trade,
		}
	}
	return subs
}

func TestBatchSplitsRespectingLimit(t *testing.T) {
	subs := testSubs("test_batch", 5)
	chunks := batch(subs, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c) > 2 {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 5 {
		t.Fatalf("expected every subscription preserved, got %d of 5", total)
	}
}

func TestBatchNoLimitIsOneChunk(t *testing.T) {
	subs := testSubs("test_batch", 5)
	chunks := batch(subs, 0)
	if len(chunks) != 1 || len(chunks[0]) != 5 {
		t.Fatalf("expected one chunk of 5, got %v", chunks)
	}
}

// mockServer is the same minimal controllable WebSocket peer pattern used by
// stream_test.go: an httptest.Server with a gorilla/websocket.Upgrader the
// test can drive directly.
type mockServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockServer() *mockServer {
	m := &mockServer{upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handle)
	m.server = httptest.NewServer(mux)
	return m
}

// handle upgrades the connection and auto-acks every subscribe frame it
// receives, so Supervisor.Init's synchronous handshake wait resolves without
// needing a test goroutine racing Init to send acks by hand.
func (m *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &frame); err == nil && frame.Type == "subscribe" {
			ack, _ := json.Marshal(map[string]string{"type": "ack", "id": frame.ID})
			_ = conn.WriteMessage(websocket.TextMessage, ack)
		}
	}
}

func (m *mockServer) url() string { return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/ws" }
func (m *mockServer) close()      { m.server.Close() }

func (m *mockServer) broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.WriteMessage(websocket.TextMessage, frame)
	}
}

func (m *mockServer) waitForConn(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.conns)
		m.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for server-side connection")
}

// fakeConnector is a trivial test-only exchange.Connector, independent of
// any real venue's wire format.
type fakeConnector struct{ url string }

func (f *fakeConnector) URL([]subscription.Subscription) (string, error) { return f.url, nil }

func (f *fakeConnector) Requests(subs []subscription.Subscription) ([]exchange.SubscribeRequest, error) {
	reqs := make([]exchange.SubscribeRequest, 0, len(subs))
	for _, s := range subs {
		body, _ := json.Marshal(map[string]string{"type": "subscribe", "id": s.Instrument.Key()})
		reqs = append(reqs, exchange.SubscribeRequest{Sub: s, ID: subscription.ID(s.Instrument.Key()), Body: body})
	}
	return reqs, nil
}

func (f *fakeConnector) ExpectedAcks(subs []subscription.Subscription) exchange.AckExpectation {
	return exchange.AckExpectation{Count: len(subs)}
}

func (f *fakeConnector) Classify(frame []byte) exchange.Classified {
	var head struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}
	switch head.Type {
	case "ack":
		return exchange.Classified{Kind: exchange.FrameSubscribed, SubID: subscription.ID(head.ID)}
	case "data":
		return exchange.Classified{Kind: exchange.FrameData, Raw: frame}
	default:
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}
}

func (f *fakeConnector) PingSchedule() (exchange.PingSchedule, bool) { return exchange.PingSchedule{}, false }
func (f *fakeConnector) Limits() exchange.Limits                    { return exchange.Limits{MaxStreamsPerConnection: 100} }

// panicTransformer always panics on Transform, standing in for a broken
// venue-specific parser.
type panicTransformer struct{ table *subscription.Table }

func (p *panicTransformer) Install(table *subscription.Table) { p.table = table }
func (p *panicTransformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	panic("simulated transformer failure")
}

// okTransformer routes "data" frames back to a Trade event, proving this
// exchange keeps delivering regardless of what happens to its sibling.
type okTransformer struct{ table *subscription.Table }

func (o *okTransformer) Install(table *subscription.Table) { o.table = table }
func (o *okTransformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	var frame struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	sub, ok := o.table.Lookup(subscription.ID(frame.ID))
	if !ok {
		return nil, nil
	}
	me := event.MarketEvent[event.TradePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Trade,
		Payload:    event.TradePayload{ID: frame.ID},
	}
	return []event.AnyEvent{event.WrapTrade(me)}, nil
}

func TestNoCrossExchangeContamination(t *testing.T) {
	brokenExchange := instrument.ExchangeID("test_broken")
	healthyExchange := instrument.ExchangeID("test_healthy")

	brokenSrv := newMockServer()
	defer brokenSrv.close()
	healthySrv := newMockServer()
	defer healthySrv.close()

	exchange.Register(brokenExchange, func() (exchange.Connector, exchange.Transformer) {
		return &fakeConnector{url: brokenSrv.url()}, &panicTransformer{}
	})
	exchange.Register(healthyExchange, func() (exchange.Connector, exchange.Transformer) {
		return &fakeConnector{url: healthySrv.url()}, &okTransformer{}
	})

	cfg := DefaultConfig()
	cfg.Stream.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Stream.ReconnectCapDelay = 20 * time.Millisecond
	cfg.InitTimeout = 2 * time.Second
	sv := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokenSub := testSubs(brokenExchange, 1)[0]
	healthySub := testSubs(healthyExchange, 1)[0]

	streams, err := sv.Init(ctx, map[instrument.ExchangeID][]subscription.Subscription{
		brokenExchange:  {brokenSub},
		healthyExchange: {healthySub},
	})
	if err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	defer streams.Close()

	dataBody := func(sub subscription.Subscription) []byte {
		b, _ := json.Marshal(map[string]string{"type": "data", "id": sub.Instrument.Key()})
		return b
	}
	brokenSrv.broadcast(dataBody(brokenSub))

	healthyCh, ok := streams.Select(healthyExchange)
	if !ok {
		t.Fatal("expected healthy exchange channel to be selectable")
	}

	deadline := time.After(2 * time.Second)
	for i := 0; i < 3; i++ {
		healthySrv.broadcast(dataBody(healthySub))
		select {
		case e := <-healthyCh:
			if e.Trade == nil {
				t.Fatalf("unexpected event shape: %+v", e)
			}
		case <-deadline:
			t.Fatal("healthy exchange stopped delivering after sibling transformer panicked")
		}
	}
}
