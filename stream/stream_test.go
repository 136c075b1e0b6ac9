package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

// mockServer is a minimal controllable WebSocket server: an httptest.Server
// paired with a gorilla websocket.Upgrader.
type mockServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received [][]byte
	conns    []*websocket.Conn
}

func newMockServer() *mockServer {
	m := &mockServer{upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handle)
	m.server = httptest.NewServer(mux)
	return m
}

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
		m.mu.Lock()
		m.received = append(m.received, data)
		m.mu.Unlock()
	}
}

func (m *mockServer) url() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/ws"
}

func (m *mockServer) close() { m.server.Close() }

func (m *mockServer) broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.WriteMessage(websocket.TextMessage, frame)
	}
}

func (m *mockServer) receivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func (m *mockServer) lastReceived() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.received) == 0 {
		return nil, false
	}
	return m.received[len(m.received)-1], true
}

func (m *mockServer) closeConns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

// fakeConnector implements exchange.Connector against the mockServer for
// test purposes, independent of any real venue's wire format.
type fakeConnector struct {
	url     string
	hasPing bool
}

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
		Type    string `json:"type"`
		ID      string `json:"id"`
		Payload []byte `json:"payload"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}
	switch head.Type {
	case "ack":
		return exchange.Classified{Kind: exchange.FrameSubscribed, SubID: subscription.ID(head.ID)}
	case "data":
		return exchange.Classified{Kind: exchange.FrameData, Raw: frame}
	case "ping":
		// Server-initiated application-level ping, distinct from this
		// venue's own client-initiated keepalive (PingSchedule below).
		return exchange.Classified{Kind: exchange.FramePing, PingPayload: head.Payload}
	case "unsubscribe":
		return exchange.Classified{Kind: exchange.FrameUnsubscribed, SubID: subscription.ID(head.ID)}
	default:
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}
}

func (f *fakeConnector) PingSchedule() (exchange.PingSchedule, bool) {
	if !f.hasPing {
		return exchange.PingSchedule{}, false
	}
	return exchange.PingSchedule{
		Interval: 20 * time.Millisecond,
		Payload:  func() []byte { b, _ := json.Marshal(map[string]string{"type": "ping"}); return b },
	}, true
}

func (f *fakeConnector) Limits() exchange.Limits { return exchange.Limits{MaxStreamsPerConnection: 100} }

// fakeTransformer routes "data" frames carrying an "id" field back to their
// Subscription and emits a trivial Trade payload, enough to prove events
// flow end to end through the state machine.
type fakeTransformer struct {
	table *subscription.Table
}

func (f *fakeTransformer) Install(table *subscription.Table) { f.table = table }

func (f *fakeTransformer) Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error) {
	var frame struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &exchange.TransformError{Kind: exchange.TransformParse, Err: err}
	}
	sub, ok := f.table.Lookup(subscription.ID(frame.ID))
	if !ok {
		return nil, &exchange.TransformError{Kind: exchange.TransformUnknownSubscription, Err: fmt.Errorf("no route for id %q", frame.ID)}
	}
	me := event.MarketEvent[event.TradePayload]{
		Exchange:   sub.Exchange,
		Instrument: sub.Instrument,
		Kind:       event.Trade,
		Payload:    event.TradePayload{ID: frame.ID, Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)},
		ReceivedAt: receivedAt,
	}
	return []event.AnyEvent{event.WrapTrade(me)}, nil
}

func testSub() subscription.Subscription {
	return subscription.Subscription{
		Exchange:   instrument.BinanceSpot,
		Instrument: instrument.New("BTC", "USDT", instrument.KindSpot()),
		Data:       event.Trade,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectCapDelay = 20 * time.Millisecond
	cfg.StableResetAfter = time.Hour
	cfg.LivenessTimeout = 150 * time.Millisecond
	return cfg
}

func TestStreamHandshakeThenDeliversEvent(t *testing.T) {
	srv := newMockServer()
	defer srv.close()

	sub := testSub()
	connector := &fakeConnector{url: srv.url()}
	s := New(instrument.BinanceSpot, connector, &fakeTransformer{}, []subscription.Subscription{sub}, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForServerConn(t, srv)
	ackBody, _ := json.Marshal(map[string]string{"type": "ack", "id": sub.Instrument.Key()})
	srv.broadcast(ackBody)

	waitForState(t, s, Active)

	dataBody, _ := json.Marshal(map[string]string{"type": "data", "id": sub.Instrument.Key()})
	srv.broadcast(dataBody)

	select {
	case e := <-s.Events():
		if e.Trade == nil || e.Trade.ID != sub.Instrument.Key() {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestStreamLivenessTimeoutTriggersReconnect(t *testing.T) {
	srv := newMockServer()
	defer srv.close()

	sub := testSub()
	connector := &fakeConnector{url: srv.url()}
	cfg := testConfig()
	cfg.LivenessTimeout = 40 * time.Millisecond
	s := New(instrument.BinanceSpot, connector, &fakeTransformer{}, []subscription.Subscription{sub}, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForServerConn(t, srv)
	ackBody, _ := json.Marshal(map[string]string{"type": "ack", "id": sub.Instrument.Key()})
	srv.broadcast(ackBody)
	waitForState(t, s, Active)

	// No further frames sent: liveness timeout should fire and reconnect.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Reconnects >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one reconnect after liveness timeout")
}

func TestStreamClientPingSentPeriodically(t *testing.T) {
	srv := newMockServer()
	defer srv.close()

	sub := testSub()
	connector := &fakeConnector{url: srv.url(), hasPing: true}
	s := New(instrument.BinanceSpot, connector, &fakeTransformer{}, []subscription.Subscription{sub}, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForServerConn(t, srv)
	ackBody, _ := json.Marshal(map[string]string{"type": "ack", "id": sub.Instrument.Key()})
	srv.broadcast(ackBody)
	waitForState(t, s, Active)

	before := srv.receivedCount()
	time.Sleep(100 * time.Millisecond)
	after := srv.receivedCount()
	if after <= before {
		t.Fatalf("expected client-initiated pings to arrive at the server, before=%d after=%d", before, after)
	}
}

// TestPingTriggersImmediatePong injects a ping frame with payload
// [0xDE,0xAD] and expects a pong frame with the same payload on the wire,
// with no MarketEvent produced from it.
func TestPingTriggersImmediatePong(t *testing.T) {
	srv := newMockServer()
	defer srv.close()

	sub := testSub()
	connector := &fakeConnector{url: srv.url()}
	s := New(instrument.BinanceSpot, connector, &fakeTransformer{}, []subscription.Subscription{sub}, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForServerConn(t, srv)
	ackBody, _ := json.Marshal(map[string]string{"type": "ack", "id": sub.Instrument.Key()})
	srv.broadcast(ackBody)
	waitForState(t, s, Active)

	payload := []byte{0xDE, 0xAD}
	pingBody, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Payload []byte `json:"payload"`
	}{Type: "ping", Payload: payload})

	before := srv.receivedCount()
	srv.broadcast(pingBody)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.receivedCount() > before {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	last, ok := srv.lastReceived()
	if !ok || string(last) != string(payload) {
		t.Fatalf("expected a pong frame carrying payload %v on the wire, got %v (ok=%v)", payload, last, ok)
	}

	select {
	case e := <-s.Events():
		t.Fatalf("expected no MarketEvent from a ping frame, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestExchangeUnsubscribeEmptiesTableAndEscalates covers exchange-initiated
// unsubscribe: with exactly one subscription on this connection, an
// unsubscribe frame empties the routing table and must escalate to a
// reconnect (a fresh ConnectionId generation).
func TestExchangeUnsubscribeEmptiesTableAndEscalates(t *testing.T) {
	srv := newMockServer()
	defer srv.close()

	sub := testSub()
	connector := &fakeConnector{url: srv.url()}
	s := New(instrument.BinanceSpot, connector, &fakeTransformer{}, []subscription.Subscription{sub}, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForServerConn(t, srv)
	ackBody, _ := json.Marshal(map[string]string{"type": "ack", "id": sub.Instrument.Key()})
	srv.broadcast(ackBody)
	waitForState(t, s, Active)

	unsubBody, _ := json.Marshal(map[string]string{"type": "unsubscribe", "id": sub.Instrument.Key()})
	srv.broadcast(unsubBody)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Reconnects >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the emptied routing table to escalate to a reconnect")
}

func waitForServerConn(t *testing.T, srv *mockServer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for server-side connection")
}

func waitForState(t *testing.T, s *ExchangeStream, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, s.State())
}
