// Package binance implements the exchange.Connector and exchange.Transformer
// capability set for Binance spot and USD-margined futures: standard
// URL/dial conventions plus the combined-stream subscribe envelope
// Binance's public WebSocket API documents.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

func init() {
	exchange.Register(instrument.BinanceSpot, func() (exchange.Connector, exchange.Transformer) {
		c := &connector{host: "stream.binance.com:9443", id: instrument.BinanceSpot, kind: instrument.Spot}
		return c, newTransformer()
	})
	exchange.Register(instrument.BinanceFuturesUSD, func() (exchange.Connector, exchange.Transformer) {
		c := &connector{host: "fstream.binance.com", id: instrument.BinanceFuturesUSD, kind: instrument.FuturePerpetual}
		return c, newTransformer()
	})
}

type connector struct {
	host string
	id   instrument.ExchangeID
	kind instrument.KindTag

	nextReqID int64
}

func (c *connector) URL(subs []subscription.Subscription) (string, error) {
	if len(subs) == 0 {
		return "", fmt.Errorf("binance: no subscriptions")
	}
	streams := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Instrument.Kind.Tag != c.kind {
			return "", exchange.ErrUnsupportedInstrumentMix
		}
		name, err := streamName(s)
		if err != nil {
			return "", err
		}
		streams = append(streams, name)
	}
	return fmt.Sprintf("wss://%s/stream?streams=%s", c.host, strings.Join(streams, "/")), nil
}

func (c *connector) Requests(subs []subscription.Subscription) ([]exchange.SubscribeRequest, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(subs))
	reqs := make([]exchange.SubscribeRequest, 0, len(subs))
	for _, s := range subs {
		name, err := streamName(s)
		if err != nil {
			return nil, err
		}
		params = append(params, name)
		reqs = append(reqs, exchange.SubscribeRequest{Sub: s, ID: subscription.ID(name)})
	}

	reqID := atomic.AddInt64(&c.nextReqID, 1)
	body, err := json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: "SUBSCRIBE", Params: params, ID: reqID})
	if err != nil {
		return nil, fmt.Errorf("binance: marshal subscribe: %w", err)
	}

	// Binance acks the whole batch in a single frame; each SubscribeRequest
	// carries the same wire body so the ExchangeStream only sends it once
	// (it de-duplicates identical bodies before writing).
	for i := range reqs {
		reqs[i].Body = body
	}
	return reqs, nil
}

func (c *connector) ExpectedAcks(subs []subscription.Subscription) exchange.AckExpectation {
	if len(subs) == 0 {
		return exchange.AckExpectation{Count: 0}
	}
	return exchange.AckExpectation{Count: 1}
}

func (c *connector) Classify(frame []byte) exchange.Classified {
	var ack struct {
		Result json.RawMessage `json:"result"`
		ID     *int64          `json:"id"`
	}
	if err := json.Unmarshal(frame, &ack); err == nil && ack.ID != nil {
		return exchange.Classified{Kind: exchange.FrameSubscribed}
	}

	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &combined); err == nil && combined.Stream != "" {
		return exchange.Classified{Kind: exchange.FrameData, Raw: frame}
	}

	var errFrame struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(frame, &errFrame); err == nil && errFrame.Code != 0 {
		return exchange.Classified{Kind: exchange.FrameError, ErrorCode: fmt.Sprintf("%d", errFrame.Code), ErrorMessage: errFrame.Msg, Fatal: errFrame.Code == -1013}
	}

	return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
}

// PingSchedule reports no client-initiated pings: Binance's combined-stream
// endpoint sends protocol-level WebSocket pings that gorilla/websocket
// answers automatically at the transport layer.
func (c *connector) PingSchedule() (exchange.PingSchedule, bool) {
	return exchange.PingSchedule{}, false
}

func (c *connector) Limits() exchange.Limits {
	return exchange.Limits{MaxStreamsPerConnection: 1024}
}

func streamName(s subscription.Subscription) (string, error) {
	symbol := strings.ToLower(string(s.Instrument.Base)) + strings.ToLower(string(s.Instrument.Quote))
	switch s.Data {
	case event.Trade:
		return symbol + "@trade", nil
	case event.Candle:
		return symbol + "@kline_" + intervalToBinance(s.Interval), nil
	default:
		return "", fmt.Errorf("binance: unsupported data kind %s", s.Data)
	}
}

func intervalToBinance(d time.Duration) string {
	switch {
	case d <= time.Minute:
		return "1m"
	case d <= 3*time.Minute:
		return "3m"
	case d <= 5*time.Minute:
		return "5m"
	case d <= 15*time.Minute:
		return "15m"
	case d <= 30*time.Minute:
		return "30m"
	case d <= time.Hour:
		return "1h"
	case d <= 4*time.Hour:
		return "4h"
	case d <= 24*time.Hour:
		return "1d"
	default:
		return "1w"
	}
}
