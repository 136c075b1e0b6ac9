// Package coinbase implements the exchange.Connector and exchange.Transformer
// capability set for Coinbase's public spot WebSocket feed: venue identity
// and wire field naming (ProductID/BestBid/BestAsk/Sequence) follow this
// module's house style, with the subscribe handshake and match/ticker
// parsing built against Coinbase's own documented channel shapes.
package coinbase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

func init() {
	exchange.Register(instrument.Coinbase, func() (exchange.Connector, exchange.Transformer) {
		return &connector{}, newTransformer()
	})
}

type connector struct{}

func (c *connector) URL(subs []subscription.Subscription) (string, error) {
	for _, s := range subs {
		if s.Instrument.Kind.Tag != instrument.Spot {
			return "", exchange.ErrUnsupportedInstrumentMix
		}
	}
	return "wss://ws-feed.exchange.coinbase.com", nil
}

func productID(i instrument.Instrument) string {
	return strings.ToUpper(string(i.Base)) + "-" + strings.ToUpper(string(i.Quote))
}

func channelFor(d event.DataKind) (string, error) {
	switch d {
	case event.Trade:
		return "matches", nil
	case event.OrderBookL1:
		return "ticker", nil
	default:
		return "", fmt.Errorf("coinbase: unsupported data kind %s", d)
	}
}

func (c *connector) Requests(subs []subscription.Subscription) ([]exchange.SubscribeRequest, error) {
	byChannel := map[string][]subscription.Subscription{}
	for _, s := range subs {
		ch, err := channelFor(s.Data)
		if err != nil {
			return nil, err
		}
		byChannel[ch] = append(byChannel[ch], s)
	}

	var reqs []exchange.SubscribeRequest
	for ch, group := range byChannel {
		products := make([]string, 0, len(group))
		seen := map[string]bool{}
		for _, s := range group {
			pid := productID(s.Instrument)
			if !seen[pid] {
				products = append(products, pid)
				seen[pid] = true
			}
		}
		body, err := json.Marshal(struct {
			Type       string   `json:"type"`
			ProductIDs []string `json:"product_ids"`
			Channels   []string `json:"channels"`
		}{Type: "subscribe", ProductIDs: products, Channels: []string{ch}})
		if err != nil {
			return nil, fmt.Errorf("coinbase: marshal subscribe: %w", err)
		}
		for _, s := range group {
			reqs = append(reqs, exchange.SubscribeRequest{
				Sub:  s,
				ID:   subscription.ID(ch + ":" + productID(s.Instrument)),
				Body: body,
			})
		}
	}
	return reqs, nil
}

func (c *connector) ExpectedAcks(subs []subscription.Subscription) exchange.AckExpectation {
	// Coinbase acks each subscribe message with one "subscriptions" frame
	// listing every channel/product pair that succeeded. Requests sends one
	// message per distinct channel, so one ack per distinct channel
	// satisfies the whole batch.
	channels := map[string]struct{}{}
	for _, s := range subs {
		ch, err := channelFor(s.Data)
		if err == nil {
			channels[ch] = struct{}{}
		}
	}
	return exchange.AckExpectation{Count: len(channels)}
}

func (c *connector) Classify(frame []byte) exchange.Classified {
	var head struct {
		Type     string `json:"type"`
		Message  string `json:"message"`
		Reason   string `json:"reason"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}

	switch head.Type {
	case "subscriptions":
		return exchange.Classified{Kind: exchange.FrameSubscribed}
	case "error":
		return exchange.Classified{Kind: exchange.FrameError, ErrorMessage: head.Message + ": " + head.Reason, Fatal: true}
	case "match", "last_match", "ticker":
		return exchange.Classified{Kind: exchange.FrameData, Raw: frame}
	case "heartbeat":
		return exchange.Classified{Kind: exchange.FrameControl}
	default:
		return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
	}
}

// PingSchedule reports no client-initiated pings: Coinbase's exchange feed
// relies on protocol-level WebSocket pings answered by gorilla/websocket's
// transport layer, same as Binance.
func (c *connector) PingSchedule() (exchange.PingSchedule, bool) {
	return exchange.PingSchedule{}, false
}

func (c *connector) Limits() exchange.Limits {
	return exchange.Limits{MaxStreamsPerConnection: 100}
}
