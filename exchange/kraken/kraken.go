// Package kraken implements the exchange.Connector and exchange.Transformer
// capability set for Kraken's public spot WebSocket feed: array-framed
// channel messages, subscriptionStatus acks, a client-side ping
// requirement, and Kraken's own OHLC/ticker field shapes.
package kraken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

func init() {
	exchange.Register(instrument.Kraken, func() (exchange.Connector, exchange.Transformer) {
		tr := newTransformer()
		return &connector{routeChannel: tr.routeChannel}, tr
	})
}

// connector carries routeChannel, a callback into the sibling Transformer
// created by the same factory call, so a subscriptionStatus ack classified
// here can record the numeric channel id the Transformer needs later — the
// two halves of one connection's capability pair share this one piece of
// mutable state, same as websocket.go's connector keeps its channel map
// next to its message dispatch.
type connector struct {
	routeChannel func(channelID int64, id subscription.ID)
}

func (c *connector) URL(subs []subscription.Subscription) (string, error) {
	for _, s := range subs {
		if s.Instrument.Kind.Tag != instrument.Spot {
			return "", exchange.ErrUnsupportedInstrumentMix
		}
	}
	return "wss://ws.kraken.com", nil
}

// wirePair renders an Instrument the way Kraken spells it on the wire, e.g.
// "XBT/USD". Kraken uses XBT for bitcoin; callers are expected to supply the
// base asset already in Kraken's own spelling. Symbol normalization is
// one-way on input: the Transformer never rebuilds exchange symbols from
// inbound frames.
func wirePair(i instrument.Instrument) string {
	return fmt.Sprintf("%s/%s", strings.ToUpper(string(i.Base)), strings.ToUpper(string(i.Quote)))
}

func subName(d event.DataKind) (string, error) {
	switch d {
	case event.Trade:
		return "trade", nil
	case event.Candle:
		return "ohlc", nil
	case event.OrderBookL2Delta:
		return "book", nil
	default:
		return "", fmt.Errorf("kraken: unsupported data kind %s", d)
	}
}

func (c *connector) Requests(subs []subscription.Subscription) ([]exchange.SubscribeRequest, error) {
	// Kraken subscribes per channel-name in one frame covering every pair
	// that wants that channel (book.go-style: one SubscriptionRequest per
	// channel type), so group by data kind first.
	byKind := map[event.DataKind][]subscription.Subscription{}
	for _, s := range subs {
		byKind[s.Data] = append(byKind[s.Data], s)
	}

	var reqs []exchange.SubscribeRequest
	for kind, group := range byKind {
		name, err := subName(kind)
		if err != nil {
			return nil, err
		}
		pairs := make([]string, 0, len(group))
		for _, s := range group {
			pairs = append(pairs, wirePair(s.Instrument))
		}

		subField := map[string]interface{}{"name": name}
		// Kraken acks candle channels as "ohlc-<minutes>", so the routing
		// id carries the interval as well.
		channelName := name
		if kind == event.Candle && len(group) > 0 {
			minutes := intervalToMinutes(group[0].Interval)
			subField["interval"] = minutes
			channelName = fmt.Sprintf("%s-%d", name, minutes)
		}

		body, err := json.Marshal(struct {
			Event        string                 `json:"event"`
			Pair         []string               `json:"pair"`
			Subscription map[string]interface{} `json:"subscription"`
		}{Event: "subscribe", Pair: pairs, Subscription: subField})
		if err != nil {
			return nil, fmt.Errorf("kraken: marshal subscribe: %w", err)
		}

		for _, s := range group {
			reqs = append(reqs, exchange.SubscribeRequest{
				Sub:  s,
				ID:   subscription.ID(channelName + "-" + wirePair(s.Instrument)),
				Body: body,
			})
		}
	}
	return reqs, nil
}

func intervalToMinutes(d time.Duration) int {
	m := int(d / time.Minute)
	if m <= 0 {
		return 1
	}
	return m
}

func (c *connector) ExpectedAcks(subs []subscription.Subscription) exchange.AckExpectation {
	kinds := map[event.DataKind]struct{}{}
	for _, s := range subs {
		kinds[s.Data] = struct{}{}
	}
	// Kraken sends one subscriptionStatus per (channel, pair), so the total
	// ack count is the subscription count, not the channel-group count.
	return exchange.AckExpectation{Count: len(subs)}
}

func (c *connector) Classify(frame []byte) exchange.Classified {
	var status struct {
		Event       string `json:"event"`
		Status      string `json:"status"`
		ChannelName string `json:"channelName"`
		ChannelID   int64  `json:"channelID"`
		Pair        string `json:"pair"`
		ErrorMsg    string `json:"errorMessage"`
	}
	if err := json.Unmarshal(frame, &status); err == nil && status.Event != "" {
		switch status.Event {
		case "subscriptionStatus":
			id := subscription.ID(status.ChannelName + "-" + status.Pair)
			switch status.Status {
			case "error":
				return exchange.Classified{Kind: exchange.FrameError, ErrorMessage: status.ErrorMsg, Fatal: isFatalKrakenError(status.ErrorMsg)}
			case "unsubscribed":
				// Kraken itself closing one pair's channel, distinct from the
				// client ever asking to unsubscribe (this module never does).
				return exchange.Classified{Kind: exchange.FrameUnsubscribed, SubID: id}
			default:
				if c.routeChannel != nil {
					c.routeChannel(status.ChannelID, id)
				}
				return exchange.Classified{Kind: exchange.FrameSubscribed, SubID: id}
			}
		case "heartbeat":
			return exchange.Classified{Kind: exchange.FrameControl}
		case "systemStatus":
			return exchange.Classified{Kind: exchange.FrameControl}
		case "error":
			return exchange.Classified{Kind: exchange.FrameError, ErrorMessage: status.ErrorMsg}
		}
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err == nil && len(arr) >= 3 {
		return exchange.Classified{Kind: exchange.FrameData, Raw: frame}
	}

	return exchange.Classified{Kind: exchange.FrameUnknown, Raw: frame}
}

func isFatalKrakenError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unauthorized") || strings.Contains(lower, "permission denied") || strings.Contains(lower, "banned")
}

// PingSchedule returns Kraken's 30-second client-initiated keepalive,
// grounded on websocket.go's pingLoop.
func (c *connector) PingSchedule() (exchange.PingSchedule, bool) {
	return exchange.PingSchedule{
		Interval: 30 * time.Second,
		Payload: func() []byte {
			b, _ := json.Marshal(struct {
				Event string `json:"event"`
			}{Event: "ping"})
			return b
		},
	}, true
}

func (c *connector) Limits() exchange.Limits {
	return exchange.Limits{MaxStreamsPerConnection: 50}
}
