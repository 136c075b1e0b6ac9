// Package exchange defines the per-venue capability set: the Connector and
// Transformer interfaces every venue package implements, plus the shared
// frame-classification vocabulary and a registry, keyed by exchange id,
// that venue packages use to make their factories discoverable to the
// Supervisor.
package exchange

import (
	"time"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

// SubscribeRequest is one outbound subscribe frame plus the routing id the
// Connector has already assigned it, so routing is established before any
// data arrives.
type SubscribeRequest struct {
	Sub    subscription.Subscription
	ID     subscription.ID
	Binary bool
	Body   []byte
}

// FrameKind discriminates a classified inbound frame.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameSubscribed
	FrameUnsubscribed
	FramePing
	FramePong
	FrameControl
	FrameError
	FrameUnknown
)

// Classified is the result of Connector.Classify.
type Classified struct {
	Kind         FrameKind
	SubID        subscription.ID // valid when Kind == FrameSubscribed or FrameUnsubscribed
	PingPayload  []byte          // valid when Kind == FramePing
	ErrorCode    string          // valid when Kind == FrameError
	ErrorMessage string          // valid when Kind == FrameError
	Fatal        bool            // valid when Kind == FrameError
	Raw          []byte          // valid when Kind == FrameData
}

// AckExpectation tells the handshake state machine how many acks to await,
// or lets a venue supply a predicate for venues that ack in irregular shapes.
type AckExpectation struct {
	Count     int
	Predicate func(Classified) bool
}

// Satisfied reports whether seen subscribed-acks reach Count. When
// Predicate is set it always reports false: the handshake instead ends on
// the first classified frame Predicate accepts.
func (a AckExpectation) Satisfied(seen int) bool {
	if a.Predicate != nil {
		return false // predicate-driven expectations are checked per-frame by the caller
	}
	return seen >= a.Count
}

// PingSchedule describes a client-initiated keepalive a venue requires.
type PingSchedule struct {
	Interval time.Duration
	Payload  func() []byte
}

// Limits are the static, per-venue connection constraints the Supervisor
// needs to batch subscriptions correctly.
type Limits struct {
	MaxStreamsPerConnection int
}

// Connector is the pure, stateless per-exchange protocol bundle.
// Implementations must not retain subscription state between calls; that is
// the Transformer's job.
type Connector interface {
	// URL returns the endpoint a single connection should dial for this
	// batch of subscriptions, or ErrUnsupportedInstrumentMix if the batch
	// cannot be served by one connection (e.g. spot mixed with futures).
	URL(subs []subscription.Subscription) (string, error)

	// Requests returns the ordered subscribe frames for subs, each tagged
	// with the SubscriptionId the exchange will echo back in data frames.
	Requests(subs []subscription.Subscription) ([]SubscribeRequest, error)

	// ExpectedAcks describes how the handshake state machine recognizes
	// that every subscription in subs has been acknowledged.
	ExpectedAcks(subs []subscription.Subscription) AckExpectation

	// Classify buckets one inbound frame.
	Classify(frame []byte) Classified

	// PingSchedule returns the client-initiated keepalive this venue
	// requires, if any.
	PingSchedule() (PingSchedule, bool)

	// Limits returns this venue's static connection constraints.
	Limits() Limits
}

// Transformer is the stateful, per-exchange mapping from raw frames to
// normalized events. Install is called once, before the first handshake,
// with the routing table each handshake then installs the Connector's
// SubscriptionIds into.
type Transformer interface {
	Install(table *subscription.Table)

	// Transform maps one raw data frame into zero or more normalized
	// events. receivedAt is stamped by the ExchangeStream at socket-read
	// time, never inside Transform, so transform latency cannot inflate it.
	Transform(raw []byte, receivedAt time.Time) ([]event.AnyEvent, error)
}

// Factory builds a fresh (Connector, Transformer) pair for one connection.
// A Transformer is never reused across connections: each ExchangeStream
// owns its own routing table and per-instrument state exclusively.
type Factory func() (Connector, Transformer)

var registry = map[instrument.ExchangeID]Factory{}

// Register makes a venue's Connector/Transformer pair available to
// Supervisor.Init by exchange id. Venue packages call this from an init().
func Register(id instrument.ExchangeID, factory Factory) {
	registry[id] = factory
}

// New constructs a fresh Connector/Transformer pair for id, or reports
// false if no venue package registered that id.
func New(id instrument.ExchangeID) (Connector, Transformer, bool) {
	factory, ok := registry[id]
	if !ok {
		return nil, nil, false
	}
	c, tr := factory()
	return c, tr, true
}

// Registered lists every currently registered exchange id, for diagnostics.
func Registered() []instrument.ExchangeID {
	out := make([]instrument.ExchangeID, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	return out
}
