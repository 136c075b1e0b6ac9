// Package marketdata is the thin, external-collaborator-facing assembly API:
// Builder records desired subscriptions and drives Supervisor.Init. It
// contains no protocol logic of its own.
package marketdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/stream"
	"github.com/chronofeed/marketdata/subscription"
	"github.com/chronofeed/marketdata/supervisor"
)

// WantedSubscription is one (base, quote, kind, data kind[, interval])
// request, the Instrument-level grain the Builder API takes.
type WantedSubscription struct {
	Base     instrument.Asset
	Quote    instrument.Asset
	Kind     instrument.Kind
	Data     event.DataKind
	Interval time.Duration // only meaningful when Data == event.Candle
}

// Builder accumulates subscriptions across exchanges before Init connects
// them all. It is not safe for concurrent use, mirroring a typical
// single-goroutine startup sequence.
type Builder struct {
	cfg  EngineConfig
	log  zerolog.Logger
	subs map[instrument.ExchangeID][]subscription.Subscription
}

// New constructs a Builder with the given engine configuration and logger.
func New(cfg EngineConfig, log zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, log: log, subs: make(map[instrument.ExchangeID][]subscription.Subscription)}
}

// Subscribe records one subscription against a single exchange.
// Returns the Builder so calls can be chained.
func (b *Builder) Subscribe(exchangeID instrument.ExchangeID, w WantedSubscription) *Builder {
	b.subs[exchangeID] = append(b.subs[exchangeID], subscription.Subscription{
		Exchange:   exchangeID,
		Instrument: instrument.New(w.Base, w.Quote, w.Kind),
		Data:       w.Data,
		Interval:   w.Interval,
	})
	return b
}

// SubscribeExchange records every want against the same exchange in one call.
func (b *Builder) SubscribeExchange(exchangeID instrument.ExchangeID, wants ...WantedSubscription) *Builder {
	for _, w := range wants {
		b.Subscribe(exchangeID, w)
	}
	return b
}

// Init hands every recorded subscription to a fresh Supervisor and blocks
// until each exchange's first connection attempt settles, returning the
// first terminal InitError synchronously.
func (b *Builder) Init(ctx context.Context) (*supervisor.Streams, error) {
	sv := supervisor.New(b.cfg.toSupervisorConfig(), b.log)
	return sv.Init(ctx, b.subs)
}

// StreamConfig is re-exported for callers that want to tune the underlying
// per-connection defaults directly rather than via EngineConfig.
type StreamConfig = stream.Config
