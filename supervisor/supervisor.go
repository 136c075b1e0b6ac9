// Package supervisor batches subscriptions into connection groups per
// exchange, runs one stream.ExchangeStream per group, and layers a
// per-exchange circuit breaker on top of each group's steady-state errors
// to decide whether persistent failure should escalate instead of retrying
// forever. The breaker follows a one-instance-per-provider-key shape,
// applied here per exchange and shared by that exchange's connection
// groups.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/multiplex"
	"github.com/chronofeed/marketdata/stream"
	"github.com/chronofeed/marketdata/subscription"
)

// ExchangeStats is a snapshot of one exchange's supervised groups.
type ExchangeStats struct {
	Groups  []stream.Stats
	Breaker gobreaker.State
}

type exchangeSupervision struct {
	id      instrument.ExchangeID
	groups  []*stream.ExchangeStream
	breaker *gobreaker.CircuitBreaker
	merged  chan event.AnyEvent
}

// Supervisor owns every exchange's connection groups for one session.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu        sync.RWMutex
	exchanges map[instrument.ExchangeID]*exchangeSupervision
}

// New constructs an empty Supervisor. Init does the actual connecting.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, exchanges: make(map[instrument.ExchangeID]*exchangeSupervision)}
}

// Init batches and connects every exchange's subscriptions, blocking until
// each exchange's first connection attempt either reaches Active or fails
// terminally. The first terminal failure tears down everything already
// connected and is returned synchronously; steady-state errors after Init
// returns are never surfaced here again.
func (sv *Supervisor) Init(ctx context.Context, bySubExchange map[instrument.ExchangeID][]subscription.Subscription) (*Streams, error) {
	mux := multiplex.New()

	for id, subs := range bySubExchange {
		if len(subs) == 0 {
			continue
		}
		es, err := sv.initExchange(ctx, id, subs)
		if err != nil {
			sv.closeAll()
			return nil, err
		}
		mux.Register(id, es.merged)
		sv.mu.Lock()
		sv.exchanges[id] = es
		sv.mu.Unlock()
	}

	return &Streams{mux: mux, sup: sv}, nil
}

func (sv *Supervisor) initExchange(ctx context.Context, id instrument.ExchangeID, subs []subscription.Subscription) (*exchangeSupervision, error) {
	connector, _, ok := exchange.New(id)
	if !ok {
		return nil, &exchange.InitError{Kind: exchange.InitTransport, Exchange: string(id), Err: fmt.Errorf("no connector registered for exchange %q", id)}
	}

	chunks := batch(subs, connector.Limits().MaxStreamsPerConnection)
	es := &exchangeSupervision{
		id:      id,
		breaker: newBreaker(id, sv.cfg, sv.log),
		merged:  make(chan event.AnyEvent, sv.cfg.Stream.ChannelCapacity),
	}

	var forward sync.WaitGroup
	for i, chunk := range chunks {
		c, tr, _ := exchange.New(id) // fresh Connector/Transformer pair per connection group
		// Short correlation id per connection group, same shortened-uuid
		// convention as server.go's request ids, so log lines from one group
		// stay traceable across its own reconnect cycles without colliding
		// with a sibling group's or a prior process's generation counters.
		groupLog := sv.log.With().Str("exchange", string(id)).Int("group", i).Str("group_id", uuid.New().String()[:8]).Logger()
		s := stream.New(id, c, tr, chunk, sv.cfg.Stream, groupLog)
		es.groups = append(es.groups, s)

		go s.Run(ctx)
		go sv.watchGroup(ctx, id, s, es.breaker)

		initCtx, cancel := context.WithTimeout(ctx, sv.cfg.InitTimeout)
		err := s.WaitInit(initCtx)
		cancel()
		if err != nil {
			for _, g := range es.groups {
				g.Close()
			}
			return nil, wrapInitError(id, err)
		}

		forward.Add(1)
		go func(g *stream.ExchangeStream) {
			defer forward.Done()
			for ev := range g.Events() {
				es.merged <- ev
			}
		}(s)
	}

	go func() {
		forward.Wait()
		close(es.merged)
	}()

	return es, nil
}

// watchGroup feeds every steady-state error from one group into its
// exchange's breaker. Each error is treated as one failed "request" — this
// module has no request/response call to wrap, only an already-observed
// error, so Execute's closure just hands that error straight back (see
// breaker.go's doc comment). Once the breaker trips open, this exchange's
// failures are judged persistent rather than transient and the group is
// torn down instead of left to retry forever.
func (sv *Supervisor) watchGroup(ctx context.Context, id instrument.ExchangeID, s *stream.ExchangeStream, breaker *gobreaker.CircuitBreaker) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.Errors():
			if !ok {
				return
			}
			_, _ = breaker.Execute(func() (interface{}, error) { return nil, err })
			if breaker.State() == gobreaker.StateOpen {
				sv.log.Error().Str("exchange", string(id)).Err(err).Msg("circuit breaker open, closing connection group")
				s.Close()
				return
			}
		}
	}
}

func wrapInitError(id instrument.ExchangeID, err error) error {
	var existing *exchange.InitError
	if e, ok := err.(*exchange.InitError); ok {
		existing = e
	}
	if existing != nil {
		return existing
	}
	return &exchange.InitError{Kind: exchange.InitTransport, Exchange: string(id), Err: err}
}

// batch splits subs into chunks no larger than limit, preserving order. A
// non-positive limit means "no limit": everything fits in one chunk.
func batch(subs []subscription.Subscription, limit int) [][]subscription.Subscription {
	if limit <= 0 || limit >= len(subs) {
		return [][]subscription.Subscription{subs}
	}
	var out [][]subscription.Subscription
	for len(subs) > 0 {
		n := limit
		if n > len(subs) {
			n = len(subs)
		}
		out = append(out, subs[:n:n])
		subs = subs[n:]
	}
	return out
}

// Stats returns a snapshot of every supervised exchange's groups.
func (sv *Supervisor) Stats() map[instrument.ExchangeID]ExchangeStats {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[instrument.ExchangeID]ExchangeStats, len(sv.exchanges))
	for id, es := range sv.exchanges {
		groups := make([]stream.Stats, len(es.groups))
		for i, g := range es.groups {
			groups[i] = g.Stats()
		}
		out[id] = ExchangeStats{Groups: groups, Breaker: es.breaker.State()}
	}
	return out
}

func (sv *Supervisor) closeAll() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for _, es := range sv.exchanges {
		for _, g := range es.groups {
			g.Close()
		}
	}
	sv.exchanges = make(map[instrument.ExchangeID]*exchangeSupervision)
}

// Close tears down every supervised exchange's connection groups.
func (sv *Supervisor) Close() {
	sv.closeAll()
}
