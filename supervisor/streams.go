package supervisor

import (
	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/multiplex"
)

// Streams is the consumer-facing handle Init returns: one merged channel
// per exchange, plus a fair fan-in across all of them.
type Streams struct {
	mux *multiplex.Multiplexer
	sup *Supervisor
}

// Select hands out one exchange's own event channel, at most once.
func (s *Streams) Select(id instrument.ExchangeID) (<-chan event.AnyEvent, bool) {
	return s.mux.Select(id)
}

// JoinMap fairly merges every exchange's channel onto one, tagged with its
// origin exchange.
func (s *Streams) JoinMap() <-chan multiplex.KeyedEvent {
	return s.mux.JoinMap()
}

// Stats reports a snapshot of every supervised exchange's connection groups.
func (s *Streams) Stats() map[instrument.ExchangeID]ExchangeStats {
	return s.sup.Stats()
}

// Close tears down every underlying connection.
func (s *Streams) Close() {
	s.sup.Close()
}
