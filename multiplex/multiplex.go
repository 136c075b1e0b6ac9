// Package multiplex merges several exchanges' event streams onto shared
// channels: one registration point fanning *in* over many per-exchange
// channels, the mirror image of a typical fan-out event bus.
package multiplex

import (
	"reflect"
	"sync"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"
)

// KeyedEvent tags a merged event with the exchange it came from, since
// JoinMap's output channel carries events from every registered source.
type KeyedEvent struct {
	Exchange instrument.ExchangeID
	Event    event.AnyEvent
}

// Multiplexer registers per-exchange event channels and offers two ways to
// consume them: Select for a single exchange's own channel, JoinMap for a
// fair merge across all of them.
type Multiplexer struct {
	mu       sync.Mutex
	sources  map[instrument.ExchangeID]<-chan event.AnyEvent
	selected map[instrument.ExchangeID]bool
}

// New returns an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		sources:  make(map[instrument.ExchangeID]<-chan event.AnyEvent),
		selected: make(map[instrument.ExchangeID]bool),
	}
}

// Register adds a source channel under exchange. Must be called before
// Select/JoinMap are used for that exchange; registering the same exchange
// twice replaces the prior channel.
func (m *Multiplexer) Register(exchange instrument.ExchangeID, ch <-chan event.AnyEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[exchange] = ch
}

// Select hands out the raw per-exchange channel at most once; subsequent
// calls for the same exchange report false, since a channel with two
// concurrent readers would split its events unpredictably between them.
func (m *Multiplexer) Select(exchange instrument.ExchangeID) (<-chan event.AnyEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected[exchange] {
		return nil, false
	}
	ch, ok := m.sources[exchange]
	if !ok {
		return nil, false
	}
	m.selected[exchange] = true
	return ch, true
}

type namedSource struct {
	id instrument.ExchangeID
	ch <-chan event.AnyEvent
}

// JoinMap fairly merges every registered source onto one channel, tagging
// each event with its origin exchange. The returned channel closes once
// every source channel has closed.
//
// Fairness comes from reflect.Select, which blocks across a dynamic number
// of channels and, when several sources are ready, picks one of them
// uniformly at random, so no single busy source can starve the others
// across many iterations. The case list is rebuilt each iteration starting
// one past the source served last, but that order does not influence which
// ready source reflect.Select picks: the merge is not strict round-robin.
func (m *Multiplexer) JoinMap() <-chan KeyedEvent {
	m.mu.Lock()
	sources := make([]namedSource, 0, len(m.sources))
	for id, ch := range m.sources {
		sources = append(sources, namedSource{id: id, ch: ch})
	}
	m.mu.Unlock()

	out := make(chan KeyedEvent, len(sources))
	go runJoin(sources, out)
	return out
}

func runJoin(sources []namedSource, out chan<- KeyedEvent) {
	defer close(out)
	if len(sources) == 0 {
		return
	}

	open := make([]bool, len(sources))
	for i := range open {
		open[i] = true
	}
	remaining := len(sources)
	start := 0

	for remaining > 0 {
		cases := make([]reflect.SelectCase, 0, remaining)
		order := make([]int, 0, remaining)
		for offset := 0; offset < len(sources); offset++ {
			i := (start + offset) % len(sources)
			if !open[i] {
				continue
			}
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sources[i].ch)})
			order = append(order, i)
		}

		chosen, recv, ok := reflect.Select(cases)
		idx := order[chosen]
		if !ok {
			open[idx] = false
			remaining--
			start = (idx + 1) % len(sources)
			continue
		}

		out <- KeyedEvent{Exchange: sources[idx].id, Event: recv.Interface().(event.AnyEvent)}
		start = (idx + 1) % len(sources)
	}
}
