// Package subscription holds the Subscription record and the injective
// routing table a Connector/Transformer pair uses to map exchange-native
// channel identifiers back to the user-level Instrument.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"
)

// Subscription is a single desired data stream: (exchange, instrument, data
// kind). Interval is only meaningful when Data == event.Candle.
type Subscription struct {
	Exchange   instrument.ExchangeID
	Instrument instrument.Instrument
	Data       event.DataKind
	Interval   time.Duration
}

// Key uniquely identifies a Subscription within a session: (exchange,
// instrument, data kind) is unique within a session.
func (s Subscription) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", s.Exchange, s.Instrument.Key(), s.Data, s.Interval)
}

// ID is the opaque token a Connector assigns during handshake, e.g.
// "trade|BTCUSDT". It appears verbatim in subsequent data frames.
type ID string

// Table is the per-connection routing table: ID -> Subscription, installed
// during handshake and consulted by the Transformer on every inbound frame.
// It enforces injectivity (no ID ever maps to two different Instruments
// within one connection lifetime) and counts unknown lookups instead of
// treating them as fatal.
type Table struct {
	mu      sync.RWMutex
	byID    map[ID]Subscription
	unknown uint64
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{byID: make(map[ID]Subscription)}
}

// Install registers id -> sub. It is an error to install an id that is
// already routed to a different subscription within the same table
// lifetime; re-installing the same (id, sub) pair is a no-op.
func (t *Table) Install(id ID, sub Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byID[id]; ok {
		if existing.Key() != sub.Key() {
			return fmt.Errorf("subscription id %q already routes to %s, cannot also route to %s", id, existing.Key(), sub.Key())
		}
		return nil
	}
	t.byID[id] = sub
	return nil
}

// Lookup returns the Subscription routed by id, incrementing the unknown
// counter and returning false if no route exists.
func (t *Table) Lookup(id ID) (Subscription, bool) {
	t.mu.RLock()
	sub, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		t.unknown++
		t.mu.Unlock()
	}
	return sub, ok
}

// Remove drops a route, e.g. on an exchange-initiated unsubscribe. Reports
// whether the table is now empty.
func (t *Table) Remove(id ID) (empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	return len(t.byID) == 0
}

// UnknownCount returns how many Lookup calls failed to find a route.
func (t *Table) UnknownCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unknown
}

// Len returns the number of routes currently installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// All returns a snapshot copy of every installed (id, subscription) pair.
func (t *Table) All() map[ID]Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ID]Subscription, len(t.byID))
	for k, v := range t.byID {
		out[k] = v
	}
	return out
}
