package stream

import (
	"sync/atomic"

	"github.com/chronofeed/marketdata/event"
)

// outbound is the bounded, policy-governed channel an ExchangeStream
// delivers normalized events on. produced - delivered == dropped always
// holds.
type outbound struct {
	ch       chan event.AnyEvent
	policy   OnFullPolicy
	produced uint64
	dropped  uint64
}

func newOutbound(capacity int, policy OnFullPolicy) *outbound {
	return &outbound{ch: make(chan event.AnyEvent, capacity), policy: policy}
}

func (o *outbound) send(e event.AnyEvent) {
	atomic.AddUint64(&o.produced, 1)
	switch o.policy {
	case DropNewest:
		select {
		case o.ch <- e:
		default:
			atomic.AddUint64(&o.dropped, 1)
		}
	case DropOldest:
		for {
			select {
			case o.ch <- e:
				return
			default:
			}
			select {
			case <-o.ch:
				atomic.AddUint64(&o.dropped, 1)
			default:
				// raced with a concurrent reader draining the channel; retry send
			}
		}
	default: // Block
		o.ch <- e
	}
}

func (o *outbound) stats() (produced, delivered, dropped uint64) {
	produced = atomic.LoadUint64(&o.produced)
	dropped = atomic.LoadUint64(&o.dropped)
	return produced, produced - dropped, dropped
}

func (o *outbound) close() { close(o.ch) }
