// Package stream implements ExchangeStream, the per-connection state
// machine: Init -> Connecting -> Subscribing -> Active -> Reconnecting ->
// Closed/Failed, driven by a doubling-backoff reconnect loop and, while
// Active, a reader goroutine feeding serveActive's select loop, which also
// drives the ping ticker.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/exchange"
	"github.com/chronofeed/marketdata/instrument"
	"github.com/chronofeed/marketdata/subscription"
)

// Stats is a point-in-time snapshot of one ExchangeStream's counters,
// exposed as a plain struct (no metrics sink wired). ExchangeStream.Stats
// does not fill HandshakeBufferDrops or UnknownSubscriptions; both read
// zero.
type Stats struct {
	State                State
	Reconnects           uint64
	Produced             uint64
	Delivered            uint64
	Dropped              uint64
	HandshakeBufferDrops uint64
	UnknownSubscriptions uint64
}

// ExchangeStream owns exactly one logical connection's worth of
// subscriptions to one exchange, reconnecting transparently underneath a
// stable Events() channel.
type ExchangeStream struct {
	exchangeID  instrument.ExchangeID
	connector   exchange.Connector
	transformer exchange.Transformer
	subs        []subscription.Subscription
	cfg         Config
	log         zerolog.Logger

	out     *outbound
	errs    chan error
	limiter *rate.Limiter

	mu         sync.RWMutex
	state      State
	connID     event.ConnectionID
	reconnects uint64

	cancel context.CancelFunc
	done   chan struct{}

	initOnce   sync.Once
	initResult chan error
}

// New constructs an ExchangeStream for one exchange's subscription batch.
// The Connector/Transformer pair must come from exchange.New(exchangeID) —
// each ExchangeStream owns its own Transformer exclusively.
func New(exchangeID instrument.ExchangeID, connector exchange.Connector, transformer exchange.Transformer, subs []subscription.Subscription, cfg Config, log zerolog.Logger) *ExchangeStream {
	return &ExchangeStream{
		exchangeID:  exchangeID,
		connector:   connector,
		transformer: transformer,
		subs:        subs,
		cfg:         cfg,
		log:         log.With().Str("exchange", string(exchangeID)).Logger(),
		out:         newOutbound(cfg.ChannelCapacity, cfg.OnFull),
		errs:        make(chan error, 32),
		limiter:     rate.NewLimiter(rate.Limit(20), 20),
		done:        make(chan struct{}),
		initResult:  make(chan error, 1),
	}
}

// Events returns the channel of normalized events this stream delivers.
func (s *ExchangeStream) Events() <-chan event.AnyEvent { return s.out.ch }

// Errors returns non-fatal StreamError/TransformError notifications.
func (s *ExchangeStream) Errors() <-chan error { return s.errs }

// State reports the current lifecycle state.
func (s *ExchangeStream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats reports a snapshot of delivery and drop counters.
func (s *ExchangeStream) Stats() Stats {
	produced, delivered, dropped := s.out.stats()
	s.mu.RLock()
	reconnects := s.reconnects
	st := s.state
	s.mu.RUnlock()
	return Stats{
		State:      st,
		Reconnects: reconnects,
		Produced:   produced,
		Delivered:  delivered,
		Dropped:    dropped,
	}
}

func (s *ExchangeStream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// WaitInit blocks until this stream's first connection attempt either
// reaches Active or fails with a terminal InitError, whichever the
// Supervisor's init window needs to see in order to report per-exchange
// init errors synchronously. It never fires for a transient transport
// failure — those are retried silently by Run's own backoff loop, so a
// caller wanting a bounded wait must pass a ctx with its own deadline.
func (s *ExchangeStream) WaitInit(ctx context.Context) error {
	select {
	case err := <-s.initResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("stream exited before reaching active or a terminal init error")
	}
}

// signalInit delivers the outcome of the first connection attempt to
// WaitInit exactly once; later reconnects never touch it again.
func (s *ExchangeStream) signalInit(err error) {
	s.initOnce.Do(func() {
		s.initResult <- err
	})
}

// Run starts the connect/handshake/read/reconnect loop. It returns once ctx
// is cancelled or the stream reaches Failed (circuit-breaker-terminal
// decisions are made by the caller, typically supervisor.Supervisor).
func (s *ExchangeStream) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer close(s.done)
	defer s.out.close()

	table := subscription.NewTable()
	s.transformer.Install(table)

	bo := newBackoff(s.cfg)

	for {
		select {
		case <-ctx.Done():
			s.setState(Closed)
			return
		default:
		}

		s.connID = event.NextConnectionID(s.exchangeID)
		err := s.connectAndServe(ctx, table, bo)
		if err == nil {
			s.setState(Closed)
			return
		}
		if ctx.Err() != nil {
			s.setState(Closed)
			return
		}

		var initErr *exchange.InitError
		if errors.As(err, &initErr) {
			s.signalInit(err)
			s.setState(Failed)
			select {
			case s.errs <- err:
			default:
			}
			return
		}

		s.log.Warn().Err(err).Msg("connection cycle ended, reconnecting")
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		s.setState(Reconnecting)
		select {
		case s.errs <- &exchange.StreamError{Kind: exchange.StreamDisconnected, Message: err.Error(), Err: err}:
		default:
		}

		delay := bo.next()
		select {
		case <-ctx.Done():
			s.setState(Closed)
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe runs exactly one connection's lifetime: dial, handshake,
// serve until error or ctx cancellation. A nil error means ctx was
// cancelled cleanly; any other error triggers the backoff/reconnect path in
// Run.
func (s *ExchangeStream) connectAndServe(ctx context.Context, table *subscription.Table, bo *backoff) error {
	s.setState(Connecting)

	url, err := s.connector.URL(s.subs)
	if err != nil {
		return fmt.Errorf("connector url: %w", err)
	}
	conn, err := dial(ctx, url, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := s.handshake(ctx, conn, table); err != nil {
		conn.closeAbrupt()
		return err
	}

	err = s.serveActive(ctx, conn, bo, table)
	if err == nil {
		conn.closeNormal()
	} else {
		conn.closeAbrupt()
	}
	return err
}

// handshake sends every subscribe request, buffers data frames that race
// the acks in a ring buffer, and transitions to Active once every expected
// ack has arrived — draining the ring buffer through the transformer first.
func (s *ExchangeStream) handshake(ctx context.Context, conn *wsConn, table *subscription.Table) error {
	s.setState(Subscribing)

	reqs, err := s.connector.Requests(s.subs)
	if err != nil {
		return fmt.Errorf("build subscribe requests: %w", err)
	}
	for _, r := range reqs {
		if err := table.Install(r.ID, r.Sub); err != nil {
			return fmt.Errorf("install route: %w", err)
		}
	}

	sentBodies := map[string]bool{}
	for _, r := range reqs {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		key := string(r.Body)
		if sentBodies[key] {
			continue
		}
		sentBodies[key] = true
		if err := conn.writeText(r.Body); err != nil {
			return fmt.Errorf("write subscribe: %w", err)
		}
	}

	expect := s.connector.ExpectedAcks(s.subs)
	acked := 0
	buf := newRingBuffer(s.cfg.HandshakeBuffer)

	for !expect.Satisfied(acked) {
		frame, err := conn.readFrame(s.cfg.LivenessTimeout)
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		c := s.connector.Classify(frame)
		switch c.Kind {
		case exchange.FrameSubscribed:
			acked++
		case exchange.FrameError:
			if c.Fatal {
				return &exchange.InitError{Kind: exchange.InitSubscribeRejected, Exchange: string(s.exchangeID), Err: fmt.Errorf("%s: %s", c.ErrorCode, c.ErrorMessage)}
			}
		case exchange.FrameData:
			buf.push(c.Raw)
		default:
			// control/unknown/ping frames during handshake are ignored
		}
		if expect.Predicate != nil && expect.Predicate(c) {
			break
		}
	}

	for _, raw := range buf.drain() {
		s.transformAndEmit(raw, time.Now())
	}
	if buf.dropped > 0 {
		s.log.Warn().Uint64("dropped", buf.dropped).Msg("handshake ring buffer dropped frames")
	}

	s.setState(Active)
	s.signalInit(nil)
	return nil
}

// serveActive runs the steady-state read loop plus an optional ping ticker,
// returning when the connection errors or ctx is cancelled.
func (s *ExchangeStream) serveActive(ctx context.Context, conn *wsConn, bo *backoff, table *subscription.Table) error {
	stableTimer := time.AfterFunc(s.cfg.StableResetAfter, bo.reset)
	defer stableTimer.Stop()

	pingSchedule, hasPing := s.connector.PingSchedule()
	var pingTicker *time.Ticker
	if hasPing {
		pingTicker = time.NewTicker(pingSchedule.Interval)
		defer pingTicker.Stop()
	}

	frames := make(chan []byte, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			frame, err := conn.readFrame(s.cfg.LivenessTimeout)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	var pingChan <-chan time.Time
	if pingTicker != nil {
		pingChan = pingTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrs:
			return &exchange.StreamError{Kind: exchange.StreamDisconnected, Err: err}
		case <-pingChan:
			if err := conn.writeText(pingSchedule.Payload()); err != nil {
				return &exchange.StreamError{Kind: exchange.StreamLiveness, Err: err}
			}
		case frame := <-frames:
			c := s.connector.Classify(frame)
			switch c.Kind {
			case exchange.FrameData:
				s.transformAndEmit(c.Raw, time.Now())
			case exchange.FramePing:
				// Ping triggers an immediate Pong with the same payload.
				if err := conn.writeText(c.PingPayload); err != nil {
					return &exchange.StreamError{Kind: exchange.StreamLiveness, Err: err}
				}
			case exchange.FrameError:
				if c.Fatal {
					return &exchange.StreamError{Kind: exchange.StreamExchangeError, Code: c.ErrorCode, Message: c.ErrorMessage}
				}
				select {
				case s.errs <- &exchange.StreamError{Kind: exchange.StreamExchangeError, Code: c.ErrorCode, Message: c.ErrorMessage}:
				default:
				}
			case exchange.FrameUnsubscribed:
				// Exchange-initiated unsubscribe: scoped to that one
				// subscription's route, never fatal on its own. If it empties
				// the routing table, there is nothing left for this
				// connection to serve, so escalate to a reconnect.
				empty := table.Remove(c.SubID)
				unsubErr := &exchange.StreamError{Kind: exchange.StreamDisconnected, Message: fmt.Sprintf("exchange unsubscribed %s", c.SubID)}
				if empty {
					return unsubErr
				}
				select {
				case s.errs <- unsubErr:
				default:
				}
			default:
				// subscribed/control/unknown frames after handshake are ignored
			}
		}
	}
}

// transformAndEmit recovers a panicking Transformer into a TransformError
// instead of letting it unwind past this goroutine: since every exchange
// owns its own goroutine, an unrecovered panic here would otherwise take the
// whole process down with it, silently contaminating every other exchange's
// streams too.
func (s *ExchangeStream) transformAndEmit(raw []byte, receivedAt time.Time) {
	events, err := s.safeTransform(raw, receivedAt)
	if err != nil {
		select {
		case s.errs <- err:
		default:
		}
		return
	}
	for i := range events {
		events[i].Connection = s.connID
		s.out.send(events[i])
	}
}

func (s *ExchangeStream) safeTransform(raw []byte, receivedAt time.Time) (events []event.AnyEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &exchange.TransformError{Kind: exchange.TransformParse, Err: fmt.Errorf("transformer panicked: %v", r)}
		}
	}()
	return s.transformer.Transform(raw, receivedAt)
}

// Close cancels the run loop and blocks until it has fully exited.
func (s *ExchangeStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}
