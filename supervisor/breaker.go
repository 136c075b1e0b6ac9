package supervisor

import (
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/chronofeed/marketdata/instrument"
)

// newBreaker builds one gobreaker.CircuitBreaker per exchange: one breaker
// per provider key, ReadyToTrip on consecutive failures, OnStateChange
// logged. Unlike a typical request/response Execute call, this module's
// ExchangeStreams push events rather than answering synchronous calls, so
// watchGroup feeds the breaker one already-observed StreamError at a time
// instead of wrapping a live call — see watchGroup in supervisor.go.
func newBreaker(id instrument.ExchangeID, cfg Config, log zerolog.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        string(id),
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exchange", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
