package supervisor

import (
	"time"

	"github.com/chronofeed/marketdata/stream"
)

// Config bundles the per-connection stream.Config every batch inherits with
// the Supervisor's own circuit-breaker and init-window knobs.
type Config struct {
	Stream stream.Config

	// InitTimeout bounds how long Init waits for each connection group to
	// reach Active (or a terminal InitError) before giving up on it.
	InitTimeout time.Duration

	// BreakerMaxRequests is gobreaker's MaxRequests: how many probe calls a
	// half-open breaker allows before deciding to close or re-open.
	BreakerMaxRequests uint32
	// BreakerInterval is the rolling window gobreaker uses to reset its
	// failure counts while Closed; 0 means "never reset automatically".
	BreakerInterval time.Duration
	// BreakerOpenTimeout is how long a tripped breaker stays Open before
	// allowing a single half-open probe.
	BreakerOpenTimeout time.Duration
	// BreakerConsecutiveFailures is the ReadyToTrip threshold: this many
	// consecutive stream errors on one exchange trips the breaker open.
	BreakerConsecutiveFailures uint32
}

// DefaultConfig mirrors stream.DefaultConfig's philosophy: conservative
// values suitable for production, overridable via EngineConfig.
func DefaultConfig() Config {
	return Config{
		Stream:                     stream.DefaultConfig(),
		InitTimeout:                15 * time.Second,
		BreakerMaxRequests:         1,
		BreakerInterval:            time.Minute,
		BreakerOpenTimeout:         30 * time.Second,
		BreakerConsecutiveFailures: 5,
	}
}
