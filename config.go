package marketdata

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronofeed/marketdata/stream"
	"github.com/chronofeed/marketdata/supervisor"
)

// EngineConfig names the recognized options (`reconnect_base_ms,
// reconnect_cap_ms, channel_capacity, on_full, liveness_timeout_ms`), plus
// the supervisor-level init/breaker knobs. yaml tags follow the same
// snake_case config style used throughout this module.
type EngineConfig struct {
	ReconnectBaseMS    int64  `yaml:"reconnect_base_ms"`
	ReconnectCapMS     int64  `yaml:"reconnect_cap_ms"`
	StableResetAfterMS int64  `yaml:"stable_reset_after_ms"`
	HandshakeBuffer    int    `yaml:"handshake_buffer"`
	ChannelCapacity    int    `yaml:"channel_capacity"`
	OnFull             string `yaml:"on_full"` // "block" | "drop_oldest" | "drop_newest"
	LivenessTimeoutMS  int64  `yaml:"liveness_timeout_ms"`

	InitTimeoutMS              int64  `yaml:"init_timeout_ms"`
	BreakerConsecutiveFailures uint32 `yaml:"breaker_consecutive_failures"`
	BreakerOpenTimeoutMS       int64  `yaml:"breaker_open_timeout_ms"`
}

// DefaultEngineConfig mirrors stream.DefaultConfig/supervisor.DefaultConfig
// in millisecond/string form, the shape a YAML file actually holds.
func DefaultEngineConfig() EngineConfig {
	streamCfg := stream.DefaultConfig()
	supCfg := supervisor.DefaultConfig()
	return EngineConfig{
		ReconnectBaseMS:            streamCfg.ReconnectBaseDelay.Milliseconds(),
		ReconnectCapMS:             streamCfg.ReconnectCapDelay.Milliseconds(),
		StableResetAfterMS:         streamCfg.StableResetAfter.Milliseconds(),
		HandshakeBuffer:            streamCfg.HandshakeBuffer,
		ChannelCapacity:            streamCfg.ChannelCapacity,
		OnFull:                     onFullToString(streamCfg.OnFull),
		LivenessTimeoutMS:          streamCfg.LivenessTimeout.Milliseconds(),
		InitTimeoutMS:              supCfg.InitTimeout.Milliseconds(),
		BreakerConsecutiveFailures: supCfg.BreakerConsecutiveFailures,
		BreakerOpenTimeoutMS:       supCfg.BreakerOpenTimeout.Milliseconds(),
	}
}

// LoadYAML reads and parses an EngineConfig from path, starting from
// DefaultEngineConfig so a partial file only overrides what it sets.
func LoadYAML(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, nil
}

func onFullToString(p stream.OnFullPolicy) string {
	switch p {
	case stream.DropOldest:
		return "drop_oldest"
	case stream.DropNewest:
		return "drop_newest"
	default:
		return "block"
	}
}

func onFullFromString(s string) stream.OnFullPolicy {
	switch s {
	case "drop_oldest":
		return stream.DropOldest
	case "drop_newest":
		return stream.DropNewest
	default:
		return stream.Block
	}
}

func (c EngineConfig) toStreamConfig() stream.Config {
	cfg := stream.DefaultConfig()
	if c.ReconnectBaseMS > 0 {
		cfg.ReconnectBaseDelay = time.Duration(c.ReconnectBaseMS) * time.Millisecond
	}
	if c.ReconnectCapMS > 0 {
		cfg.ReconnectCapDelay = time.Duration(c.ReconnectCapMS) * time.Millisecond
	}
	if c.StableResetAfterMS > 0 {
		cfg.StableResetAfter = time.Duration(c.StableResetAfterMS) * time.Millisecond
	}
	if c.HandshakeBuffer > 0 {
		cfg.HandshakeBuffer = c.HandshakeBuffer
	}
	if c.ChannelCapacity > 0 {
		cfg.ChannelCapacity = c.ChannelCapacity
	}
	if c.OnFull != "" {
		cfg.OnFull = onFullFromString(c.OnFull)
	}
	if c.LivenessTimeoutMS > 0 {
		cfg.LivenessTimeout = time.Duration(c.LivenessTimeoutMS) * time.Millisecond
	}
	return cfg
}

func (c EngineConfig) toSupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Stream = c.toStreamConfig()
	if c.InitTimeoutMS > 0 {
		cfg.InitTimeout = time.Duration(c.InitTimeoutMS) * time.Millisecond
	}
	if c.BreakerConsecutiveFailures > 0 {
		cfg.BreakerConsecutiveFailures = c.BreakerConsecutiveFailures
	}
	if c.BreakerOpenTimeoutMS > 0 {
		cfg.BreakerOpenTimeout = time.Duration(c.BreakerOpenTimeoutMS) * time.Millisecond
	}
	return cfg
}
