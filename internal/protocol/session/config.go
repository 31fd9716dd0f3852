package session

import (
	"time"

	"github.com/danmuck/botwire/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff waits the same delay before every retry.
func FixedBackoff(delay time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: delay, Multiplier: 1.0}
}

// Config defines call-channel deadlines and decode limits.
//
// CallTimeout bounds one call from queue entry to completed reply. Zero disables it
// and leaves the caller's context as the only bound.
type Config struct {
	CallTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadBufferBytes int
	Limits          frame.Limits
}

// DefaultConfig returns the deadlines used when no config file overrides them.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     2 * time.Minute,
		WriteTimeout:    15 * time.Second,
		ReadBufferBytes: 64 * 1024,
		Limits:          frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued fields that have no meaningful zero.
// CallTimeout is kept as given since zero means "no deadline".
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	if c.Limits.MaxReplyBytes == 0 {
		c.Limits.MaxReplyBytes = def.Limits.MaxReplyBytes
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = def.Limits.MaxFrameBytes
	}
	return c
}
