// Package fallback implements coordinators that fail over between an ordered
// list of providers behind the same capability contract they wrap.
package fallback

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoProviders is returned when a coordinator is built without providers.
var ErrNoProviders = errors.New("fallback: at least one provider is required")

// Config holds the attempt policy shared by STT and TTS coordinators.
type Config struct {
	// AttemptTimeout bounds every attempt. Zero disables the deadline.
	AttemptTimeout time.Duration
	// MaxRetries is the number of additional attempts on the same provider
	// before advancing to the next one.
	MaxRetries int
}

// STTConfig configures an STT coordinator.
type STTConfig struct {
	Config
	// RetryInterval is the delay before retrying the same provider.
	RetryInterval time.Duration
}

// TTSConfig configures a TTS coordinator.
type TTSConfig struct {
	Config
	// NoFallbackAfter stops mid-stream failover once this much audio was
	// emitted for the request; later failures surface as errors.
	NoFallbackAfter time.Duration
}

// Defaults.
const (
	DefaultAttemptTimeout  = 10 * time.Second
	DefaultMaxRetries      = 1
	DefaultRetryInterval   = 5 * time.Second
	DefaultNoFallbackAfter = 3 * time.Second
)

// DefaultSTTConfig returns the default STT policy.
func DefaultSTTConfig() STTConfig {
	return STTConfig{
		Config:        Config{AttemptTimeout: DefaultAttemptTimeout, MaxRetries: DefaultMaxRetries},
		RetryInterval: DefaultRetryInterval,
	}
}

// DefaultTTSConfig returns the default TTS policy.
func DefaultTTSConfig() TTSConfig {
	return TTSConfig{
		Config:          Config{AttemptTimeout: DefaultAttemptTimeout, MaxRetries: DefaultMaxRetries},
		NoFallbackAfter: DefaultNoFallbackAfter,
	}
}

func (c Config) validate() error {
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("fallback: negative attempt timeout %v", c.AttemptTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("fallback: negative max retries %d", c.MaxRetries)
	}
	return nil
}
