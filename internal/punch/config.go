// Package punch performs the client side of TCP hole punching: a listener and
// two connectors race on the local port of the control connection until one
// of them completes a handshake with the peer.
package punch

import (
	"errors"
	"time"
)

const (
	// DefaultInitialDelay gives the listener time to bind before connectors start.
	DefaultInitialDelay = 200 * time.Millisecond
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 2 * time.Second
	// DefaultTimeout bounds the whole race.
	DefaultTimeout = 30 * time.Second
)

// Config controls one engine. Zero values are filled by ApplyDefaults.
type Config struct {
	// InitialDelay is how long connectors wait before their first attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// ConnectTimeout bounds one connect call.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RetryInterval is the pause between failed attempts. Zero retries
	// immediately: NAT mapping windows are short.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxAttempts caps attempts per connector. Zero means no cap; Timeout
	// still applies.
	MaxAttempts int `yaml:"max_attempts"`

	// Timeout bounds the race from start to a decided winner.
	Timeout time.Duration `yaml:"timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.InitialDelay < 0 {
		return errors.New("punch: config: InitialDelay must not be negative")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("punch: config: ConnectTimeout must be positive")
	}
	if c.RetryInterval < 0 {
		return errors.New("punch: config: RetryInterval must not be negative")
	}
	if c.MaxAttempts < 0 {
		return errors.New("punch: config: MaxAttempts must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("punch: config: Timeout must be positive")
	}
	return nil
}
