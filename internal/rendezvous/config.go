// Package rendezvous is the server half of punchhole: it accepts control
// connections, records the endpoint each client reports next to the one the
// server observes, and pushes every peer the endpoints of all the others.
package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/ratelimit"
	"github.com/matst80/punchhole/internal/relay"
	"github.com/matst80/punchhole/internal/reuse"
)

const (
	// DefaultPort is the control port clients connect to.
	DefaultPort = 3000
	// DefaultLimiterSweep is how often idle rate-limit buckets are dropped.
	DefaultLimiterSweep = time.Minute
)

// Config holds the rendezvous listener settings.
type Config struct {
	// Address to bind. Empty selects the loopback of the chosen family.
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
	IPv6    bool   `yaml:"ipv6"`

	// Wire is the control envelope: "framed" (default) or "raw".
	Wire string `yaml:"wire"`

	// WriteTimeout bounds one peer-list write to a control connection.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	RateLimit    ratelimit.Config `yaml:"rate_limit"`
	LimiterSweep time.Duration    `yaml:"limiter_sweep"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress(c.IPv6)
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Wire == "" {
		c.Wire = proto.Framed{}.Name()
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = relay.DefaultWriteTimeout
	}
	if c.LimiterSweep == 0 {
		c.LimiterSweep = DefaultLimiterSweep
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if net.ParseIP(c.Address) == nil {
		return fmt.Errorf("rendezvous: config: Address %q is not an IP literal", c.Address)
	}
	if _, err := proto.ParseWire(c.Wire); err != nil {
		return fmt.Errorf("rendezvous: config: %w", err)
	}
	if c.WriteTimeout < 0 {
		return errors.New("rendezvous: config: WriteTimeout must not be negative")
	}
	if c.LimiterSweep <= 0 {
		return errors.New("rendezvous: config: LimiterSweep must be positive")
	}
	if c.RateLimit.GlobalConnRate < 0 || c.RateLimit.PerSourceConnRate < 0 || c.RateLimit.PerConnRegisterRate < 0 {
		return errors.New("rendezvous: config: rate limits must not be negative")
	}
	return nil
}

// Endpoint is the host:port the server listens on.
func (c *Config) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(int(c.Port)))
}

// Network is "tcp6" or "tcp4" according to IPv6.
func (c *Config) Network() string { return reuse.Network(c.IPv6) }

// DefaultAddress is the loopback address of the requested family.
func DefaultAddress(ipv6 bool) string {
	if ipv6 {
		return "::1"
	}
	return "127.0.0.1"
}

// Family names the address family for logs: "IPv4" or "IPv6".
func Family(ipv6 bool) string {
	if ipv6 {
		return "IPv6"
	}
	return "IPv4"
}
