package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/punchhole/internal/punch"
	"github.com/matst80/punchhole/internal/rendezvous"
	"github.com/matst80/punchhole/internal/session"
)

// Config holds client runtime configuration.
type Config struct {
	Session session.Config `yaml:"session"`

	// Reconnect is the pause before dialing the server again after the
	// control connection ends. Zero exits instead.
	Reconnect time.Duration `yaml:"reconnect"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	c.Session.ApplyDefaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Reconnect < 0 {
		return errors.New("client: config: Reconnect must not be negative")
	}
	return c.Session.Validate()
}

var (
	cfgFile string
	cfg     Config
)

// bindFlags registers all client flags on cmd, bound to cfg.
func bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file; flags given explicitly override it")
	f.StringVarP(&cfg.Session.ServerAddress, "address", "a", "", "rendezvous server address (default loopback of the chosen family)")
	f.Uint16VarP(&cfg.Session.ServerPort, "port", "p", rendezvous.DefaultPort, "rendezvous server port")
	f.BoolVar(&cfg.Session.IPv6, "ipv6", false, "use IPv6")
	f.StringVar(&cfg.Session.Wire, "wire", "framed", "control message envelope: framed (length-prefixed) or raw (unframed text, needed to talk to legacy peers)")
	f.DurationVar(&cfg.Session.DialTimeout, "dial-timeout", session.DefaultDialTimeout, "timeout for the control connection dial")

	f.DurationVar(&cfg.Session.Punch.InitialDelay, "initial-delay", punch.DefaultInitialDelay, "delay before connectors start, so the listener binds first")
	f.DurationVar(&cfg.Session.Punch.ConnectTimeout, "connect-timeout", punch.DefaultConnectTimeout, "timeout for one connect attempt")
	f.DurationVar(&cfg.Session.Punch.RetryInterval, "retry-interval", 0, "pause between failed connect attempts (0 retries immediately)")
	f.IntVar(&cfg.Session.Punch.MaxAttempts, "max-attempts", 0, "connect attempts per candidate (0 = until punch-timeout)")
	f.DurationVar(&cfg.Session.Punch.Timeout, "punch-timeout", punch.DefaultTimeout, "give up a punch after this long without a connection")

	f.DurationVar(&cfg.Reconnect, "reconnect", 0, "reconnect to the server after this delay when the control connection ends (0 exits)")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", "json", "log format (json, console)")
}
