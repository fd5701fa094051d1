package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/punchhole/internal/rendezvous"
)

// Config holds all runtime configuration derived from flags and the optional
// YAML file.
type Config struct {
	Server rendezvous.Config `yaml:"server"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables the registry mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if c.Redis.TTL < 0 {
		return errors.New("server: config: redis TTL must not be negative")
	}
	return nil
}

var (
	cfgFile string
	cfg     Config
)

// bindFlags registers all server flags on cmd, bound to cfg.
func bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file; flags given explicitly override it")
	f.StringVarP(&cfg.Server.Address, "address", "a", "", "address to listen on (default loopback of the chosen family)")
	f.Uint16VarP(&cfg.Server.Port, "port", "p", rendezvous.DefaultPort, "port to listen on")
	f.BoolVar(&cfg.Server.IPv6, "ipv6", false, "use IPv6")
	f.StringVar(&cfg.Server.Wire, "wire", "framed", "control message envelope: framed (length-prefixed) or raw (unframed text, needed to talk to legacy peers)")
	f.DurationVar(&cfg.Server.WriteTimeout, "write-timeout", 5*time.Second, "deadline for one peer-list write")
	f.IntVar(&cfg.Server.RateLimit.GlobalConnRate, "conn-rate", 0, "control connections accepted per second, all sources (0 = unlimited)")
	f.IntVar(&cfg.Server.RateLimit.PerSourceConnRate, "source-conn-rate", 0, "control connections accepted per second per source IP (0 = unlimited)")
	f.IntVar(&cfg.Server.RateLimit.PerConnRegisterRate, "register-rate", 0, "registrations processed per second per connection (0 = unlimited)")
	f.IntVar(&cfg.Server.RateLimit.Burst, "burst", 1, "rate limiter burst size")
	f.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address (empty disables)")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", "json", "log format (json, console)")
	f.StringVar(&cfg.Redis.Addr, "redis", "", "Redis address to mirror the peer registry into (empty disables)")
	f.StringVar(&cfg.Redis.Password, "redis-password", "", "Redis password")
	f.IntVar(&cfg.Redis.DB, "redis-db", 0, "Redis database number")
	f.DurationVar(&cfg.Redis.TTL, "redis-ttl", 24*time.Hour, "expiry of mirrored peer entries")
}
