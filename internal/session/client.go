// Package session runs the client side of a rendezvous: it registers the
// control connection's local endpoint with the server and starts a punch for
// every peer list the server pushes back.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/punch"
	"github.com/matst80/punchhole/internal/rendezvous"
	"github.com/matst80/punchhole/internal/reuse"
)

// DefaultDialTimeout bounds the control connection dial.
const DefaultDialTimeout = 10 * time.Second

// Config describes the server to register with and how to punch.
type Config struct {
	// ServerAddress is the rendezvous host. Empty selects loopback.
	ServerAddress string `yaml:"server_address"`
	ServerPort    uint16 `yaml:"server_port"`
	IPv6          bool   `yaml:"ipv6"`
	Wire          string `yaml:"wire"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	Punch punch.Config `yaml:"punch"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ServerAddress == "" {
		c.ServerAddress = rendezvous.DefaultAddress(c.IPv6)
	}
	if c.ServerPort == 0 {
		c.ServerPort = rendezvous.DefaultPort
	}
	if c.Wire == "" {
		c.Wire = proto.Framed{}.Name()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	c.Punch.ApplyDefaults()
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.ServerAddress == "" {
		return errors.New("session: config: ServerAddress is required")
	}
	if _, err := proto.ParseWire(c.Wire); err != nil {
		return fmt.Errorf("session: config: %w", err)
	}
	if c.DialTimeout <= 0 {
		return errors.New("session: config: DialTimeout must be positive")
	}
	return c.Punch.Validate()
}

// Endpoint is the server's host:port.
func (c *Config) Endpoint() string {
	return net.JoinHostPort(c.ServerAddress, strconv.Itoa(int(c.ServerPort)))
}

// ResultFunc observes every finished punch run.
type ResultFunc func(res punch.Result, err error)

// Client is one control session with the rendezvous server.
type Client struct {
	cfg      Config
	codec    proto.Codec
	engine   *punch.Engine
	handler  punch.Handler
	onResult ResultFunc
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHandler sets what happens with a punched connection. The default
// drains it until the peer closes.
func WithHandler(h punch.Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithResultFunc registers fn to be called after each punch run.
func WithResultFunc(fn ResultFunc) Option {
	return func(c *Client) { c.onResult = fn }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := proto.ParseWire(cfg.Wire)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, codec: codec, logger: obs.OrNop(logger).Named("session")}
	for _, o := range opts {
		o(c)
	}
	c.engine = punch.NewEngine(cfg.Punch, c.handler, logger)
	return c, nil
}

// Run dials the server, registers and handles peer lists until the server
// closes the connection (nil) or ctx is cancelled (nil). Punch runs started
// by Run are cancelled and waited for before it returns.
func (c *Client) Run(ctx context.Context) (err error) {
	network := reuse.Network(c.cfg.IPv6)
	conn, err := reuse.Dial(ctx, network, nil, c.cfg.Endpoint(), c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", c.cfg.Endpoint(), err)
	}
	local := conn.LocalAddr().(*net.TCPAddr)
	log := c.logger.With(zap.Stringer("local", local), zap.String("server", c.cfg.Endpoint()))

	runCtx, cancelRuns := context.WithCancel(ctx)
	var runs sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		cancelRuns()
		runs.Wait()
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}()

	reg := proto.Register(local.IP.String(), uint16(local.Port))
	log.Info("session.register", zap.String("endpoint", reg.Payload), zap.String("wire", c.codec.Name()))
	if err := c.codec.WriteMessage(conn, reg); err != nil {
		return fmt.Errorf("session: register: %w", err)
	}

	rd := c.codec.NewReader(conn, proto.TypePeerList)
	for {
		m, err := rd.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("session.server_closed")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: read: %w", err)
		}
		if m.Type != proto.TypePeerList {
			log.Warn("session.message.unexpected", zap.Stringer("type", m.Type))
			continue
		}
		log.Info("session.peer_list", zap.String("payload", m.Payload))
		cands, err := proto.DecodePeerMessage(m.Payload)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("malformed_peer_list").Inc()
			log.Warn("session.peer_list.malformed", zap.Error(err))
			continue
		}
		if len(cands) > 1 {
			log.Debug("session.peer_list.extra", zap.Int("ignored", len(cands)-1))
		}

		first := cands[0]
		runID := uuid.NewString()
		runs.Add(1)
		go func() {
			defer runs.Done()
			c.punch(runCtx, log.With(zap.String("run", runID)), local, first)
		}()
	}
}

func (c *Client) punch(ctx context.Context, log *zap.Logger, local *net.TCPAddr, cand proto.Candidates) {
	log.Info("session.punch", zap.String("public", cand.Public), zap.String("private", cand.Private))
	res, err := c.engine.Punch(ctx, local, cand)
	if err != nil {
		log.Warn("session.punch.failed", zap.String("session", res.ID), zap.Error(err))
	} else {
		log.Info("session.punch.done",
			zap.String("session", res.ID),
			zap.String("winner", res.Winner),
			zap.Stringer("remote", res.Remote),
		)
	}
	if c.onResult != nil {
		c.onResult(res, err)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
