package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/ratelimit"
	"github.com/matst80/punchhole/internal/registry"
	"github.com/matst80/punchhole/internal/relay"
)

// Server is the rendezvous server. Create it with New; Serve may be called
// once.
type Server struct {
	cfg      Config
	codec    proto.Codec
	registry *registry.Registry
	relay    *relay.Dispatcher
	limiter  *ratelimit.Limiter
	logger   *zap.Logger

	observers []registry.Observer

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	owners   map[string]net.Conn // remote endpoint to its newest control conn
	closing  bool
	handlers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	ready    atomic.Bool
	accepted atomic.Int64
	rejected atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithObservers registers registry observers, such as a RedisMirror.
func WithObservers(o ...registry.Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, o...) }
}

// WithLimiter replaces the limiter built from Config.RateLimit.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New validates cfg and wires the registry, relay and limiter.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := proto.ParseWire(cfg.Wire)
	if err != nil {
		return nil, err
	}
	logger = obs.OrNop(logger)
	s := &Server{
		cfg:    cfg,
		codec:  codec,
		logger: logger.Named("rendezvous"),
		conns:  make(map[net.Conn]struct{}),
		owners: make(map[string]net.Conn),
	}
	if cfg.RateLimit.Enabled() {
		s.limiter = ratelimit.New(cfg.RateLimit)
	}
	for _, o := range opts {
		o(s)
	}
	s.registry = registry.New(s.observers...)
	s.relay = relay.New(codec, logger, relay.WithWriteTimeout(cfg.WriteTimeout))
	return s, nil
}

// Config returns the effective configuration, defaults applied.
func (s *Server) Config() Config { return s.cfg }

// ListenAndServe binds the configured endpoint and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.cfg.Network(), s.cfg.Endpoint())
	if err != nil {
		return fmt.Errorf("rendezvous: listen %s: %w", s.cfg.Endpoint(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on ln until ctx is cancelled or Accept
// fails permanently. On return the listener and every control connection are
// closed and queued relays have been flushed. Cancellation is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server.listen",
		zap.Stringer("addr", ln.Addr()),
		zap.String("wire", s.codec.Name()),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	var g errgroup.Group
	// the relay outlives ctx so peer lists queued before shutdown are flushed
	g.Go(func() error { return s.relay.Run(context.WithoutCancel(ctx)) })
	if s.limiter != nil {
		g.Go(func() error {
			s.sweepLimiter(sweepCtx)
			return nil
		})
	}

	stop := context.AfterFunc(ctx, func() { _ = s.shutdown(ln) })
	defer stop()

	s.ready.Store(true)
	s.logger.Info("server.ready")
	acceptErr := s.acceptLoop(ctx, ln)
	s.ready.Store(false)

	closeErr := s.shutdown(ln)
	s.handlers.Wait()
	s.relay.Close()
	stopSweep()
	relayErr := g.Wait()

	s.logger.Info("server.shutdown.complete",
		zap.Int64("accepted", s.accepted.Load()),
		zap.NamedError("close", closeErr),
	)
	if ctx.Err() != nil {
		return relayErr
	}
	return multierr.Append(acceptErr, relayErr)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Error("accept.control.timeout", zap.Error(err))
				continue
			}
			return fmt.Errorf("rendezvous: accept: %w", err)
		}
		s.accepted.Add(1)

		addr, port, err := peerEndpoint(c.RemoteAddr())
		if err != nil {
			s.logger.Error("accept.control.addr", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			obs.ErrorsTotal.WithLabelValues("remote_addr").Inc()
			_ = c.Close()
			continue
		}
		if s.limiter != nil && !s.limiter.AllowConnection(addr) {
			s.rejected.Add(1)
			obs.ErrorsTotal.WithLabelValues("rate_limited_conn").Inc()
			s.logger.Warn("accept.control.rate_limited", zap.String("source", addr))
			_ = c.Close()
			continue
		}
		key := proto.FormatEndpoint(addr, port)
		if !s.track(c, key) {
			_ = c.Close()
			return nil
		}
		if err := s.relay.Attach(key, c); err != nil {
			s.release(c, key)
			s.untrack(c)
			_ = c.Close()
			return nil
		}
		go s.handle(c, addr, port)
	}
}

// track records c as the owner of key and reserves a handler slot. It
// refuses once shutdown began.
func (s *Server) track(c net.Conn, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.owners[key] = c
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.handlers.Done()
	}
	s.mu.Unlock()
}

// release gives up c's claim on key. It reports whether c still owned key,
// in which case the caller may clear state stored under key.
func (s *Server) release(c net.Conn, key string) (owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[key] != c {
		return false
	}
	delete(s.owners, key)
	return true
}

func (s *Server) owns(c net.Conn, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[key] == c
}

// shutdown closes the listener and every control connection once.
func (s *Server) shutdown(ln net.Listener) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.closeErr = ignoreClosed(ln.Close())
		for _, c := range conns {
			s.closeErr = multierr.Append(s.closeErr, ignoreClosed(c.Close()))
		}
	})
	return s.closeErr
}

func (s *Server) handle(c net.Conn, addr string, port uint16) {
	key := proto.FormatEndpoint(addr, port)
	log := s.logger.With(zap.String("peer", key))
	obs.ControlConnections.Inc()
	defer obs.ControlConnections.Dec()
	log.Debug("control.conn.open")

	rd := s.codec.NewReader(c, proto.TypeRegister)
	for {
		m, err := rd.ReadMessage()
		if err != nil {
			if errors.Is(err, proto.ErrUnknownType) {
				log.Warn("control.message.unknown", zap.Error(err))
				obs.ErrorsTotal.WithLabelValues("unknown_type").Inc()
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error("control.conn.read", zap.Error(err))
				obs.ErrorsTotal.WithLabelValues("control_read").Inc()
			}
			s.drop(log, c, key, addr, port)
			return
		}
		switch m.Type {
		case proto.TypeRegister:
			if !s.owns(c, key) {
				log.Warn("control.register.superseded")
				continue
			}
			s.register(log, key, addr, port, m.Payload)
		default:
			log.Warn("control.message.unexpected", zap.Stringer("type", m.Type))
			obs.ErrorsTotal.WithLabelValues("unexpected_type").Inc()
		}
	}
}

// drop forgets everything tied to one control connection and closes it. When
// a newer connection from the same endpoint has taken over, only c itself is
// released and the newer peer's record stays.
func (s *Server) drop(log *zap.Logger, c net.Conn, key, addr string, port uint16) {
	removed := false
	owned := s.release(c, key)
	if owned {
		removed = s.registry.Unregister(addr, port)
		if s.limiter != nil {
			s.limiter.Forget(key)
		}
	}
	if err := s.relay.Detach(key, c); err != nil && !errors.Is(err, relay.ErrClosed) {
		log.Error("control.conn.detach", zap.Error(err))
	}
	err := ignoreClosed(c.Close())
	s.untrack(c)
	log.Info("control.conn.cleanup",
		zap.Bool("removed", removed),
		zap.Bool("superseded", !owned),
		zap.NamedError("close", err),
	)
}

func (s *Server) register(log *zap.Logger, key, addr string, port uint16, payload string) {
	if s.limiter != nil && !s.limiter.AllowRegistration(key) {
		obs.ErrorsTotal.WithLabelValues("rate_limited_register").Inc()
		log.Warn("control.register.rate_limited")
		return
	}
	host, localPort, err := proto.SplitEndpoint(payload)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("malformed_registration").Inc()
		log.Warn("control.register.malformed", zap.String("payload", payload), zap.Error(err))
		return
	}
	rec := proto.PeerRecord{
		LocalAddress:  host,
		LocalPort:     localPort,
		RemoteAddress: addr,
		RemotePort:    port,
	}
	log.Info("control.register.incoming", zap.String("from", key), zap.String("local", rec.Private()))
	s.registry.Register(rec)
	obs.RegistrationsTotal.Inc()
	s.broadcast(log)
}

// broadcast queues, for every registered peer, the list of all the others.
func (s *Server) broadcast(log *zap.Logger) {
	for _, d := range s.registry.Fanout() {
		if err := s.relay.Enqueue(d.Target.Key(), proto.EncodePeers(d.Peers)); err != nil {
			log.Warn("relay.enqueue", zap.String("target", d.Target.Key()), zap.Error(err))
			return
		}
	}
}

func (s *Server) sweepLimiter(ctx context.Context) {
	t := time.NewTicker(s.cfg.LimiterSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.CleanupIdle(2 * s.cfg.LimiterSweep); n > 0 {
				s.logger.Debug("ratelimit.cleanup", zap.Int("dropped", n))
			}
		}
	}
}

// Ready reports whether Serve is accepting connections.
func (s *Server) Ready() bool { return s.ready.Load() }

// Peers returns a copy of the registry.
func (s *Server) Peers() []proto.PeerRecord { return s.registry.All() }

// Stats is a point-in-time summary for the ops endpoint.
type Stats struct {
	Peers          int   `json:"peers"`
	Connections    int   `json:"connections"`
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	RelayAttached  int   `json:"relay_attached"`
	RelayPending   int   `json:"relay_pending"`
	RelayDelivered int64 `json:"relay_delivered"`
	RelayFailed    int64 `json:"relay_failed"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()
	attached, delivered, failed := s.relay.Stats()
	return Stats{
		Peers:          s.registry.Len(),
		Connections:    conns,
		Accepted:       s.accepted.Load(),
		Rejected:       s.rejected.Load(),
		RelayAttached:  attached,
		RelayPending:   s.relay.Pending(),
		RelayDelivered: delivered,
		RelayFailed:    failed,
	}
}

// peerEndpoint splits a remote address into the textual IP and port the
// registry keys on.
func peerEndpoint(a net.Addr) (string, uint16, error) {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String(), uint16(ta.Port), nil
	}
	host, portText, err := net.SplitHostPort(a.String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
