package punch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/reuse"
)

// Paths name the task that produced a connection.
const (
	PathListener = "listener"
	PathPublic   = "public"
	PathPrivate  = "private"
)

var (
	// ErrAbandoned is returned when the race ends with no connection.
	ErrAbandoned = errors.New("punch: abandoned")
	// ErrBindFailed wraps a failure to bind the shared local port.
	ErrBindFailed = errors.New("punch: bind failed")
	// ErrConnectFailed wraps one failed connect attempt. Connectors retry it.
	ErrConnectFailed = errors.New("punch: connect failed")
)

// State is the lifecycle of one punching session.
type State int32

const (
	StateIdle State = iota
	StateRacing
	StateConnected
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRacing:
		return "racing"
	case StateConnected:
		return "connected"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is a direct peer connection handed to the Handler.
type Conn struct {
	net.Conn
	Path      string
	SessionID string
}

// Handler owns a peer connection until it returns; the engine closes the
// connection afterwards. ctx is the caller's context, not the race deadline.
type Handler func(ctx context.Context, c *Conn) error

// Drain reads and discards until the peer closes the connection.
func Drain(logger *zap.Logger) Handler {
	logger = obs.OrNop(logger)
	return func(ctx context.Context, c *Conn) error {
		n, err := io.Copy(io.Discard, c)
		logger.Info("punch.peer_closed",
			zap.String("session", c.SessionID),
			zap.String("path", c.Path),
			zap.Stringer("remote", c.RemoteAddr()),
			zap.Int64("bytes", n),
		)
		if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}

// Result describes a finished session.
type Result struct {
	ID       string
	State    State
	Winner   string
	Remote   net.Addr
	Attempts map[string]int
	Elapsed  time.Duration
}

// Engine runs punching sessions. It is safe for concurrent use; each call to
// Punch is independent.
type Engine struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
}

// NewEngine creates an engine. A nil handler drains connections until EOF.
func NewEngine(cfg Config, handler Handler, logger *zap.Logger) *Engine {
	cfg.ApplyDefaults()
	logger = obs.OrNop(logger).Named("punch")
	if handler == nil {
		handler = Drain(logger)
	}
	return &Engine{cfg: cfg, handler: handler, logger: logger}
}

// session is the state shared by the tasks of one Punch call.
type session struct {
	id      string
	parent  context.Context
	local   *net.TCPAddr
	network string
	logger  *zap.Logger
	handler Handler

	state   atomic.Int32
	won     atomic.Bool
	decided chan struct{}
	winner  string
	remote  net.Addr

	attemptsPub  atomic.Int64
	attemptsPriv atomic.Int64
}

// claim marks path as the winner. Only the first caller succeeds.
func (s *session) claim(path string, remote net.Addr) bool {
	if !s.won.CompareAndSwap(false, true) {
		return false
	}
	s.winner = path
	s.remote = remote
	s.state.Store(int32(StateConnected))
	close(s.decided)
	return true
}

func (s *session) isDecided() bool { return s.won.Load() }

// winnerPath blocks until claim has published the winner. Call it only after
// isDecided reported true.
func (s *session) winnerPath() string {
	<-s.decided
	return s.winner
}

// Punch races a listener on local and connectors to both candidates. It
// returns after the winning connection's handler has finished, or with
// ErrAbandoned once the race times out or every connector gives up.
func (e *Engine) Punch(ctx context.Context, local *net.TCPAddr, cand proto.Candidates) (Result, error) {
	res := Result{ID: uuid.NewString(), State: StateIdle}
	if local == nil {
		return res, errors.New("punch: local address is required")
	}
	publicAddr, err := proto.DialAddress(cand.Public)
	if err != nil {
		return res, fmt.Errorf("punch: public candidate: %w", err)
	}
	privateAddr, err := proto.DialAddress(cand.Private)
	if err != nil {
		return res, fmt.Errorf("punch: private candidate: %w", err)
	}

	s := &session{
		id:      res.ID,
		parent:  ctx,
		local:   local,
		network: reuse.Network(local.IP.To4() == nil),
		logger:  e.logger.With(zap.String("session", res.ID)),
		handler: e.handler,
		decided: make(chan struct{}),
	}
	s.state.Store(int32(StateRacing))
	start := time.Now()
	s.logger.Info("punch.start",
		zap.Stringer("local", local),
		zap.String("public", cand.Public),
		zap.String("private", cand.Private),
	)

	raceCtx, cancelRace := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancelRace()

	var g errgroup.Group
	if ln := s.listen(raceCtx); ln != nil {
		g.Go(func() error {
			<-raceCtx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			s.acceptLoop(ln, &g)
			return nil
		})
	}

	var connectors sync.WaitGroup
	connectorsDone := make(chan struct{})
	for _, c := range []struct{ path, addr string }{
		{PathPublic, publicAddr},
		{PathPrivate, privateAddr},
	} {
		c := c
		connectors.Add(1)
		g.Go(func() error {
			defer connectors.Done()
			e.connect(raceCtx, s, c.path, c.addr)
			return nil
		})
	}
	g.Go(func() error {
		connectors.Wait()
		close(connectorsDone)
		return nil
	})

	select {
	case <-s.decided:
		obs.PunchDuration.Observe(time.Since(start).Seconds())
	case <-raceCtx.Done():
	case <-connectorsDone:
	}
	// stops the losers and the listener; the winner's handler keeps running
	// under ctx
	cancelRace()
	closeErr := g.Wait()

	res.Elapsed = time.Since(start)
	res.Attempts = map[string]int{
		PathPublic:  int(s.attemptsPub.Load()),
		PathPrivate: int(s.attemptsPriv.Load()),
	}
	if !s.isDecided() {
		s.state.Store(int32(StateAbandoned))
		res.State = StateAbandoned
		obs.PunchOutcomes.WithLabelValues(StateAbandoned.String(), "").Inc()
		s.logger.Warn("punch.abandoned", zap.Duration("elapsed", res.Elapsed), zap.Any("attempts", res.Attempts))
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
		}
		return res, ErrAbandoned
	}
	res.State = StateConnected
	res.Winner = s.winner
	res.Remote = s.remote
	obs.PunchOutcomes.WithLabelValues(StateConnected.String(), s.winner).Inc()
	s.logger.Info("punch.done", zap.String("winner", s.winner), zap.Duration("elapsed", res.Elapsed))
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		s.logger.Debug("punch.listen.close", zap.Error(closeErr))
	}
	return res, nil
}

// listen binds the shared local port for inbound attempts from the peer. A
// bind failure only costs this session its passive side.
func (s *session) listen(ctx context.Context) *net.TCPListener {
	ln, err := reuse.Listen(ctx, s.network, s.local)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("punch_listen_bind").Inc()
		s.logger.Error("punch.listen.bind", zap.Stringer("local", s.local), zap.Error(fmt.Errorf("%w: %w", ErrBindFailed, err)))
		return nil
	}
	s.logger.Info("punch.listen", zap.Stringer("local", ln.Addr()))
	return ln
}

func (s *session) acceptLoop(ln *net.TCPListener, g *errgroup.Group) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("punch.accept", zap.Error(err))
			}
			return
		}
		s.logger.Info("punch.accepted", zap.Stringer("peer", c.RemoteAddr()), zap.Stringer("local", c.LocalAddr()))
		if !s.claim(PathListener, c.RemoteAddr()) {
			s.logger.Info("punch.accepted.late", zap.Stringer("peer", c.RemoteAddr()), zap.String("winner", s.winnerPath()))
		}
		g.Go(func() error {
			s.serve(c, PathListener)
			return nil
		})
	}
}

func (e *Engine) connect(ctx context.Context, s *session, path, raddr string) {
	log := s.logger.With(zap.String("path", path), zap.String("target", raddr))
	counter := &s.attemptsPub
	if path == PathPrivate {
		counter = &s.attemptsPriv
	}

	if e.cfg.InitialDelay > 0 {
		t := time.NewTimer(e.cfg.InitialDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.logExit(log, ctx)
			return
		}
	}

	for attempt := 1; ; attempt++ {
		if s.isDecided() || ctx.Err() != nil {
			s.logExit(log, ctx)
			return
		}
		if e.cfg.MaxAttempts > 0 && attempt > e.cfg.MaxAttempts {
			log.Warn("punch.connect.exhausted", zap.Int("attempts", e.cfg.MaxAttempts))
			return
		}
		counter.Add(1)
		obs.PunchAttempts.WithLabelValues(path).Inc()
		log.Debug("punch.connect.try", zap.Int("attempt", attempt), zap.Stringer("local", s.local))

		c, err := reuse.Dial(ctx, s.network, s.local, raddr, e.cfg.ConnectTimeout)
		if err != nil {
			log.Debug("punch.connect.failed", zap.Int("attempt", attempt), zap.Error(fmt.Errorf("%w: %w", ErrConnectFailed, err)))
			if e.cfg.RetryInterval > 0 {
				t := time.NewTimer(e.cfg.RetryInterval)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				case <-s.decided:
					t.Stop()
				}
			}
			continue
		}

		if s.claim(path, c.RemoteAddr()) {
			log.Info("punch.connected", zap.Int("attempt", attempt), zap.Stringer("local", c.LocalAddr()))
		} else {
			log.Info("punch.connected.late", zap.String("winner", s.winnerPath()))
		}
		s.serve(c, path)
		return
	}
}

func (s *session) logExit(log *zap.Logger, ctx context.Context) {
	if s.isDecided() {
		log.Info("punch.yield", zap.String("winner", s.winnerPath()))
		return
	}
	log.Debug("punch.connect.stop", zap.Error(ctx.Err()))
}

// serve runs the handler on c. Cancelling the caller's context closes c so
// a blocked handler returns.
func (s *session) serve(c net.Conn, path string) {
	stop := context.AfterFunc(s.parent, func() { _ = c.Close() })
	defer stop()
	defer c.Close()
	if err := s.handler(s.parent, &Conn{Conn: c, Path: path, SessionID: s.id}); err != nil {
		s.logger.Warn("punch.handler", zap.String("path", path), zap.Error(err))
	}
}
