// Package relay serializes every server-to-client signaling write through a
// single worker that also owns the table of live control connections.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
)

var (
	// ErrClosed is returned when commands arrive after Close.
	ErrClosed = errors.New("relay: dispatcher closed")
	// ErrTargetMissing is logged when a delivery names a connection that is
	// no longer attached; the peer disconnected between fan-out and delivery.
	ErrTargetMissing = errors.New("relay: target missing")
)

// DefaultWriteTimeout bounds a single write so one stalled peer cannot hold
// up signaling for everyone else.
const DefaultWriteTimeout = 5 * time.Second

type opKind int

const (
	opAttach opKind = iota
	opDetach
	opDeliver
)

type op struct {
	kind opKind
	key  string
	conn net.Conn
	msg  proto.Message
}

// Dispatcher is a many-producer, single-consumer relay. Handlers call Attach,
// Detach and Enqueue from any goroutine; Run applies them in arrival order.
type Dispatcher struct {
	codec        proto.Codec
	logger       *zap.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	queue  []op
	closed bool
	notify chan struct{}

	// conns is only touched by the Run goroutine.
	conns map[string]net.Conn

	attached  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWriteTimeout overrides DefaultWriteTimeout. Zero disables deadlines.
func WithWriteTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.writeTimeout = d }
}

func New(codec proto.Codec, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		codec:        codec,
		logger:       obs.OrNop(logger).Named("relay"),
		writeTimeout: DefaultWriteTimeout,
		notify:       make(chan struct{}, 1),
		conns:        make(map[string]net.Conn),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Attach makes conn the delivery target for key.
func (d *Dispatcher) Attach(key string, conn net.Conn) error {
	return d.push(op{kind: opAttach, key: key, conn: conn})
}

// Detach forgets conn as the target for key. It is a no-op when key has since
// been attached to a different connection. The caller still owns and closes conn.
func (d *Dispatcher) Detach(key string, conn net.Conn) error {
	return d.push(op{kind: opDetach, key: key, conn: conn})
}

// Enqueue schedules a peer-list payload for the connection attached as key.
func (d *Dispatcher) Enqueue(key, payload string) error {
	return d.push(op{kind: opDeliver, key: key, msg: proto.Message{Type: proto.TypePeerList, Payload: payload}})
}

// Close stops accepting commands. Run drains what is already queued and returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wake()
}

// Pending is the number of queued commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats reports attached connections and delivery counters.
func (d *Dispatcher) Stats() (attached int, delivered, failed int64) {
	return int(d.attached.Load()), d.delivered.Load(), d.failed.Load()
}

func (d *Dispatcher) push(o op) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, o)
	n := len(d.queue)
	d.mu.Unlock()
	obs.RelayQueueDepth.Set(float64(n))
	d.wake()
	return nil
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// take swaps out the current queue. done is true once the dispatcher is
// closed and nothing is left.
func (d *Dispatcher) take() (batch []op, done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch, d.queue = d.queue, nil
	return batch, len(batch) == 0 && d.closed
}

// Run consumes commands until Close has been called and the queue is empty,
// or until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("relay.start")
	defer d.logger.Debug("relay.stop")
	for {
		batch, done := d.take()
		if done {
			return nil
		}
		obs.RelayQueueDepth.Set(0)
		for _, o := range batch {
			d.apply(o)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		}
	}
}

func (d *Dispatcher) apply(o op) {
	switch o.kind {
	case opAttach:
		if _, exists := d.conns[o.key]; !exists {
			d.attached.Add(1)
		}
		d.conns[o.key] = o.conn
	case opDetach:
		if cur, exists := d.conns[o.key]; exists && cur == o.conn {
			delete(d.conns, o.key)
			d.attached.Add(-1)
		}
	case opDeliver:
		d.deliver(o.key, o.msg)
	}
}

func (d *Dispatcher) deliver(key string, msg proto.Message) {
	conn, ok := d.conns[key]
	if !ok {
		d.failed.Add(1)
		obs.RelayFailures.WithLabelValues("target_missing").Inc()
		d.logger.Warn("relay.target_missing", zap.String("target", key), zap.Error(ErrTargetMissing))
		return
	}
	if d.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	}
	err := d.codec.WriteMessage(conn, msg)
	if d.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if errors.Is(err, proto.ErrFrameTooLarge) {
		// rejected before anything reached the socket
		d.failed.Add(1)
		obs.RelayFailures.WithLabelValues("too_large").Inc()
		d.logger.Error("relay.too_large", zap.String("target", key), zap.Int("bytes", len(msg.Payload)), zap.Error(err))
		return
	}
	if err != nil {
		d.failed.Add(1)
		obs.RelayFailures.WithLabelValues("write").Inc()
		d.logger.Error("relay.write", zap.String("target", key), zap.Error(err))
		// the handler's pending read fails once the socket is closed and it
		// unregisters the peer
		delete(d.conns, key)
		d.attached.Add(-1)
		_ = conn.Close()
		return
	}
	d.delivered.Add(1)
	obs.RelayDelivered.Inc()
	d.logger.Debug("relay.sent", zap.String("target", key), zap.String("payload", msg.Payload))
}
