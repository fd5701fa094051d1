//go:build unix

package punch

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/reuse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		InitialDelay:   10 * time.Millisecond,
		ConnectTimeout: time.Second,
		RetryInterval:  5 * time.Millisecond,
		Timeout:        10 * time.Second,
	}
}

// controlEndpoint opens a reuse-enabled "control connection" to a throwaway
// server and returns its local address, the port a client punches from.
func controlEndpoint(t *testing.T) *net.TCPAddr {
	t.Helper()
	srv, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := srv.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := reuse.Dial(context.Background(), "tcp4", nil, srv.Addr().String(), time.Second)
	require.NoError(t, err)
	peer := <-accepted

	t.Cleanup(func() {
		c.Close()
		if peer != nil {
			peer.Close()
		}
		srv.Close()
	})
	return c.LocalAddr().(*net.TCPAddr)
}

// closedEndpoint returns a loopback endpoint nobody listens on.
func closedEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return proto.FormatEndpoint(addr.IP.String(), uint16(addr.Port))
}

func wireEndpoint(a net.Addr) string {
	ta := a.(*net.TCPAddr)
	return proto.FormatEndpoint(ta.IP.String(), uint16(ta.Port))
}

type recorded struct {
	mu    sync.Mutex
	paths []string
	data  []string
}

func (r *recorded) handler(ctx context.Context, c *Conn) error {
	b, err := io.ReadAll(c)
	r.mu.Lock()
	r.paths = append(r.paths, c.Path)
	r.data = append(r.data, string(b))
	r.mu.Unlock()
	return err
}

func TestPunch_PrivateReachablePublicNot(t *testing.T) {
	local := controlEndpoint(t)

	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		c, err := peer.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("hello"))
		c.Close()
	}()

	rec := &recorded{}
	cfg := testConfig()
	e := NewEngine(cfg, rec.handler, obs.Nop())
	res, err := e.Punch(context.Background(), local, proto.Candidates{
		Public:  closedEndpoint(t),
		Private: wireEndpoint(peer.Addr()),
	})
	require.NoError(t, err)
	<-peerDone

	assert.Equal(t, StateConnected, res.State)
	assert.Equal(t, PathPrivate, res.Winner)
	assert.Equal(t, peer.Addr().String(), res.Remote.String())
	assert.GreaterOrEqual(t, res.Attempts[PathPublic], 1)
	assert.Equal(t, 1, res.Attempts[PathPrivate])
	assert.Less(t, res.Elapsed, 5*time.Second)
	// public stops at its next poll once private has won
	racing := res.Elapsed - cfg.InitialDelay
	assert.LessOrEqual(t, res.Attempts[PathPublic], int(racing/cfg.RetryInterval)+2)
	assert.Equal(t, []string{PathPrivate}, rec.paths)
	assert.Equal(t, []string{"hello"}, rec.data)
}

func TestPunch_ConnectorsBindTheControlPort(t *testing.T) {
	local := controlEndpoint(t)

	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	seen := make(chan net.Addr, 1)
	go func() {
		c, err := peer.Accept()
		if err != nil {
			close(seen)
			return
		}
		seen <- c.RemoteAddr()
		c.Close()
	}()

	e := NewEngine(testConfig(), nil, obs.Nop())
	_, err = e.Punch(context.Background(), local, proto.Candidates{
		Public:  wireEndpoint(peer.Addr()),
		Private: wireEndpoint(peer.Addr()),
	})
	require.NoError(t, err)

	from := <-seen
	require.NotNil(t, from)
	assert.Equal(t, local.Port, from.(*net.TCPAddr).Port)
}

func TestPunch_ListenerWins(t *testing.T) {
	local := controlEndpoint(t)

	cfg := testConfig()
	cfg.InitialDelay = 5 * time.Second // keep connectors out of the way

	peerDone := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			c, err := net.DialTimeout("tcp4", local.String(), time.Second)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_, err = c.Write([]byte("inbound"))
			c.Close()
			peerDone <- err
			return
		}
		peerDone <- errors.New("listener never came up")
	}()

	rec := &recorded{}
	e := NewEngine(cfg, rec.handler, obs.Nop())
	res, err := e.Punch(context.Background(), local, proto.Candidates{
		Public:  closedEndpoint(t),
		Private: closedEndpoint(t),
	})
	require.NoError(t, err)
	require.NoError(t, <-peerDone)

	assert.Equal(t, StateConnected, res.State)
	assert.Equal(t, PathListener, res.Winner)
	assert.Equal(t, 0, res.Attempts[PathPublic])
	assert.Equal(t, 0, res.Attempts[PathPrivate])
	assert.Equal(t, []string{"inbound"}, rec.data)
}

func TestPunch_AbandonedAfterMaxAttempts(t *testing.T) {
	local := controlEndpoint(t)

	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.RetryInterval = time.Millisecond

	e := NewEngine(cfg, nil, obs.Nop())
	res, err := e.Punch(context.Background(), local, proto.Candidates{
		Public:  closedEndpoint(t),
		Private: closedEndpoint(t),
	})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, StateAbandoned, res.State)
	assert.Equal(t, 3, res.Attempts[PathPublic])
	assert.Equal(t, 3, res.Attempts[PathPrivate])
	assert.Empty(t, res.Winner)
}

func TestPunch_AbandonedOnTimeout(t *testing.T) {
	local := controlEndpoint(t)

	cfg := testConfig()
	cfg.Timeout = 150 * time.Millisecond

	e := NewEngine(cfg, nil, obs.Nop())
	res, err := e.Punch(context.Background(), local, proto.Candidates{
		Public:  closedEndpoint(t),
		Private: closedEndpoint(t),
	})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, StateAbandoned, res.State)
	assert.Less(t, res.Elapsed, 5*time.Second)
}

func TestPunch_CallerCancel(t *testing.T) {
	local := controlEndpoint(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	e := NewEngine(testConfig(), nil, obs.Nop())
	_, err := e.Punch(ctx, local, proto.Candidates{
		Public:  closedEndpoint(t),
		Private: closedEndpoint(t),
	})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPunch_BadCandidates(t *testing.T) {
	e := NewEngine(testConfig(), nil, obs.Nop())
	res, err := e.Punch(context.Background(), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, proto.Candidates{
		Public:  "nope",
		Private: "127.0.0.1:1",
	})
	require.ErrorIs(t, err, proto.ErrMalformedEndpoint)
	assert.Equal(t, StateIdle, res.State)

	_, err = e.Punch(context.Background(), nil, proto.Candidates{Public: "127.0.0.1:1", Private: "127.0.0.1:1"})
	require.Error(t, err)
}

// Two clients punch towards each other's control ports at the same time,
// the way two peers do after the server relays their endpoints.
func TestPunch_TwoPeersMeet(t *testing.T) {
	localA := controlEndpoint(t)
	localB := controlEndpoint(t)

	// late connections are served too, so a handler may run more than once
	greet := func(name string, got chan<- string) Handler {
		return func(ctx context.Context, c *Conn) error {
			if _, err := c.Write([]byte(name)); err != nil {
				return err
			}
			buf := make([]byte, 1)
			if _, err := io.ReadFull(c, buf); err != nil {
				return err
			}
			got <- string(buf)
			return nil
		}
	}

	gotA, gotB := make(chan string, 4), make(chan string, 4)
	engA := NewEngine(testConfig(), greet("A", gotA), obs.Nop())
	engB := NewEngine(testConfig(), greet("B", gotB), obs.Nop())

	var wg sync.WaitGroup
	var resA, resB Result
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = engA.Punch(context.Background(), localA, proto.Candidates{Public: wireEndpoint(localB), Private: wireEndpoint(localB)})
	}()
	go func() {
		defer wg.Done()
		resB, errB = engB.Punch(context.Background(), localB, proto.Candidates{Public: wireEndpoint(localA), Private: wireEndpoint(localA)})
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, StateConnected, resA.State)
	assert.Equal(t, StateConnected, resB.State)
	assert.Equal(t, "B", <-gotA)
	assert.Equal(t, "A", <-gotB)
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultInitialDelay, cfg.InitialDelay)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Zero(t, cfg.RetryInterval)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MaxAttempts = -1
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.Timeout = -time.Second
	assert.Error(t, bad.Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "racing", StateRacing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
