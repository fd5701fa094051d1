//go:build unix

package reuse

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The punching pattern: a connection's local port is bound again by a
// listener and by a second outbound connect while the first is still open.
func TestRebindLocalPortOfLiveConnection(t *testing.T) {
	ctx := context.Background()
	server, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	go func() {
		for {
			c, err := server.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	control, err := Dial(ctx, "tcp4", nil, server.Addr().String(), time.Second)
	require.NoError(t, err)
	defer control.Close()
	local := control.LocalAddr().(*net.TCPAddr)

	ln, err := Listen(ctx, "tcp4", local)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, local.Port, ln.Addr().(*net.TCPAddr).Port)

	other, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer other.Close()
	go func() {
		c, err := other.Accept()
		if err == nil {
			c.Close()
		}
	}()

	second, err := Dial(ctx, "tcp4", local, other.Addr().String(), time.Second)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, local.Port, second.LocalAddr().(*net.TCPAddr).Port)
}

func TestNetwork(t *testing.T) {
	assert.Equal(t, "tcp4", Network(false))
	assert.Equal(t, "tcp6", Network(true))
}
