// Package reuse opens TCP sockets with SO_REUSEADDR and SO_REUSEPORT set, so
// the local port of a live connection can be bound again by a listener and by
// further outbound connects.
package reuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnsupported is returned on platforms without port reuse.
var ErrUnsupported = errors.New("reuse: port reuse not supported on this platform")

// Network returns "tcp6" when ipv6 is set, "tcp4" otherwise.
func Network(ipv6 bool) string {
	if ipv6 {
		return "tcp6"
	}
	return "tcp4"
}

// Dial connects from laddr (nil for an ephemeral port) to raddr with reuse set
// on the socket before bind.
func Dial(ctx context.Context, network string, laddr *net.TCPAddr, raddr string, timeout time.Duration) (*net.TCPConn, error) {
	d := &net.Dialer{
		Timeout: timeout,
		Control: control,
	}
	if laddr != nil {
		d.LocalAddr = laddr
	}
	c, err := d.DialContext(ctx, network, raddr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("reuse: dial %s: unexpected conn type %T", raddr, c)
	}
	return tc, nil
}

// Listen binds laddr with reuse set and starts listening.
func Listen(ctx context.Context, network string, laddr *net.TCPAddr) (*net.TCPListener, error) {
	lc := net.ListenConfig{Control: control}
	ln, err := lc.Listen(ctx, network, laddr.String())
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("reuse: listen %s: unexpected listener type %T", laddr, ln)
	}
	return tl, nil
}
