//go:build !unix

package reuse

import "syscall"

func control(_, _ string, _ syscall.RawConn) error { return ErrUnsupported }
