// Package netutil holds small socket-tuning helpers shared by the proxy's
// outbound dialer and the connection pool's liveness probe. Uses
// golang.org/x/sys/unix instead of the raw syscall package so the same
// constants work across the BSD/Linux socket option surface.
package netutil

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TuneOutbound is passed as a net.Dialer.Control to set TCP_NODELAY and
// generous send/receive buffers on every outbound dial.
func TuneOutbound(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if ctrlErr != nil {
			return
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// IsPeerClosed performs a non-blocking readability probe before reusing
// a pooled connection: a zero-byte-readable result means the peer has
// closed its side of the socket. It sets and clears a very short read
// deadline rather than relying on the platform's
// MSG_PEEK semantics directly, so it works uniformly across net.Conn
// implementations while still answering the same question x/sys/unix's
// recv(MSG_PEEK) would.
//
// Returns alive=true only when the probe window elapsed with nothing to
// read, i.e. the peer is idle but still connected. Any other outcome
// (EOF, reset, or unexpected application bytes on an idle connection)
// means the connection must be discarded.
func IsPeerClosed(c interface {
	SetReadDeadline(time.Time) error
	Read([]byte) (int, error)
}) (alive bool, probeErr error) {
	buf := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.Read(buf)
	_ = c.SetReadDeadline(time.Time{})

	if err == nil {
		return false, nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return true, nil
	}
	return false, err
}
