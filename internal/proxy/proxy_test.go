package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/connpool"
)

func echoBackend(t *testing.T) (addr string, closeFn func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if len(line) > 0 {
						if _, werr := c.Write([]byte(line)); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestProxy(t *testing.T, backendAddr string) (listenAddr string, stop func()) {
	pool := backend.New([]backend.Backend{{Addr: backendAddr, Weight: 1}})
	pool.SetStatus(backendAddr, backend.Healthy)
	conns := connpool.New(connpool.Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	px := New(Config{ListenAddr: "127.0.0.1:0", IdleTimeout: 5 * time.Second}, pool, conns, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = px.Run(ctx, time.Second) }()

	var addr string
	require.Eventually(t, func() bool {
		if px.listener == nil {
			return false
		}
		addr = px.listener.Addr().String()
		return true
	}, time.Second, 5*time.Millisecond)

	return addr, cancel
}

func TestProxy_ForwardsBytesRoundTrip(t *testing.T) {
	backendAddr, stopBackend := echoBackend(t)
	defer stopBackend()

	listenAddr, stop := newTestProxy(t, backendAddr)
	defer stop()

	conn, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestProxy_NoHealthyBackendClosesConnection(t *testing.T) {
	pool := backend.New([]backend.Backend{{Addr: "127.0.0.1:1", Weight: 1}})
	conns := connpool.New(connpool.Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)
	px := New(Config{ListenAddr: "127.0.0.1:0", IdleTimeout: time.Second}, pool, conns, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = px.Run(ctx, time.Second) }()

	var addr string
	require.Eventually(t, func() bool {
		if px.listener == nil {
			return false
		}
		addr = px.listener.Addr().String()
		return true
	}, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should be closed when no backend is healthy")
}

// tcpPipe dials a loopback listener and returns both ends as *net.TCPConn,
// so CloseWrite actually half-closes instead of falling back to Close.
func tcpPipe(t *testing.T) (a, b *net.TCPConn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	accepted := <-acceptedCh

	return dialed.(*net.TCPConn), accepted.(*net.TCPConn)
}

func TestSplice_ClientFinishingSendingDoesNotCutOffBackendResponse(t *testing.T) {
	clientExt, clientProxySide := tcpPipe(t)
	defer clientExt.Close()
	backendExt, backendProxySide := tcpPipe(t)
	defer backendExt.Close()

	px := New(Config{BufferSize: 4096, IdleTimeout: 5 * time.Second}, nil, nil, nil, nil)

	reusableCh := make(chan bool, 1)
	go func() {
		reusableCh <- px.splice(context.Background(), clientProxySide, backendProxySide, zap.NewNop())
	}()

	_, err := clientExt.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, clientExt.CloseWrite())

	req := make([]byte, len("request"))
	_, err = io.ReadFull(backendExt, req)
	require.NoError(t, err)
	assert.Equal(t, "request", string(req))

	// The backend is still mid-response when the client finished sending;
	// splice must not have half-closed the client's read side for this.
	_, err = backendExt.Write([]byte("response"))
	require.NoError(t, err)
	require.NoError(t, backendExt.CloseWrite())

	_ = clientExt.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, len("response"))
	_, err = io.ReadFull(clientExt, resp)
	require.NoError(t, err, "client should still receive the backend's response")
	assert.Equal(t, "response", string(resp))

	select {
	case reusable := <-reusableCh:
		assert.True(t, reusable)
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return")
	}
}

func TestSplice_ResetsIdleTimerOnProgress(t *testing.T) {
	clientExt, clientProxySide := tcpPipe(t)
	defer clientExt.Close()
	defer clientProxySide.Close()
	backendExt, backendProxySide := tcpPipe(t)
	defer backendExt.Close()
	defer backendProxySide.Close()

	px := New(Config{BufferSize: 4096, IdleTimeout: 150 * time.Millisecond}, nil, nil, nil, nil)

	reusableCh := make(chan bool, 1)
	go func() {
		reusableCh <- px.splice(context.Background(), clientProxySide, backendProxySide, zap.NewNop())
	}()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := clientExt.Write([]byte("x"))
		require.NoError(t, err)
		buf := make([]byte, 1)
		_ = backendExt.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err = io.ReadFull(backendExt, buf)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-reusableCh:
		t.Fatal("splice returned early despite continuous progress on the connection")
	case <-time.After(10 * time.Millisecond):
	}

	_ = clientExt.Close()
	_ = backendExt.Close()

	select {
	case <-reusableCh:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after connections closed")
	}
}

func TestHalfClose_FallsBackToCloseWithoutCloseWrite(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, err := client.Read(buf)
		if err != nil {
			close(done)
		}
	}()

	// net.Pipe's Conn doesn't implement CloseWrite, so halfClose falls
	// back to a full Close; this still exercises the fallback path.
	halfClose(client)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("halfClose did not propagate to the peer")
	}
}
