package connpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoListener(t *testing.T) (addr string, closeFn func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestAcquire_DialsFreshWhenPoolEmpty(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	conn, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 1, p.PerBackendLive(addr))
	assert.Equal(t, 1, p.TotalLive())
}

func TestRelease_MakesConnectionReusable(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	conn, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	p.Release(addr, conn, true)

	again, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.Same(t, conn, again, "the idle connection should be reused rather than redialed")
	assert.Equal(t, 1, p.TotalLive(), "reuse must not double-count the live slot")
}

func TestRelease_NotReusableDropsConnection(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	conn, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	p.Release(addr, conn, false)

	assert.Equal(t, 0, p.PerBackendLive(addr))
	assert.Equal(t, 0, p.TotalLive())
}

func TestAcquire_PerBackendCapExhausted(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 1, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	_, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), addr)
	assert.Error(t, err)
}

func TestAcquire_TotalCapExhaustedAcrossBackends(t *testing.T) {
	addrA, stopA := echoListener(t)
	defer stopA()
	addrB, stopB := echoListener(t)
	defer stopB()

	p := New(Config{MaxPerBackend: 10, MaxTotal: 1, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	_, err := p.Acquire(context.Background(), addrA)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), addrB)
	assert.Error(t, err)
}

func TestEvictFor_ClosesIdleAndFreesLiveSlot(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: time.Minute, DialTimeout: time.Second}, nil, nil)

	conn, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	p.Release(addr, conn, true)
	require.Equal(t, 1, p.TotalLive())

	p.EvictFor(addr)
	assert.Equal(t, 0, p.TotalLive())
	assert.Equal(t, 0, p.PerBackendLive(addr))
}

func TestReap_DropsExpiredIdleConnections(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: 10 * time.Millisecond, DialTimeout: time.Second}, nil, nil)

	conn, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	p.Release(addr, conn, true)

	time.Sleep(30 * time.Millisecond)
	p.Reap()

	assert.Equal(t, 0, p.TotalLive())
}

func TestAcquire_DiscardsExpiredIdleAndDialsFresh(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	p := New(Config{MaxPerBackend: 5, MaxTotal: 10, IdleTTL: 10 * time.Millisecond, DialTimeout: time.Second}, nil, nil)

	first, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	p.Release(addr, first, true)

	time.Sleep(30 * time.Millisecond)

	second, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, p.TotalLive())
}
