package dpt

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice accepts connections and lets serve decide what to send.
func fakeDevice(t *testing.T, serve func(net.Conn)) DeviceEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()
	return endpointOf(t, ln.Addr())
}

func endpointOf(t *testing.T, addr net.Addr) DeviceEndpoint {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr.String())
	require.NoError(t, err)
	return DeviceEndpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func TestFetchReadsUntilClose(t *testing.T) {
	want := response("<command>RETSCREENSYNC portrait</command>\n", testPNG(t, 30, 20))
	ep := fakeDevice(t, func(c net.Conn) {
		// Split writes to make sure Fetch does not stop at the first read.
		c.Write(want[:10])
		time.Sleep(10 * time.Millisecond)
		c.Write(want[10:])
	})

	got, err := Fetch(context.Background(), ep, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetchEmptyResponse(t *testing.T) {
	ep := fakeDevice(t, func(net.Conn) {})

	got, err := Fetch(context.Background(), ep, FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, _, ok := Parse(got)
	assert.False(t, ok)
}

func TestFetchRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := endpointOf(t, ln.Addr())
	ln.Close()

	_, err = Fetch(context.Background(), ep, FetchOptions{DialTimeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ep, connErr.Endpoint)
}

func TestFetchReadTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ep := fakeDevice(t, func(c net.Conn) {
		c.Write([]byte("RETSCREENSYNC"))
		<-release
	})

	start := time.Now()
	_, err := Fetch(context.Background(), ep, FetchOptions{ReadTimeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchCancelled(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ep := fakeDevice(t, func(net.Conn) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := Fetch(ctx, ep, FetchOptions{ReadTimeout: 10 * time.Second})
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7:54321", ep.String())

	ep, err = ParseEndpoint("192.0.2.7:8080")
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), ep.Port)

	_, err = ParseEndpoint("dpt.local")
	assert.Error(t, err)
}

// resetConn makes Close send a TCP RST instead of a FIN.
func resetConn(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	c.Close()
}

func TestFetchResetAfterDataIsNormalEnd(t *testing.T) {
	want := response("<command>RETSCREENSYNC</command>\n", testPNG(t, 10, 10))
	ep := fakeDevice(t, func(c net.Conn) {
		c.Write(want)
		time.Sleep(50 * time.Millisecond)
		resetConn(c)
	})

	got, err := Fetch(context.Background(), ep, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetchResetBeforeDataIsConnectionError(t *testing.T) {
	ep := fakeDevice(t, func(c net.Conn) { resetConn(c) })

	got, err := Fetch(context.Background(), ep, FetchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Nil(t, got)
}

func TestFetchRejectsOversizedResponse(t *testing.T) {
	ep := fakeDevice(t, func(c net.Conn) {
		chunk := make([]byte, 1<<20)
		for sent := 0; sent <= MaxFrameSize; sent += len(chunk) {
			if _, err := c.Write(chunk); err != nil {
				return
			}
		}
	})

	_, err := Fetch(context.Background(), ep, FetchOptions{ReadTimeout: 30 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
