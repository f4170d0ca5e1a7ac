package transport_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrolink/pkg/protocol"
	"gyrolink/pkg/transport"
)

func listen(t *testing.T) (net.Listener, protocol.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen failed")
	t.Cleanup(func() { _ = ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, protocol.Endpoint{Host: "127.0.0.1", Port: port}
}

func closedPort(t *testing.T) protocol.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	port, _ := strconv.Atoi(portStr)
	return protocol.Endpoint{Host: "127.0.0.1", Port: port}
}

func dialPair(t *testing.T) (*transport.Conn, net.Conn) {
	t.Helper()
	ln, ep := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	c, err := transport.Dial(context.Background(), ep, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	select {
	case peer := <-accepted:
		t.Cleanup(func() { _ = peer.Close() })
		return c, peer
	case <-time.After(time.Second):
		t.Fatalf("accept timeout")
		return nil, nil
	}
}

func TestDialRefused(t *testing.T) {
	ep := closedPort(t)
	start := time.Now()
	c, err := transport.Dial(context.Background(), ep, 5*time.Second)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, transport.ErrRefused)
	assert.Less(t, time.Since(start), 5*time.Second+500*time.Millisecond)

	var opErr *transport.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "dial", opErr.Op)
	assert.Equal(t, ep.Address(), opErr.Addr)
}

func TestDialInvalidEndpoint(t *testing.T) {
	_, err := transport.Dial(context.Background(), protocol.Endpoint{Host: "", Port: 1}, time.Second)
	assert.ErrorIs(t, err, transport.ErrOther)
	assert.ErrorIs(t, err, protocol.ErrInvalidEndpoint)
}

func TestDialCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := transport.Dial(ctx, protocol.Endpoint{Host: "127.0.0.1", Port: 9}, time.Second)
	assert.ErrorIs(t, err, transport.ErrOther)
}

func TestSendDeliversAllBytes(t *testing.T) {
	c, peer := dialPair(t)
	msg := []byte("[0.1, 0.2, 0.3, 0.0, 0.0, 0.0, 1.0]")
	require.NoError(t, c.Send(msg))

	buf := make([]byte, len(msg))
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := readFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
}

func TestReceiveReturnsNilOnTimeout(t *testing.T) {
	c, _ := dialPair(t)
	start := time.Now()
	data, err := c.Receive(64, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestReceiveReadsInbound(t *testing.T) {
	c, peer := dialPair(t)
	_, err := peer.Write([]byte("hello"))
	require.NoError(t, err)

	data, err := c.Receive(64, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReceiveReportsPeerClose(t *testing.T) {
	c, peer := dialPair(t)
	require.NoError(t, peer.Close())

	_, err := c.Receive(64, time.Second)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestCloseUnblocksReceive(t *testing.T) {
	c, _ := dialPair(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(64, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatalf("receive still blocked after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := dialPair(t)
	require.NoError(t, c.Close())
	assert.NotPanics(t, func() { _ = c.Close() })

	var never *transport.Conn
	assert.NoError(t, never.Close())
}

func TestSendAfterCloseIsNotConnected(t *testing.T) {
	c, _ := dialPair(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("x")), transport.ErrNotConnected)

	var never *transport.Conn
	assert.ErrorIs(t, never.Send([]byte("x")), transport.ErrNotConnected)
	_, err := never.Receive(1, time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// stalledSend starts a Send large enough to fill both socket buffers of a
// peer that never reads, and reports its result on the returned channel.
func stalledSend(t *testing.T, c *transport.Conn) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() {
		result <- c.Send(make([]byte, 64<<20))
	}()
	select {
	case err := <-result:
		t.Fatalf("send finished without a reader: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	return result
}

func TestCloseFailsInFlightSend(t *testing.T) {
	c, _ := dialPair(t)
	result := stalledSend(t, c)

	require.NoError(t, c.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the pending send")
	}
}

func TestInterruptFailsInFlightSendOnly(t *testing.T) {
	c, peer := dialPair(t)
	result := stalledSend(t, c)

	c.Interrupt()
	select {
	case err := <-result:
		var opErr *transport.OpError
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, "send", opErr.Op)
	case <-time.After(time.Second):
		t.Fatal("interrupt did not unblock the pending send")
	}

	// The stream stays usable once the peer drains it.
	go func() {
		buf := make([]byte, 64<<10)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()
	assert.NoError(t, c.Send([]byte("[0.0]")))
}
