//go:build linux

package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/event"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/transport/raw"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"golang.org/x/sys/unix"
)

func runDispatcher(t *testing.T) event.Dispatcher {
	dispatcher, err := event.NewDispatcher()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, dispatcher.Close())
	})
	return dispatcher
}

func waitDispatcher(t *testing.T, dispatcher event.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Run(ctx))
}

func TestClientConnectExchange(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		request := make([]byte, 4)
		if _, err = io.ReadFull(conn, request); err != nil {
			return
		}
		conn.Write([]byte("pong"))
		io.Copy(io.Discard, conn)
	}()

	dispatcher := runDispatcher(t)
	remote := netip.MustParseAddrPort(listener.Addr().String())
	client, err := NewClient(dispatcher, remote, netip.AddrPort{}, raw.New())
	require.NoError(t, err)

	reply := &recordFilter{keep: true}
	reply.onData = func(data *buf.OwnedBuffer, endStream bool) {
		if data.Len() >= 4 {
			client.Close(N.CloseFlushWrite)
		}
	}
	require.NoError(t, client.AddReadFilter(reply))
	require.True(t, client.InitializeReadFilters())

	callbacks := &recordCallbacks{}
	callbacks.hook = func(connectionEvent N.ConnectionEvent) {
		switch connectionEvent {
		case N.EventConnected:
			request := buf.NewOwned()
			request.AddString("ping")
			client.Write(request)
		default:
			dispatcher.Exit()
		}
	}
	client.AddConnectionCallbacks(callbacks)
	client.Connect()
	waitDispatcher(t, dispatcher)

	assert.Equal(t, []N.ConnectionEvent{N.EventConnected, N.EventLocalClose}, callbacks.events)
	require.NotEmpty(t, reply.received)
	assert.Equal(t, "pong", reply.received[len(reply.received)-1])
	assert.Equal(t, N.StateClosed, client.State())
}

func TestClientConnectRefused(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	remote := netip.MustParseAddrPort(listener.Addr().String())
	require.NoError(t, listener.Close())

	dispatcher := runDispatcher(t)
	client, err := NewClient(dispatcher, remote, netip.AddrPort{}, raw.New())
	require.NoError(t, err)
	callbacks := &recordCallbacks{}
	callbacks.hook = func(N.ConnectionEvent) {
		dispatcher.Exit()
	}
	client.AddConnectionCallbacks(callbacks)
	client.Connect()
	waitDispatcher(t, dispatcher)

	assert.Equal(t, []N.ConnectionEvent{N.EventError}, callbacks.events)
	assert.True(t, errors.Is(client.TransportFailureReason(), unix.ECONNREFUSED))
}

func TestAcceptedConnectionRemoteClose(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	dispatcher := runDispatcher(t)
	connection, err := New(dispatcher, fds[0], netip.AddrPort{}, netip.AddrPort{}, raw.New())
	require.NoError(t, err)

	received := new(recordFilter)
	require.NoError(t, connection.AddReadFilter(received))
	require.True(t, connection.InitializeReadFilters())
	callbacks := &recordCallbacks{}
	callbacks.hook = func(N.ConnectionEvent) {
		dispatcher.Exit()
	}
	connection.AddConnectionCallbacks(callbacks)

	_, err = unix.Write(fds[1], []byte("last words"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))
	waitDispatcher(t, dispatcher)

	assert.Equal(t, []N.ConnectionEvent{N.EventRemoteClose}, callbacks.events)
	assert.Equal(t, "last words", received.received[0])
	assert.True(t, received.endStream)
}

func TestNoDelay(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dispatcher := runDispatcher(t)
	client, err := NewClient(dispatcher, netip.MustParseAddrPort(listener.Addr().String()), netip.AddrPort{}, raw.New())
	require.NoError(t, err)
	callbacks := &recordCallbacks{}
	callbacks.hook = func(connectionEvent N.ConnectionEvent) {
		if connectionEvent == N.EventConnected {
			assert.NoError(t, client.NoDelay(true))
			client.Close(N.CloseNoFlush)
			return
		}
		dispatcher.Exit()
	}
	client.AddConnectionCallbacks(callbacks)
	client.Connect()
	waitDispatcher(t, dispatcher)
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("not accepted")
	}
	assert.Equal(t, []N.ConnectionEvent{N.EventConnected, N.EventLocalClose}, callbacks.events)
}
