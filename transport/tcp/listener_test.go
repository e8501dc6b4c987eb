//go:build linux

package tcp

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sagernet/sing-netcore/common/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type accepted struct {
	fd               int
	remote           netip.AddrPort
	local            netip.AddrPort
	usingOriginalDst bool
}

func startListener(t *testing.T, bind netip.AddrPort, options ...Option) (*Listener, <-chan accepted) {
	if !nettest.TestableNetwork("tcp") {
		t.Skip("tcp not testable")
	}
	dispatcher, err := event.NewDispatcher()
	require.NoError(t, err)
	connections := make(chan accepted, 4)
	listener := NewTCPListener(dispatcher, bind, HandlerFunc(func(fd int, remote netip.AddrPort, local netip.AddrPort, usingOriginalDst bool) {
		connections <- accepted{fd, remote, local, usingOriginalDst}
	}), options...)
	require.NoError(t, listener.Start())

	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(context.Background())
	}()
	t.Cleanup(func() {
		dispatcher.Post(func() {
			listener.Close()
			dispatcher.Exit()
		})
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not exit")
		}
		assert.NoError(t, dispatcher.Close())
	})
	return listener, connections
}

func TestListenerAccepts(t *testing.T) {
	listener, connections := startListener(t, netip.MustParseAddrPort("127.0.0.1:0"))
	require.NotZero(t, listener.Addr().Port())

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case connection := <-connections:
		defer unix.Close(connection.fd)
		assert.Equal(t, conn.LocalAddr().String(), connection.remote.String())
		assert.Equal(t, listener.Addr(), connection.local)
		assert.False(t, connection.usingOriginalDst)

		_, err = conn.Write([]byte("x"))
		require.NoError(t, err)
		received := make([]byte, 1)
		require.Eventually(t, func() bool {
			n, _ := unix.Read(connection.fd, received)
			return n == 1
		}, time.Second, 10*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
}

func TestListenerAcceptsBurst(t *testing.T) {
	listener, connections := startListener(t, netip.MustParseAddrPort("127.0.0.1:0"))
	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", listener.Addr().String())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()
	for i := 0; i < 3; i++ {
		select {
		case connection := <-connections:
			unix.Close(connection.fd)
		case <-time.After(5 * time.Second):
			t.Fatal("missing accepted connection ", i)
		}
	}
}

func TestListenerOriginalDestinationFallback(t *testing.T) {
	listener, connections := startListener(t, netip.MustParseAddrPort("127.0.0.1:0"), WithOriginalDestination(true))
	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case connection := <-connections:
		defer unix.Close(connection.fd)
		assert.False(t, connection.usingOriginalDst)
		assert.Equal(t, listener.Addr(), connection.local)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
}

func TestListenerBindConflict(t *testing.T) {
	listener, _ := startListener(t, netip.MustParseAddrPort("127.0.0.1:0"))
	dispatcher, err := event.NewDispatcher()
	require.NoError(t, err)
	defer dispatcher.Close()
	conflict := NewTCPListener(dispatcher, listener.Addr(), HandlerFunc(func(int, netip.AddrPort, netip.AddrPort, bool) {}))
	assert.Error(t, conflict.Start())
	assert.NoError(t, conflict.Close())
}
