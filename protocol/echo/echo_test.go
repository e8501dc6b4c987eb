//go:build unix

package echo

import (
	"net/netip"
	"testing"

	"github.com/sagernet/sing-netcore/common/connection"
	"github.com/sagernet/sing-netcore/common/event"
	"github.com/sagernet/sing-netcore/common/event/eventtest"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/transport/raw"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newEchoConnection(t *testing.T) (*eventtest.Dispatcher, *connection.Connection, int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[1])
	})
	dispatcher := eventtest.NewDispatcher()
	c, err := connection.New(dispatcher, fds[0], netip.AddrPort{}, netip.AddrPort{}, raw.New())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close(N.CloseNoFlush)
	})
	require.NoError(t, c.AddReadFilter(NewFilter()))
	require.True(t, c.InitializeReadFilters())
	return dispatcher, c, fds[0], fds[1]
}

func TestEcho(t *testing.T) {
	dispatcher, c, fd, peer := newEchoConnection(t)
	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	dispatcher.Fire(fd, event.FileReadyRead)
	assert.Zero(t, c.ReadBuffer().Len())
	dispatcher.RunPending()

	reply := make([]byte, 16)
	n, err := unix.Read(peer, reply)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply[:n]))
	assert.Equal(t, N.StateOpen, c.State())
}

func TestEchoFlushesBeforeClose(t *testing.T) {
	dispatcher, c, fd, peer := newEchoConnection(t)
	var events []N.ConnectionEvent
	c.AddConnectionCallbacks(N.ConnectionCallbacksFunc(func(event N.ConnectionEvent) {
		events = append(events, event)
	}))
	_, err := unix.Write(peer, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))

	dispatcher.Fire(fd, event.FileReadyRead)
	assert.Equal(t, N.StateClosing, c.State())
	dispatcher.Fire(fd, event.FileReadyWrite)
	assert.Equal(t, []N.ConnectionEvent{N.EventLocalClose}, events)

	reply := make([]byte, 16)
	n, err := unix.Read(peer, reply)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(reply[:n]))
}
