//go:build unix

// Package raw moves plaintext bytes between a socket and connection buffers.
package raw

import (
	"github.com/sagernet/sing-netcore/common/buf"
	N "github.com/sagernet/sing-netcore/common/network"

	"golang.org/x/sys/unix"
)

// ReadSize is the most one read system call asks for.
const ReadSize = 16 * 1024

var _ N.TransportSocket = (*Socket)(nil)

type Socket struct {
	callbacks    N.TransportSocketCallbacks
	shutdownSent bool
}

func New() *Socket {
	return new(Socket)
}

func (s *Socket) SetCallbacks(callbacks N.TransportSocketCallbacks) {
	s.callbacks = callbacks
}

func (s *Socket) Protocol() string {
	return ""
}

func (s *Socket) CanFlushClose() bool {
	return true
}

func (s *Socket) OnConnected() {
	s.callbacks.RaiseEvent(N.EventConnected)
}

func (s *Socket) CloseSocket(event N.ConnectionEvent) {
}

func (s *Socket) DoRead(buffer *buf.OwnedBuffer) N.IoResult {
	return ReadFD(s.callbacks, buffer)
}

func (s *Socket) DoWrite(buffer *buf.OwnedBuffer, endStream bool) N.IoResult {
	result := WriteFD(s.callbacks.FD(), buffer)
	if result.Action == N.IoKeepOpen && endStream && buffer.IsEmpty() && !s.shutdownSent {
		s.shutdownSent = true
		err := unix.Shutdown(s.callbacks.FD(), unix.SHUT_WR)
		if err != nil {
			result.Action = N.IoClose
			result.Err = err
		}
	}
	return result
}

// ReadFD reads until the socket would block, reaches end of stream, fails
// or the read limit of callbacks is reached. In the last case the read is
// re-armed through SetReadBufferReady.
func ReadFD(callbacks N.TransportSocketCallbacks, buffer *buf.OwnedBuffer) N.IoResult {
	var result N.IoResult
	fd := callbacks.FD()
	for {
		n, err := buffer.ReadFromFD(fd, ReadSize)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				result.Action = N.IoClose
				result.Err = err
			}
			return result
		}
		if n == 0 {
			result.EndStream = true
			return result
		}
		result.BytesProcessed += uint64(n)
		if callbacks.ShouldDrainReadBuffer() {
			callbacks.SetReadBufferReady()
			return result
		}
	}
}

// WriteFD writes until buffer is empty or the socket would block.
func WriteFD(fd int, buffer *buf.OwnedBuffer) N.IoResult {
	var result N.IoResult
	for !buffer.IsEmpty() {
		n, err := buffer.WriteToFD(fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				result.Action = N.IoClose
				result.Err = err
			}
			return result
		}
		result.BytesProcessed += uint64(n)
	}
	return result
}
