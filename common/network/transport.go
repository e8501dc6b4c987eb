package network

import (
	"github.com/sagernet/sing-netcore/common/buf"
)

type PostIoAction uint8

const (
	IoKeepOpen PostIoAction = iota
	IoClose
)

// IoResult is the outcome of one non-blocking transfer attempt. Would-block
// and end of stream are ordinary results; Err is set only with IoClose.
type IoResult struct {
	Action         PostIoAction
	BytesProcessed uint64
	EndStream      bool
	Err            error
}

// TransportSocket moves bytes between the socket and the connection buffers.
type TransportSocket interface {
	SetCallbacks(callbacks TransportSocketCallbacks)
	Protocol() string
	CanFlushClose() bool
	OnConnected()
	CloseSocket(event ConnectionEvent)
	DoRead(buffer *buf.OwnedBuffer) IoResult
	DoWrite(buffer *buf.OwnedBuffer, endStream bool) IoResult
}

// TransportSocketCallbacks is the view of the connection a transport is given.
type TransportSocketCallbacks interface {
	FD() int
	Connection() Connection
	ReadBuffer() *buf.OwnedBuffer
	WriteBuffer() *buf.OwnedBuffer
	// ShouldDrainReadBuffer reports whether a positive read limit is set and
	// the read buffer has reached it.
	ShouldDrainReadBuffer() bool
	// SetReadBufferReady re-arms read readiness on a later loop iteration.
	SetReadBufferReady()
	RaiseEvent(event ConnectionEvent)
}
