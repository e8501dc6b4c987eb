package network

import (
	"net/netip"

	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/event"
	"github.com/sagernet/sing-netcore/common/stats"
)

type ConnectionCallbacks interface {
	OnEvent(event ConnectionEvent)
	OnAboveWriteBufferHighWatermark()
	OnBelowWriteBufferLowWatermark()
}

// ConnectionCallbacksFunc adapts a plain event function; watermark
// notifications are ignored.
type ConnectionCallbacksFunc func(event ConnectionEvent)

func (f ConnectionCallbacksFunc) OnEvent(event ConnectionEvent) {
	f(event)
}

func (f ConnectionCallbacksFunc) OnAboveWriteBufferHighWatermark() {
}

func (f ConnectionCallbacksFunc) OnBelowWriteBufferLowWatermark() {
}

// BytesSentFunc receives the byte count of every successful outbound transfer.
type BytesSentFunc func(n uint64)

type Connection interface {
	FilterManager

	ID() uint64
	Dispatcher() event.Dispatcher
	RemoteAddress() netip.AddrPort
	LocalAddress() netip.AddrPort
	State() ConnectionState

	// AddConnectionCallbacks registers cb and returns a function removing it.
	AddConnectionCallbacks(cb ConnectionCallbacks) (remove func())
	AddBytesSentCallback(cb BytesSentFunc)

	Close(closeType CloseType)
	Write(data *buf.OwnedBuffer)

	ReadDisable(disable bool)
	ReadEnabled() bool
	DetectEarlyCloseWhenReadDisabled(value bool)

	SetBufferLimits(limit uint32)
	BufferLimit() uint32
	AboveHighWatermark() bool

	UsingOriginalDst() bool
	NextProtocol() string
	NoDelay(enable bool) error
	SetConnectionStats(connectionStats *stats.ConnectionStats)
	TransportFailureReason() error
}

type ClientConnection interface {
	Connection
	Connect()
}
