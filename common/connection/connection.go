// Package connection implements one non-blocking byte stream driven by an
// event.Dispatcher, with read/write buffering, flow control and a filter chain.
package connection

import (
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/event"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/common/filter"
	"github.com/sagernet/sing-netcore/common/log"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/common/stats"
	"github.com/sagernet/sing-netcore/common/x/list"

	"github.com/sirupsen/logrus"
)

var (
	_ N.Connection               = (*Connection)(nil)
	_ N.TransportSocketCallbacks = (*Connection)(nil)
	_ N.BufferSource             = (*Connection)(nil)
)

var logger = log.NewLogger("connection")

var nextGlobalID atomic.Uint64

// Connection must only be used from the goroutine running its dispatcher.
type Connection struct {
	dispatcher    event.Dispatcher
	fd            int
	fileEvent     event.FileEvent
	id            uint64
	remoteAddress netip.AddrPort
	localAddress  netip.AddrPort
	bindAddress   netip.AddrPort
	logger        *logrus.Entry

	filterManager      *filter.Manager
	transport          N.TransportSocket
	readBuffer         *buf.WatermarkBuffer
	writeBuffer        *buf.WatermarkBuffer
	currentWriteBuffer *buf.OwnedBuffer
	readBufferLimit    uint32
	readEndStream      bool

	callbacks          list.List[N.ConnectionCallbacks]
	bytesSentCallbacks []N.BytesSentFunc

	// readDisableCount counts independent ReadDisable(true) holders; reads
	// resume only when every holder released.
	readDisableCount uint32
	connecting       bool
	closeWithFlush   bool
	immediateError   bool
	immediateEvent   N.ConnectionEvent
	usingOriginalDst bool
	detectEarlyClose bool
	aboveHighWater   bool
	failureReason    error

	lastReadBufferSize  uint64
	lastWriteBufferSize uint64
	connectionStats     *stats.ConnectionStats
}

type Option func(c *Connection)

// WithConnected marks whether fd is already established. Unconnected
// connections start in StateConnecting.
func WithConnected(connected bool) Option {
	return func(c *Connection) {
		c.connecting = !connected
	}
}

func WithUsingOriginalDst(usingOriginalDst bool) Option {
	return func(c *Connection) {
		c.usingOriginalDst = usingOriginalDst
	}
}

// WithBindAddress binds fd to address before any connect attempt.
func WithBindAddress(address netip.AddrPort) Option {
	return func(c *Connection) {
		c.bindAddress = address
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(c *Connection) {
		c.logger = entry
	}
}

// New takes ownership of fd: it is closed when the connection closes or
// when New fails.
func New(dispatcher event.Dispatcher, fd int, remoteAddress netip.AddrPort, localAddress netip.AddrPort, transport N.TransportSocket, options ...Option) (*Connection, error) {
	c := &Connection{
		dispatcher:       dispatcher,
		fd:               fd,
		id:               nextGlobalID.Add(1) - 1,
		remoteAddress:    remoteAddress,
		localAddress:     localAddress,
		transport:        transport,
		detectEarlyClose: true,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = logger
	}
	c.logger = c.logger.WithField("conn", c.id)
	c.filterManager = filter.NewManager(c, c)
	c.readBuffer = buf.NewWatermarkBuffer(c.onReadBufferLowWatermark, c.onReadBufferHighWatermark)
	c.writeBuffer = buf.NewWatermarkBuffer(c.onLowWatermark, c.onHighWatermark)

	fileEvent, err := dispatcher.CreateFileEvent(fd, c.onFileEvent, c.enabledEvents())
	if err != nil {
		closeFD(fd)
		return nil, E.Cause(err, "create file event")
	}
	c.fileEvent = fileEvent

	if c.bindAddress.IsValid() {
		err = bindSocket(fd, c.bindAddress)
		if err != nil {
			c.logger.Debug("bind to ", c.bindAddress, ": ", err)
			c.failureReason = E.Cause(err, "bind to ", c.bindAddress)
			c.setImmediateError(N.EventBindError)
		}
	}
	transport.SetCallbacks(c)
	return c, nil
}

// setImmediateError defers reporting to the dispatcher so the owner can
// register callbacks first.
func (c *Connection) setImmediateError(connectionEvent N.ConnectionEvent) {
	c.immediateError = true
	c.immediateEvent = connectionEvent
	c.fileEvent.Activate(event.FileReadyWrite)
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) Dispatcher() event.Dispatcher {
	return c.dispatcher
}

func (c *Connection) RemoteAddress() netip.AddrPort {
	return c.remoteAddress
}

func (c *Connection) LocalAddress() netip.AddrPort {
	return c.localAddress
}

func (c *Connection) State() N.ConnectionState {
	switch {
	case c.fd == -1:
		return N.StateClosed
	case c.closeWithFlush:
		return N.StateClosing
	case c.connecting:
		return N.StateConnecting
	default:
		return N.StateOpen
	}
}

func (c *Connection) UsingOriginalDst() bool {
	return c.usingOriginalDst
}

func (c *Connection) NextProtocol() string {
	return c.transport.Protocol()
}

func (c *Connection) TransportFailureReason() error {
	return c.failureReason
}

func (c *Connection) NoDelay(enable bool) error {
	if c.fd == -1 {
		return nil
	}
	return setNoDelay(c.fd, enable)
}

func (c *Connection) SetConnectionStats(connectionStats *stats.ConnectionStats) {
	c.connectionStats = connectionStats
}

func (c *Connection) AddConnectionCallbacks(cb N.ConnectionCallbacks) (remove func()) {
	element := c.callbacks.PushBack(cb)
	return func() {
		c.callbacks.Remove(element)
	}
}

func (c *Connection) AddBytesSentCallback(cb N.BytesSentFunc) {
	c.bytesSentCallbacks = append(c.bytesSentCallbacks, cb)
}

func (c *Connection) AddWriteFilter(filter N.WriteFilter) error {
	return c.filterManager.AddWriteFilter(filter)
}

func (c *Connection) AddFilter(filter N.Filter) error {
	return c.filterManager.AddFilter(filter)
}

func (c *Connection) AddReadFilter(filter N.ReadFilter) error {
	return c.filterManager.AddReadFilter(filter)
}

// InitializeReadFilters activates the filter chain and subscribes to read
// readiness. It fails, leaving reads unsubscribed, when no read filter is
// registered.
func (c *Connection) InitializeReadFilters() bool {
	if !c.filterManager.InitializeReadFilters() {
		return false
	}
	if c.fd != -1 {
		c.fileEvent.SetEnabled(c.enabledEvents())
		if c.readBuffer.Len() > 0 {
			c.fileEvent.Activate(event.FileReadyRead)
		}
	}
	return true
}

func (c *Connection) enabledEvents() event.FileReadyType {
	events := event.FileReadyWrite
	if c.closeWithFlush {
		if !c.readEndStream {
			events |= event.FileReadyClosed
		}
		return events
	}
	if c.readDisableCount == 0 && c.filterManager.Initialized() {
		events |= event.FileReadyRead
	} else if c.detectEarlyClose {
		events |= event.FileReadyClosed
	}
	return events
}

func (c *Connection) ReadEnabled() bool {
	return c.readDisableCount == 0
}

func (c *Connection) ReadDisable(disable bool) {
	if disable {
		c.readDisableCount++
		if c.readDisableCount > 1 {
			return
		}
	} else {
		if c.readDisableCount == 0 {
			panic("connection: read enabled without a matching disable")
		}
		c.readDisableCount--
		if c.readDisableCount > 0 {
			return
		}
	}
	if c.fd == -1 {
		return
	}
	c.logger.Trace("read disable: ", disable)
	c.fileEvent.SetEnabled(c.enabledEvents())
	if !disable && c.readBuffer.Len() > 0 {
		c.fileEvent.Activate(event.FileReadyRead)
	}
}

func (c *Connection) DetectEarlyCloseWhenReadDisabled(value bool) {
	c.detectEarlyClose = value
}

// SetBufferLimits sets the read limit and puts the write buffer high
// watermark just above it, so a full read can be written without
// immediately pushing back. A zero limit turns both off.
func (c *Connection) SetBufferLimits(limit uint32) {
	c.readBufferLimit = limit
	if limit == 0 {
		c.writeBuffer.SetWatermarks(0)
		c.readBuffer.SetWatermarks(0)
		return
	}
	c.writeBuffer.SetWatermarks(int(limit) + 1)
	c.readBuffer.SetWatermarks(int(limit))
}

func (c *Connection) BufferLimit() uint32 {
	return c.readBufferLimit
}

func (c *Connection) AboveHighWatermark() bool {
	return c.aboveHighWater
}

func (c *Connection) Write(data *buf.OwnedBuffer) {
	if c.fd == -1 {
		c.logger.Trace("write on closed connection dropped ", data.Len(), " bytes")
		data.Reset()
		return
	}
	c.currentWriteBuffer = data
	status := c.filterManager.OnWrite()
	c.currentWriteBuffer = nil
	if status == N.FilterStopIteration {
		return
	}
	if data.Len() > 0 {
		c.writeBuffer.Move(data)
		if !c.connecting && c.fd != -1 {
			c.fileEvent.Activate(event.FileReadyWrite)
		}
	}
}

func (c *Connection) Close(closeType N.CloseType) {
	if c.fd == -1 {
		return
	}
	dataToWrite := c.writeBuffer.Len()
	if dataToWrite == 0 || closeType == N.CloseNoFlush || !c.transport.CanFlushClose() {
		if dataToWrite > 0 {
			c.logger.Debug("closing with ", dataToWrite, " bytes unsent")
		}
		c.closeSocket(N.EventLocalClose)
		return
	}
	if c.closeWithFlush {
		return
	}
	c.logger.Debug("flushing ", dataToWrite, " bytes before close")
	c.closeWithFlush = true
	c.fileEvent.SetEnabled(c.enabledEvents())
}

func (c *Connection) closeSocket(closeEvent N.ConnectionEvent) {
	if c.fd == -1 {
		return
	}
	c.logger.Debug("closing socket: ", closeEvent)
	c.transport.CloseSocket(closeEvent)
	err := E.Errors(c.fileEvent.Close(), closeFD(c.fd))
	if err != nil {
		c.logger.Debug("release socket: ", err)
	}
	c.fd = -1
	c.closeWithFlush = false

	c.readBuffer.Reset()
	c.writeBuffer.Reset()
	c.updateReadBufferStats(0, 0)
	c.updateWriteBufferStats(0, 0)
	c.connectionStats = nil

	c.raiseEvent(closeEvent)
}

func (c *Connection) raiseEvent(connectionEvent N.ConnectionEvent) {
	for _, element := range c.callbacks.Elements() {
		if !element.Linked() {
			continue
		}
		// A close raised during delivery supersedes the rest of this one.
		if !connectionEvent.IsClose() && c.fd == -1 {
			return
		}
		element.Value.OnEvent(connectionEvent)
	}
}

func (c *Connection) onHighWatermark() {
	if c.fd == -1 {
		return
	}
	c.logger.Trace("write buffer above high watermark")
	c.aboveHighWater = true
	for _, element := range c.callbacks.Elements() {
		if element.Linked() {
			element.Value.OnAboveWriteBufferHighWatermark()
		}
	}
}

func (c *Connection) onLowWatermark() {
	c.aboveHighWater = false
	if c.fd == -1 {
		return
	}
	c.logger.Trace("write buffer below low watermark")
	for _, element := range c.callbacks.Elements() {
		if element.Linked() {
			element.Value.OnBelowWriteBufferLowWatermark()
		}
	}
}

func (c *Connection) onReadBufferHighWatermark() {
	c.logger.Trace("read buffer reached limit ", c.readBufferLimit)
}

func (c *Connection) onReadBufferLowWatermark() {
	c.logger.Trace("read buffer drained below limit")
}

func (c *Connection) onFileEvent(events event.FileReadyType) {
	if c.fd == -1 {
		return
	}
	if c.immediateError {
		if c.immediateEvent == N.EventBindError {
			c.logger.Debug("raising bind error")
			if c.connectionStats != nil && c.connectionStats.BindErrors != nil {
				c.connectionStats.BindErrors.Add(1)
			}
		} else {
			c.logger.Debug("raising immediate error")
		}
		c.closeSocket(c.immediateEvent)
		return
	}
	if events&event.FileReadyClosed != 0 {
		if c.connecting && events&event.FileReadyWrite != 0 {
			// Resolve the connect attempt before reporting the hang-up.
			c.onWriteReady()
			if c.fd == -1 {
				return
			}
		}
		c.logger.Debug("remote early close")
		c.closeSocket(N.EventRemoteClose)
		return
	}
	if events&event.FileReadyWrite != 0 {
		c.onWriteReady()
	}
	if c.fd != -1 && events&event.FileReadyRead != 0 && c.readReady() {
		c.onReadReady()
	}
}

func (c *Connection) readReady() bool {
	return c.readDisableCount == 0 && !c.closeWithFlush && !c.connecting && c.filterManager.Initialized()
}

func (c *Connection) onReadReady() {
	if c.ShouldDrainReadBuffer() {
		// Still at the limit: offer the buffered data again without touching
		// the socket. The socket was not read to exhaustion, so the read
		// stays pending either way.
		c.onRead(uint64(c.readBuffer.Len()))
		if c.fd != -1 && c.readReady() {
			c.SetReadBufferReady()
		}
		return
	}
	result := c.transport.DoRead(c.readBuffer.Buffer())
	newBufferSize := uint64(c.readBuffer.Len())
	c.updateReadBufferStats(result.BytesProcessed, newBufferSize)
	if result.EndStream {
		c.readEndStream = true
	}
	c.onRead(newBufferSize)

	// The filter chain may have closed the connection.
	if c.fd == -1 {
		return
	}
	if result.Action == N.IoClose {
		c.failureReason = result.Err
		c.logger.Debug("read error: ", result.Err)
		c.closeSocket(N.EventError)
		return
	}
	if result.EndStream {
		if c.closeWithFlush {
			// A filter answered the end of stream with a flush close.
			return
		}
		c.logger.Debug("remote close")
		c.closeSocket(N.EventRemoteClose)
		return
	}
	if c.ShouldDrainReadBuffer() && c.readReady() {
		c.SetReadBufferReady()
	}
}

func (c *Connection) onRead(readBufferSize uint64) {
	if !c.ReadEnabled() {
		return
	}
	if readBufferSize == 0 && !c.readEndStream {
		return
	}
	c.filterManager.OnRead()
}

func (c *Connection) onWriteReady() {
	if c.connecting {
		err := socketError(c.fd)
		if err != nil {
			c.logger.Debug("delayed connection error: ", err)
			c.failureReason = E.Cause(err, "connect to ", c.remoteAddress)
			c.closeSocket(N.EventError)
			return
		}
		c.logger.Debug("connected")
		c.connecting = false
		c.fileEvent.SetEnabled(c.enabledEvents())
		c.transport.OnConnected()
		// A connected callback may have closed the connection.
		if c.fd == -1 {
			return
		}
		if c.readBuffer.Len() > 0 && c.readReady() {
			c.fileEvent.Activate(event.FileReadyRead)
		}
	}

	result := c.transport.DoWrite(c.writeBuffer.Buffer(), false)
	newBufferSize := uint64(c.writeBuffer.Len())
	c.updateWriteBufferStats(result.BytesProcessed, newBufferSize)

	if result.Action == N.IoClose {
		c.failureReason = result.Err
		c.logger.Debug("write error: ", result.Err)
		c.closeSocket(N.EventError)
		return
	}
	if result.BytesProcessed > 0 {
		for _, cb := range slices.Clone(c.bytesSentCallbacks) {
			cb(result.BytesProcessed)
			// A callback may close the connection; stop iterating if so.
			if c.fd == -1 {
				return
			}
		}
	}
	if c.closeWithFlush && newBufferSize == 0 {
		c.closeSocket(N.EventLocalClose)
	}
}

func (c *Connection) updateReadBufferStats(numRead uint64, newSize uint64) {
	if c.connectionStats == nil {
		c.lastReadBufferSize = newSize
		return
	}
	stats.UpdateBufferStats(numRead, newSize, &c.lastReadBufferSize, c.connectionStats.ReadTotal, c.connectionStats.ReadCurrent)
}

func (c *Connection) updateWriteBufferStats(numWritten uint64, newSize uint64) {
	if c.connectionStats == nil {
		c.lastWriteBufferSize = newSize
		return
	}
	stats.UpdateBufferStats(numWritten, newSize, &c.lastWriteBufferSize, c.connectionStats.WriteTotal, c.connectionStats.WriteCurrent)
}

// TransportSocketCallbacks

func (c *Connection) FD() int {
	return c.fd
}

func (c *Connection) Connection() N.Connection {
	return c
}

func (c *Connection) ReadBuffer() *buf.OwnedBuffer {
	return c.readBuffer.Buffer()
}

func (c *Connection) WriteBuffer() *buf.OwnedBuffer {
	return c.writeBuffer.Buffer()
}

func (c *Connection) CurrentWriteBuffer() *buf.OwnedBuffer {
	return c.currentWriteBuffer
}

func (c *Connection) ReadEndStream() bool {
	return c.readEndStream
}

func (c *Connection) ShouldDrainReadBuffer() bool {
	return c.readBufferLimit > 0 && uint64(c.readBuffer.Len()) >= uint64(c.readBufferLimit)
}

func (c *Connection) SetReadBufferReady() {
	if c.fd == -1 {
		return
	}
	c.fileEvent.Activate(event.FileReadyRead)
}

func (c *Connection) RaiseEvent(connectionEvent N.ConnectionEvent) {
	c.raiseEvent(connectionEvent)
}
