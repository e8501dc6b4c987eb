package connection

import (
	"net/netip"

	"github.com/sagernet/sing-netcore/common/event"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	N "github.com/sagernet/sing-netcore/common/network"
)

var _ N.ClientConnection = (*ClientConnection)(nil)

type ClientConnection struct {
	*Connection
}

// NewClient creates an unconnected socket towards remoteAddress, bound to
// sourceAddress when it is valid. A bind failure is reported as
// EventBindError once the dispatcher runs.
func NewClient(dispatcher event.Dispatcher, remoteAddress netip.AddrPort, sourceAddress netip.AddrPort, transport N.TransportSocket, options ...Option) (*ClientConnection, error) {
	fd, err := newSocket(remoteAddress)
	if err != nil {
		return nil, E.Cause(err, "create socket")
	}
	options = append([]Option{WithConnected(false)}, options...)
	if sourceAddress.IsValid() {
		options = append(options, WithBindAddress(sourceAddress))
	}
	connection, err := New(dispatcher, fd, remoteAddress, sourceAddress, transport, options...)
	if err != nil {
		return nil, err
	}
	return &ClientConnection{connection}, nil
}

// Connect starts connecting. The outcome arrives as EventConnected or
// EventError; an immediate failure is delivered on the next loop iteration.
func (c *ClientConnection) Connect() {
	if c.fd == -1 || c.immediateError {
		return
	}
	c.logger.Debug("connecting to ", c.remoteAddress)
	err := connectSocket(c.fd, c.remoteAddress)
	if err != nil {
		c.logger.Debug("immediate connection error: ", err)
		c.failureReason = E.Cause(err, "connect to ", c.remoteAddress)
		c.setImmediateError(N.EventError)
	}
}
