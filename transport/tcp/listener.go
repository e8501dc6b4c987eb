//go:build linux

package tcp

import (
	"net/netip"

	"github.com/sagernet/sing-netcore/common/event"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/common/log"
	M "github.com/sagernet/sing-netcore/common/metadata"
	"github.com/sagernet/sing-netcore/common/redir"

	"golang.org/x/sys/unix"
)

var logger = log.NewLogger("tcp")

// Handler takes ownership of every accepted fd. local is the original
// destination when usingOriginalDst is set.
type Handler interface {
	NewConnection(fd int, remote netip.AddrPort, local netip.AddrPort, usingOriginalDst bool)
}

type HandlerFunc func(fd int, remote netip.AddrPort, local netip.AddrPort, usingOriginalDst bool)

func (f HandlerFunc) NewConnection(fd int, remote netip.AddrPort, local netip.AddrPort, usingOriginalDst bool) {
	f(fd, remote, local, usingOriginalDst)
}

// Listener accepts on the dispatcher goroutine. Start and Close must be
// called there or before the dispatcher runs.
type Listener struct {
	dispatcher  event.Dispatcher
	bind        netip.AddrPort
	handler     Handler
	originalDst bool
	backlog     int
	fd          int
	fileEvent   event.FileEvent
	addr        netip.AddrPort
}

func NewTCPListener(dispatcher event.Dispatcher, listen netip.AddrPort, handler Handler, options ...Option) *Listener {
	listener := &Listener{
		dispatcher: dispatcher,
		bind:       listen,
		handler:    handler,
		backlog:    unix.SOMAXCONN,
		fd:         -1,
	}
	for _, option := range options {
		option(listener)
	}
	return listener
}

func (l *Listener) Start() error {
	fd, err := unix.Socket(M.Family(l.bind), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return E.Cause(err, "create socket")
	}
	err = l.listen(fd)
	if err != nil {
		unix.Close(fd)
		return err
	}
	l.fd = fd
	return nil
}

func (l *Listener) listen(fd int) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		return E.Cause(err, "set SO_REUSEADDR")
	}
	err = unix.Bind(fd, M.AddrPortToSockaddr(l.bind))
	if err != nil {
		return E.Cause(err, "bind ", l.bind)
	}
	err = unix.Listen(fd, l.backlog)
	if err != nil {
		return E.Cause(err, "listen ", l.bind)
	}
	l.addr, err = M.LocalAddress(fd)
	if err != nil {
		return err
	}
	l.fileEvent, err = l.dispatcher.CreateFileEvent(fd, l.onFileEvent, event.FileReadyRead)
	if err != nil {
		return err
	}
	logger.Info("listening on ", l.addr)
	return nil
}

// Addr returns the bound address, with the kernel-chosen port when the
// configured port was zero.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

func (l *Listener) Close() error {
	if l == nil || l.fd == -1 {
		return nil
	}
	err := E.Errors(l.fileEvent.Close(), unix.Close(l.fd))
	l.fd = -1
	return err
}

func (l *Listener) onFileEvent(events event.FileReadyType) {
	for l.fd != -1 {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				logger.Error("accept on ", l.addr, ": ", err)
			}
			return
		}
		l.accept(fd, M.Unmap(M.AddrPortFromSockaddr(sa)))
	}
}

func (l *Listener) accept(fd int, remote netip.AddrPort) {
	local, err := M.LocalAddress(fd)
	if err != nil {
		logger.Debug("accepted socket from ", remote, ": ", err)
		unix.Close(fd)
		return
	}
	var usingOriginalDst bool
	if l.originalDst {
		destination, err := redir.GetOriginalDestination(fd, l.bind.Addr().Is6() && !l.bind.Addr().Is4In6())
		if err == nil && destination != local {
			local = M.Unmap(destination)
			usingOriginalDst = true
		}
	}
	logger.Debug("inbound connection from ", remote, " to ", local)
	l.handler.NewConnection(fd, remote, local, usingOriginalDst)
}
