//go:build unix

package connection

import (
	"net/netip"

	M "github.com/sagernet/sing-netcore/common/metadata"

	"golang.org/x/sys/unix"
)

func newSocket(remoteAddress netip.AddrPort) (int, error) {
	return unix.Socket(M.Family(remoteAddress), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func bindSocket(fd int, address netip.AddrPort) error {
	return unix.Bind(fd, M.AddrPortToSockaddr(address))
}

// connectSocket starts a non-blocking connect; EINPROGRESS is not an error.
func connectSocket(fd int, address netip.AddrPort) error {
	err := unix.Connect(fd, M.AddrPortToSockaddr(address))
	if err == unix.EINPROGRESS {
		return nil
	}
	return err
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func setNoDelay(fd int, enable bool) error {
	var value int
	if enable {
		value = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, value)
}
