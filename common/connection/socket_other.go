//go:build !unix

package connection

import (
	"net/netip"
	"os"
)

func newSocket(remoteAddress netip.AddrPort) (int, error) {
	return -1, os.ErrInvalid
}

func closeFD(fd int) error {
	return os.ErrInvalid
}

func bindSocket(fd int, address netip.AddrPort) error {
	return os.ErrInvalid
}

func connectSocket(fd int, address netip.AddrPort) error {
	return os.ErrInvalid
}

func socketError(fd int) error {
	return os.ErrInvalid
}

func setNoDelay(fd int, enable bool) error {
	return os.ErrInvalid
}
