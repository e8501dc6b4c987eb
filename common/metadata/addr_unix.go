//go:build unix

package metadata

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

func AddrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr), uint16(addr.Port))
	default:
		return netip.AddrPort{}
	}
}

func AddrPortToSockaddr(addrPort netip.AddrPort) unix.Sockaddr {
	if addrPort.Addr().Is4() {
		return &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addrPort.Addr().As4(),
		}
	}
	return &unix.SockaddrInet6{
		Port: int(addrPort.Port()),
		Addr: addrPort.Addr().As16(),
	}
}

// Family returns the socket domain for addrPort; IPv4-mapped IPv6
// addresses are treated as IPv4.
func Family(addrPort netip.AddrPort) int {
	if addrPort.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Unmap folds IPv4-mapped IPv6 addresses back to IPv4.
func Unmap(addrPort netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port())
}

// LocalAddress returns the bound address of fd.
func LocalAddress(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return Unmap(AddrPortFromSockaddr(sa)), nil
}

// RemoteAddress returns the peer address of fd.
func RemoteAddress(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return Unmap(AddrPortFromSockaddr(sa)), nil
}
