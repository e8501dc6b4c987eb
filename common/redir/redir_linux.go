package redir

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

const soOriginalDst = 80

// GetOriginalDestination returns the pre-NAT destination of a socket
// redirected by netfilter.
func GetOriginalDestination(fd int, isIPv6 bool) (netip.AddrPort, error) {
	if !isIPv6 {
		raw, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, soOriginalDst)
		if err != nil {
			return netip.AddrPort{}, err
		}
		addr, _ := netip.AddrFromSlice(raw.Multiaddr[4:8])
		return netip.AddrPortFrom(addr, uint16(raw.Multiaddr[2])<<8+uint16(raw.Multiaddr[3])), nil
	}
	raw, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, soOriginalDst)
	if err != nil {
		return netip.AddrPort{}, err
	}
	portBytes := (*[2]byte)(unsafe.Pointer(&raw.Addr.Port))
	port := uint16(portBytes[0])<<8 | uint16(portBytes[1])
	return netip.AddrPortFrom(netip.AddrFrom16(raw.Addr.Addr), port), nil
}
