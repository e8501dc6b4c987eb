//go:build !linux

package redir

import (
	"net/netip"

	E "github.com/sagernet/sing-netcore/common/exceptions"
)

func GetOriginalDestination(fd int, isIPv6 bool) (netip.AddrPort, error) {
	return netip.AddrPort{}, E.New("original destination only available on linux")
}
