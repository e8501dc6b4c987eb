//go:build !linux

package event

import (
	E "github.com/sagernet/sing-netcore/common/exceptions"
)

func NewDispatcher() (Dispatcher, error) {
	return nil, E.New("dispatcher not supported on this platform")
}
