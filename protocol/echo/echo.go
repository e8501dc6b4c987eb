// Package echo writes every inbound byte back to the peer.
package echo

import (
	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/log"
	N "github.com/sagernet/sing-netcore/common/network"
)

var logger = log.NewLogger("echo")

var _ N.ReadFilter = (*Filter)(nil)

type Filter struct {
	callbacks N.ReadFilterCallbacks
}

func NewFilter() *Filter {
	return new(Filter)
}

func (f *Filter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
	f.callbacks = callbacks
}

func (f *Filter) OnNewConnection() N.FilterStatus {
	return N.FilterContinue
}

// OnData moves data to the write side and answers end of stream with a
// flush close.
func (f *Filter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	connection := f.callbacks.Connection()
	logger.Trace("echo ", data.Len(), " bytes on connection ", connection.ID())
	connection.Write(data)
	if endStream {
		connection.Close(N.CloseFlushWrite)
	}
	return N.FilterStopIteration
}
