// Package tcpproxy relays a downstream connection to an upstream server,
// pausing either side's reads while the other side cannot keep up.
package tcpproxy

import (
	"net/netip"

	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/connection"
	"github.com/sagernet/sing-netcore/common/log"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/common/stats"
)

var logger = log.NewLogger("tcpproxy")

type Config struct {
	Upstream      netip.AddrPort
	Source        netip.AddrPort
	Transport     func() N.TransportSocket
	BufferLimit   uint32
	NoDelay       bool
	UpstreamStats *stats.ConnectionStats
}

var _ N.ReadFilter = (*Filter)(nil)

type Filter struct {
	config     Config
	callbacks  N.ReadFilterCallbacks
	downstream N.Connection
	upstream   N.ClientConnection
	connected  bool
}

func NewFilter(config Config) *Filter {
	return &Filter{config: config}
}

func (f *Filter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
	f.callbacks = callbacks
}

// Upstream returns the upstream connection once the downstream connection
// was activated.
func (f *Filter) Upstream() N.ClientConnection {
	return f.upstream
}

func (f *Filter) OnNewConnection() N.FilterStatus {
	f.downstream = f.callbacks.Connection()
	upstream, err := connection.NewClient(f.downstream.Dispatcher(), f.config.Upstream, f.config.Source, f.config.Transport(),
		connection.WithLogger(logger.WithField("downstream", f.downstream.ID())))
	if err != nil {
		logger.Error("connection ", f.downstream.ID(), ": create upstream: ", err)
		f.downstream.Close(N.CloseNoFlush)
		return N.FilterStopIteration
	}
	f.upstream = upstream
	// Nothing can be forwarded before the upstream connects.
	f.downstream.ReadDisable(true)
	upstream.SetBufferLimits(f.config.BufferLimit)
	if f.config.UpstreamStats != nil {
		upstream.SetConnectionStats(f.config.UpstreamStats)
	}
	upstream.AddConnectionCallbacks(&upstreamCallbacks{f})
	_ = upstream.AddReadFilter(&upstreamFilter{f})
	upstream.InitializeReadFilters()
	f.downstream.AddConnectionCallbacks(&downstreamCallbacks{f})
	logger.Debug("connection ", f.downstream.ID(), ": connecting to ", f.config.Upstream)
	upstream.Connect()
	return N.FilterStopIteration
}

func (f *Filter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	if f.upstream != nil {
		f.upstream.Write(data)
	}
	return N.FilterStopIteration
}

func (f *Filter) onUpstreamConnected() {
	f.connected = true
	if f.config.NoDelay {
		err := f.upstream.NoDelay(true)
		if err != nil {
			logger.Debug("connection ", f.downstream.ID(), ": set upstream no delay: ", err)
		}
	}
	f.downstream.ReadDisable(false)
}

type upstreamFilter struct {
	*Filter
}

func (f *upstreamFilter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
}

func (f *upstreamFilter) OnNewConnection() N.FilterStatus {
	return N.FilterContinue
}

func (f *upstreamFilter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	f.downstream.Write(data)
	return N.FilterStopIteration
}

type upstreamCallbacks struct {
	*Filter
}

func (c *upstreamCallbacks) OnEvent(event N.ConnectionEvent) {
	if event == N.EventConnected {
		c.onUpstreamConnected()
		return
	}
	if !c.connected {
		logger.Info("connection ", c.downstream.ID(), ": upstream ", c.config.Upstream, " ", event, ": ", c.upstream.TransportFailureReason())
	}
	c.downstream.Close(N.CloseFlushWrite)
}

func (c *upstreamCallbacks) OnAboveWriteBufferHighWatermark() {
	c.downstream.ReadDisable(true)
}

func (c *upstreamCallbacks) OnBelowWriteBufferLowWatermark() {
	c.downstream.ReadDisable(false)
}

type downstreamCallbacks struct {
	*Filter
}

func (c *downstreamCallbacks) OnEvent(event N.ConnectionEvent) {
	if event.IsClose() {
		c.upstream.Close(N.CloseFlushWrite)
	}
}

func (c *downstreamCallbacks) OnAboveWriteBufferHighWatermark() {
	c.upstream.ReadDisable(true)
}

func (c *downstreamCallbacks) OnBelowWriteBufferLowWatermark() {
	c.upstream.ReadDisable(false)
}
