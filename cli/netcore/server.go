//go:build linux

package main

import (
	"context"
	"net/netip"
	"time"

	"github.com/sagernet/sing-netcore/common/buf"
	"github.com/sagernet/sing-netcore/common/connection"
	"github.com/sagernet/sing-netcore/common/event"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/common/log"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/common/stats"
	"github.com/sagernet/sing-netcore/conf"
	"github.com/sagernet/sing-netcore/protocol/delimited"
	"github.com/sagernet/sing-netcore/protocol/echo"
	"github.com/sagernet/sing-netcore/protocol/tcpproxy"
	"github.com/sagernet/sing-netcore/transport/tcp"

	"github.com/jpillora/backoff"
)

var logger = log.NewLogger("netcore")

const maxStartAttempts = 8

type server struct {
	config     *conf.Config
	dispatcher event.Dispatcher
	stats      *stats.Store
	listeners  []*tcp.Listener
}

func newServer(config *conf.Config) (*server, error) {
	dispatcher, err := event.NewDispatcher()
	if err != nil {
		return nil, err
	}
	s := &server{
		config:     config,
		dispatcher: dispatcher,
		stats:      stats.NewStore(),
	}
	for _, listenerConfig := range config.Listeners {
		listenAddress, _ := listenerConfig.ListenAddress()
		handler, err := s.newHandler(listenerConfig)
		if err != nil {
			dispatcher.Close()
			return nil, E.Cause(err, "listener ", listenerConfig.Tag)
		}
		s.listeners = append(s.listeners, tcp.NewTCPListener(dispatcher, listenAddress, handler,
			tcp.WithOriginalDestination(listenerConfig.UseOriginalDst)))
	}
	return s, nil
}

// Start binds every listener, retrying while the address is still taken
// by a previous instance.
func (s *server) Start(ctx context.Context) error {
	for i, listener := range s.listeners {
		b := &backoff.Backoff{
			Factor: 2,
			Jitter: true,
			Min:    100 * time.Millisecond,
			Max:    5 * time.Second,
		}
		var err error
		for attempt := 1; ; attempt++ {
			err = listener.Start()
			if err == nil || attempt == maxStartAttempts {
				break
			}
			duration := b.Duration()
			logger.Warn("start listener ", s.config.Listeners[i].Tag, ": ", err, ", retrying in ", duration)
			select {
			case <-time.After(duration):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return E.Cause(err, "start listener ", s.config.Listeners[i].Tag)
		}
	}
	return nil
}

func (s *server) Run(ctx context.Context) error {
	interval := time.Duration(s.config.StatsInterval)
	if interval > 0 {
		go s.reportStats(ctx, interval)
	}
	logger.Info("started")
	err := s.dispatcher.Run(ctx)
	if E.IsClosedOrCanceled(err) {
		return nil
	}
	return err
}

func (s *server) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, sample := range s.stats.Snapshot() {
				logger.Info(sample.Name, " = ", sample.Value)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) Close() error {
	var errs []error
	for _, listener := range s.listeners {
		errs = append(errs, listener.Close())
	}
	errs = append(errs, s.dispatcher.Close())
	return E.Errors(errs...)
}

func (s *server) newHandler(config *conf.Listener) (tcp.Handler, error) {
	newFilter, err := s.filterFactory(config)
	if err != nil {
		return nil, err
	}
	transport := config.DownstreamTransport()
	downstreamStats := s.stats.ConnectionStats(config.Tag + ".downstream.")
	bytesSent := s.stats.Counter(config.Tag + ".downstream.tx_bytes_sent")
	return tcp.HandlerFunc(func(fd int, remote netip.AddrPort, local netip.AddrPort, usingOriginalDst bool) {
		c, err := connection.New(s.dispatcher, fd, remote, local, transport(), connection.WithUsingOriginalDst(usingOriginalDst))
		if err != nil {
			logger.Error("accept ", remote, ": ", err)
			return
		}
		c.SetBufferLimits(config.BufferLimit)
		c.SetConnectionStats(downstreamStats)
		N.CountBytesSent(c, func(n int64) {
			bytesSent.Add(uint64(n))
		})
		err = c.AddReadFilter(newFilter())
		if err != nil || !c.InitializeReadFilters() {
			logger.Error("connection ", c.ID(), ": no read filter")
			c.Close(N.CloseNoFlush)
			return
		}
		c.AddConnectionCallbacks(N.ConnectionCallbacksFunc(func(event N.ConnectionEvent) {
			if event.IsClose() {
				logger.Debug("connection ", c.ID(), " from ", remote, ": ", event)
			}
		}))
	}), nil
}

func (s *server) filterFactory(config *conf.Listener) (func() N.ReadFilter, error) {
	switch config.Mode {
	case conf.ModeEcho:
		return func() N.ReadFilter {
			return echo.NewFilter()
		}, nil
	case conf.ModeFrame:
		return func() N.ReadFilter {
			return delimited.NewFilter(replyFrame, config.MaxFrameSize)
		}, nil
	case conf.ModeProxy:
		upstream, err := config.UpstreamAddress()
		if err != nil {
			return nil, err
		}
		source, err := config.UpstreamSourceAddress()
		if err != nil {
			return nil, err
		}
		proxyConfig := tcpproxy.Config{
			Upstream:      upstream,
			Source:        source,
			Transport:     config.UpstreamTransportFactory(),
			BufferLimit:   config.BufferLimit,
			NoDelay:       config.NoDelay,
			UpstreamStats: s.stats.ConnectionStats(config.Tag + ".upstream."),
		}
		return func() N.ReadFilter {
			return tcpproxy.NewFilter(proxyConfig)
		}, nil
	default:
		return nil, E.New("unknown mode: ", config.Mode)
	}
}

// replyFrame answers every frame with the same frame.
func replyFrame(connection N.Connection, frame []byte) {
	reply := buf.NewOwned()
	delimited.AppendFrame(reply, frame)
	connection.Write(reply)
}
