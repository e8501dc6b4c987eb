package conf

import (
	"encoding/json"
	"math"
	"net/netip"
	"os"

	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/protocol/delimited"

	"google.golang.org/protobuf/encoding/protowire"
)

type Mode string

const (
	ModeEcho  Mode = "echo"
	ModeFrame Mode = "frame"
	ModeProxy Mode = "proxy"
)

const (
	TransportRaw      = "raw"
	TransportChaCha20 = "chacha20"
)

const DefaultBufferLimit = 1 << 20

type Config struct {
	Log           LogConfig   `json:"log,omitempty"`
	StatsInterval Duration    `json:"stats_interval,omitempty"`
	Listeners     []*Listener `json:"listeners,omitempty"`
}

type LogConfig struct {
	Level        string `json:"level,omitempty"`
	DisableColor bool   `json:"disable_color,omitempty"`
}

type Listener struct {
	Tag               string `json:"tag,omitempty"`
	Listen            string `json:"listen"`
	Mode              Mode   `json:"mode"`
	Transport         string `json:"transport,omitempty"`
	Password          string `json:"password,omitempty"`
	Upstream          string `json:"upstream,omitempty"`
	UpstreamSource    string `json:"upstream_source,omitempty"`
	UpstreamTransport string `json:"upstream_transport,omitempty"`
	UpstreamPassword  string `json:"upstream_password,omitempty"`
	BufferLimit       uint32 `json:"buffer_limit,omitempty"`
	MaxFrameSize      uint64 `json:"max_frame_size,omitempty"`
	UseOriginalDst    bool   `json:"use_original_dst,omitempty"`
	NoDelay           bool   `json:"no_delay,omitempty"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, E.Cause(err, "read config file")
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	config := new(Config)
	err := json.Unmarshal(content, config)
	if err != nil {
		return nil, E.Cause(err, "decode config file")
	}
	return config, nil
}

func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return E.New("missing listeners")
	}
	tags := make(map[string]bool)
	for i, listener := range c.Listeners {
		if listener.Tag == "" {
			listener.Tag = string(listener.Mode) + "-" + listener.Listen
		}
		if tags[listener.Tag] {
			return E.New("duplicate listener tag ", listener.Tag)
		}
		tags[listener.Tag] = true
		err := listener.Validate()
		if err != nil {
			return E.Cause(err, "listener[", i, "]")
		}
	}
	return nil
}

// Validate checks l and fills in defaults.
func (l *Listener) Validate() error {
	_, err := l.ListenAddress()
	if err != nil {
		return err
	}
	switch l.Mode {
	case ModeEcho, ModeFrame:
		if l.Upstream != "" {
			return E.New("upstream is only used in proxy mode")
		}
	case ModeProxy:
		if l.Upstream == "" {
			return E.New("missing upstream")
		}
		_, err = l.UpstreamAddress()
		if err != nil {
			return err
		}
		_, err = l.UpstreamSourceAddress()
		if err != nil {
			return err
		}
	case "":
		return E.New("missing mode")
	default:
		return E.New("unknown mode: ", l.Mode)
	}
	err = validateTransport(l.Transport, l.Password)
	if err != nil {
		return err
	}
	err = validateTransport(l.UpstreamTransport, l.UpstreamPassword)
	if err != nil {
		return E.Cause(err, "upstream")
	}
	if l.Mode == ModeFrame {
		return l.validateFrameLimits()
	}
	if l.MaxFrameSize != 0 {
		return E.New("max frame size is only used in frame mode")
	}
	if l.BufferLimit == 0 {
		l.BufferLimit = DefaultBufferLimit
	}
	return nil
}

// validateFrameLimits makes sure the read buffer can hold the largest
// frame with its header, otherwise a frame could never complete.
func (l *Listener) validateFrameLimits() error {
	if l.MaxFrameSize == 0 {
		l.MaxFrameSize = delimited.DefaultMaxFrameSize
	}
	required := l.MaxFrameSize + uint64(protowire.SizeVarint(l.MaxFrameSize))
	if required > math.MaxUint32 {
		return E.New("max frame size too large: ", l.MaxFrameSize)
	}
	if l.BufferLimit == 0 {
		l.BufferLimit = max(DefaultBufferLimit, uint32(required))
	} else if uint64(l.BufferLimit) < required {
		return E.New("buffer limit ", l.BufferLimit, " cannot hold a frame of ", l.MaxFrameSize, " bytes, need at least ", required)
	}
	return nil
}

func validateTransport(transport string, password string) error {
	switch transport {
	case "", TransportRaw:
		return nil
	case TransportChaCha20:
		if password == "" {
			return E.New("missing password for ", transport)
		}
		return nil
	default:
		return E.New("unknown transport: ", transport)
	}
}

func (l *Listener) ListenAddress() (netip.AddrPort, error) {
	address, err := netip.ParseAddrPort(l.Listen)
	if err != nil {
		return netip.AddrPort{}, E.Cause(err, "parse listen address")
	}
	return address, nil
}

func (l *Listener) UpstreamAddress() (netip.AddrPort, error) {
	address, err := netip.ParseAddrPort(l.Upstream)
	if err != nil {
		return netip.AddrPort{}, E.Cause(err, "parse upstream address")
	}
	return address, nil
}

// UpstreamSourceAddress returns the invalid address when no source is set.
func (l *Listener) UpstreamSourceAddress() (netip.AddrPort, error) {
	if l.UpstreamSource == "" {
		return netip.AddrPort{}, nil
	}
	address, err := netip.ParseAddrPort(l.UpstreamSource)
	if err != nil {
		return netip.AddrPort{}, E.Cause(err, "parse upstream source address")
	}
	return address, nil
}
