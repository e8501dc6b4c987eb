//go:build unix

package conf

import (
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/transport/cipher"
	"github.com/sagernet/sing-netcore/transport/raw"
)

// TransportFactory builds a fresh transport per connection.
type TransportFactory func() N.TransportSocket

func NewTransportFactory(transport string, password string) TransportFactory {
	if transport == TransportChaCha20 {
		psk := cipher.Key(password)
		return func() N.TransportSocket {
			return cipher.New(psk)
		}
	}
	return func() N.TransportSocket {
		return raw.New()
	}
}

func (l *Listener) DownstreamTransport() TransportFactory {
	return NewTransportFactory(l.Transport, l.Password)
}

func (l *Listener) UpstreamTransportFactory() TransportFactory {
	return NewTransportFactory(l.UpstreamTransport, l.UpstreamPassword)
}
