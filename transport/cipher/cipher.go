//go:build unix

// Package cipher is a transport that encrypts each direction of a stream
// with ChaCha20. Every direction starts with a random salt from which the
// session key is derived, so one pre-shared key serves many connections.
package cipher

import (
	"crypto/rand"

	"github.com/sagernet/sing-netcore/common/buf"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/transport/raw"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

const (
	Protocol = "chacha20"
	KeySize  = chacha20.KeySize
	SaltSize = 32
)

const sessionKeyContext = "sing-netcore chacha20 session subkey"

var _ N.TransportSocket = (*Socket)(nil)

// Key stretches a password into a pre-shared key.
func Key(password string) [KeySize]byte {
	return blake3.Sum256([]byte(password))
}

func SessionKey(psk []byte, salt []byte) []byte {
	material := make([]byte, len(psk)+len(salt))
	copy(material, psk)
	copy(material[len(psk):], salt)
	sessionKey := make([]byte, KeySize)
	blake3.DeriveKey(sessionKey, sessionKeyContext, material)
	return sessionKey
}

func newStream(psk []byte, salt []byte) (*chacha20.Cipher, error) {
	var nonce [chacha20.NonceSize]byte
	return chacha20.NewUnauthenticatedCipher(SessionKey(psk, salt), nonce[:])
}

type Socket struct {
	psk       [KeySize]byte
	callbacks N.TransportSocketCallbacks

	readStream *chacha20.Cipher
	peerSalt   []byte

	writeStream *chacha20.Cipher
	// pending holds ciphertext for the first encrypted bytes of the write
	// buffer, preceded by saltLeft salt bytes on the first write.
	pending       *bytebufferpool.ByteBuffer
	pendingOffset int
	saltLeft      int
	shutdownSent  bool
}

func New(psk [KeySize]byte) *Socket {
	return &Socket{
		psk:     psk,
		pending: bytebufferpool.Get(),
	}
}

func (s *Socket) SetCallbacks(callbacks N.TransportSocketCallbacks) {
	s.callbacks = callbacks
}

func (s *Socket) Protocol() string {
	return Protocol
}

func (s *Socket) CanFlushClose() bool {
	return true
}

func (s *Socket) OnConnected() {
	s.callbacks.RaiseEvent(N.EventConnected)
}

func (s *Socket) CloseSocket(event N.ConnectionEvent) {
	if s.pending != nil {
		bytebufferpool.Put(s.pending)
		s.pending = nil
	}
}

func (s *Socket) DoRead(buffer *buf.OwnedBuffer) N.IoResult {
	offset := buffer.Len()
	result := raw.ReadFD(s.callbacks, buffer)
	if s.readStream == nil && buffer.Len() > offset {
		// Nothing is decrypted before the salt is complete, so the salt
		// bytes sit at the head of the buffer.
		saltBytes := min(SaltSize-len(s.peerSalt), buffer.Len())
		salt := make([]byte, saltBytes)
		_, _ = buffer.Read(salt)
		s.peerSalt = append(s.peerSalt, salt...)
		result.BytesProcessed -= uint64(saltBytes)
		offset = 0
		if len(s.peerSalt) < SaltSize {
			if result.EndStream && result.Action == N.IoKeepOpen {
				result.Action = N.IoClose
				result.Err = E.New("stream ended inside salt")
			}
			return result
		}
		stream, err := newStream(s.psk[:], s.peerSalt)
		if err != nil {
			return N.IoResult{Action: N.IoClose, Err: err}
		}
		s.readStream = stream
	}
	if s.readStream != nil {
		xorFrom(s.readStream, buffer, offset)
	}
	return result
}

func xorFrom(stream *chacha20.Cipher, buffer *buf.OwnedBuffer, offset int) {
	for _, slice := range buffer.Slices() {
		if offset >= len(slice) {
			offset -= len(slice)
			continue
		}
		part := slice[offset:]
		offset = 0
		stream.XORKeyStream(part, part)
	}
}

func (s *Socket) DoWrite(buffer *buf.OwnedBuffer, endStream bool) N.IoResult {
	var result N.IoResult
	fd := s.callbacks.FD()
	for {
		if s.pendingOffset == s.pending.Len() {
			s.pending.Reset()
			s.pendingOffset = 0
			if buffer.IsEmpty() {
				break
			}
			err := s.encrypt(buffer)
			if err != nil {
				return N.IoResult{Action: N.IoClose, BytesProcessed: result.BytesProcessed, Err: err}
			}
		}
		n, err := unix.Write(fd, s.pending.B[s.pendingOffset:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				result.Action = N.IoClose
				result.Err = err
			}
			return result
		}
		s.pendingOffset += n
		saltWritten := min(n, s.saltLeft)
		s.saltLeft -= saltWritten
		plaintext := n - saltWritten
		buffer.Drain(plaintext)
		result.BytesProcessed += uint64(plaintext)
	}
	if endStream && !s.shutdownSent {
		s.shutdownSent = true
		err := unix.Shutdown(fd, unix.SHUT_WR)
		if err != nil {
			result.Action = N.IoClose
			result.Err = err
		}
	}
	return result
}

func (s *Socket) encrypt(buffer *buf.OwnedBuffer) error {
	if s.writeStream == nil {
		salt := make([]byte, SaltSize)
		_, err := rand.Read(salt)
		if err != nil {
			return E.Cause(err, "generate salt")
		}
		s.writeStream, err = newStream(s.psk[:], salt)
		if err != nil {
			return err
		}
		_, _ = s.pending.Write(salt)
		s.saltLeft = SaltSize
	}
	start := s.pending.Len()
	for _, slice := range buffer.Slices() {
		_, _ = s.pending.Write(slice)
	}
	ciphertext := s.pending.B[start:]
	s.writeStream.XORKeyStream(ciphertext, ciphertext)
	return nil
}
