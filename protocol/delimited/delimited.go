// Package delimited splits a stream into frames prefixed with their length
// as a protobuf varint.
package delimited

import (
	"errors"
	"io"

	"github.com/sagernet/sing-netcore/common/buf"
	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/common/log"
	N "github.com/sagernet/sing-netcore/common/network"

	"google.golang.org/protobuf/encoding/protowire"
)

const DefaultMaxFrameSize = 1 << 20

var logger = log.NewLogger("delimited")

var (
	ErrFrameTooLarge = E.New("frame too large")
	ErrBadHeader     = E.New("bad frame header")
)

// Handler receives each complete frame. frame is only valid during the call.
type Handler func(connection N.Connection, frame []byte)

var _ N.ReadFilter = (*Filter)(nil)

type Filter struct {
	handler      Handler
	maxFrameSize uint64
	callbacks    N.ReadFilterCallbacks
	frames       uint64
	err          error
}

func NewFilter(handler Handler, maxFrameSize uint64) *Filter {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Filter{
		handler:      handler,
		maxFrameSize: maxFrameSize,
	}
}

// AppendFrame appends frame with its length prefix.
func AppendFrame(buffer *buf.OwnedBuffer, frame []byte) {
	buffer.Add(protowire.AppendVarint(nil, uint64(len(frame))))
	buffer.Add(frame)
}

func (f *Filter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
	f.callbacks = callbacks
}

func (f *Filter) OnNewConnection() N.FilterStatus {
	return N.FilterContinue
}

// Frames returns how many complete frames were handled.
func (f *Filter) Frames() uint64 {
	return f.frames
}

// Err returns why the filter closed the connection, if it did.
func (f *Filter) Err() error {
	return f.err
}

func (f *Filter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	connection := f.callbacks.Connection()
	for !data.IsEmpty() {
		content := data.Bytes()
		length, n := protowire.ConsumeVarint(content)
		if n < 0 {
			err := protowire.ParseError(n)
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			f.abort(connection, E.Cause1(ErrBadHeader, err))
			return N.FilterStopIteration
		}
		if length > f.maxFrameSize {
			f.abort(connection, E.Extend(ErrFrameTooLarge, length, " > ", f.maxFrameSize))
			return N.FilterStopIteration
		}
		if uint64(len(content)-n) < length {
			break
		}
		f.frames++
		f.handler(connection, content[n:n+int(length)])
		if connection.State() == N.StateClosed {
			return N.FilterStopIteration
		}
		data.Drain(n + int(length))
	}
	if data.IsEmpty() {
		return N.FilterContinue
	}
	if endStream {
		logger.Debug("connection ", connection.ID(), " ended inside a frame, ", data.Len(), " bytes discarded")
		data.Reset()
		return N.FilterContinue
	}
	// The connection stops reading at its buffer limit, so a partial frame
	// filling the buffer can never complete.
	if limit := connection.BufferLimit(); limit > 0 && data.Len() >= int(limit) {
		f.abort(connection, E.Extend(ErrFrameTooLarge, "partial frame fills the buffer limit ", limit))
		return N.FilterStopIteration
	}
	return N.FilterContinue
}

func (f *Filter) abort(connection N.Connection, err error) {
	f.err = err
	logger.Debug("connection ", connection.ID(), ": ", err)
	connection.Close(N.CloseNoFlush)
}
