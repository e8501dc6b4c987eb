//go:build unix

package connection

import (
	"bytes"

	"github.com/sagernet/sing-netcore/common/buf"
	N "github.com/sagernet/sing-netcore/common/network"
)

// scriptTransport serves one queued chunk per read, reporting end of stream
// with the last one when readEOF is set, and accepts at most writeLimit bytes
// per write when writeLimit is positive.
type scriptTransport struct {
	callbacks  N.TransportSocketCallbacks
	pending    [][]byte
	readEOF    bool
	readErr    error
	readCalls  int
	writeLimit int
	writeErr   error
	writeCalls int
	written    bytes.Buffer
	closed     []N.ConnectionEvent
}

func (t *scriptTransport) SetCallbacks(callbacks N.TransportSocketCallbacks) {
	t.callbacks = callbacks
}

func (t *scriptTransport) Protocol() string {
	return "script"
}

func (t *scriptTransport) CanFlushClose() bool {
	return true
}

func (t *scriptTransport) OnConnected() {
	t.callbacks.RaiseEvent(N.EventConnected)
}

func (t *scriptTransport) CloseSocket(event N.ConnectionEvent) {
	t.closed = append(t.closed, event)
}

func (t *scriptTransport) DoRead(buffer *buf.OwnedBuffer) N.IoResult {
	t.readCalls++
	if len(t.pending) > 0 {
		chunk := t.pending[0]
		t.pending = t.pending[1:]
		buffer.Add(chunk)
		return N.IoResult{BytesProcessed: uint64(len(chunk)), EndStream: len(t.pending) == 0 && t.readEOF}
	}
	if t.readErr != nil {
		return N.IoResult{Action: N.IoClose, Err: t.readErr}
	}
	return N.IoResult{EndStream: t.readEOF}
}

func (t *scriptTransport) DoWrite(buffer *buf.OwnedBuffer, endStream bool) N.IoResult {
	t.writeCalls++
	if t.writeErr != nil {
		return N.IoResult{Action: N.IoClose, Err: t.writeErr}
	}
	n := buffer.Len()
	if t.writeLimit > 0 && n > t.writeLimit {
		n = t.writeLimit
	}
	t.written.Write(buffer.Bytes()[:n])
	buffer.Drain(n)
	return N.IoResult{BytesProcessed: uint64(n)}
}

type recordFilter struct {
	callbacks N.ReadFilterCallbacks
	received  []string
	endStream bool
	keep      bool
	onData    func(data *buf.OwnedBuffer, endStream bool)
}

func (f *recordFilter) OnNewConnection() N.FilterStatus {
	return N.FilterContinue
}

func (f *recordFilter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	f.received = append(f.received, string(data.Bytes()))
	f.endStream = endStream
	if f.onData != nil {
		f.onData(data, endStream)
	}
	if !f.keep {
		data.Drain(data.Len())
	}
	return N.FilterContinue
}

func (f *recordFilter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
	f.callbacks = callbacks
}

type recordCallbacks struct {
	events []N.ConnectionEvent
	above  int
	below  int
	hook   func(event N.ConnectionEvent)
}

func (r *recordCallbacks) OnEvent(event N.ConnectionEvent) {
	r.events = append(r.events, event)
	if r.hook != nil {
		r.hook(event)
	}
}

func (r *recordCallbacks) OnAboveWriteBufferHighWatermark() {
	r.above++
}

func (r *recordCallbacks) OnBelowWriteBufferLowWatermark() {
	r.below++
}
