package network

import (
	"github.com/sagernet/sing-netcore/common/buf"
)

type FilterStatus uint8

const (
	FilterContinue FilterStatus = iota
	FilterStopIteration
)

type ReadFilterCallbacks interface {
	Connection() Connection
	// ContinueReading resumes iteration after a filter returned FilterStopIteration.
	ContinueReading()
}

type ReadFilter interface {
	OnNewConnection() FilterStatus
	OnData(data *buf.OwnedBuffer, endStream bool) FilterStatus
	InitializeReadFilterCallbacks(callbacks ReadFilterCallbacks)
}

type WriteFilter interface {
	OnWrite(data *buf.OwnedBuffer) FilterStatus
}

type Filter interface {
	ReadFilter
	WriteFilter
}

type FilterManager interface {
	AddWriteFilter(filter WriteFilter) error
	AddFilter(filter Filter) error
	AddReadFilter(filter ReadFilter) error
	// InitializeReadFilters activates the chain; it fails when no read
	// filter is registered.
	InitializeReadFilters() bool
}

// BufferSource gives the filter manager the buffers it iterates over.
type BufferSource interface {
	ReadBuffer() *buf.OwnedBuffer
	CurrentWriteBuffer() *buf.OwnedBuffer
	ReadEndStream() bool
}
