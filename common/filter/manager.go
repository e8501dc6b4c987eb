// Package filter drives the read and write filter chains of a connection.
package filter

import (
	E "github.com/sagernet/sing-netcore/common/exceptions"
	N "github.com/sagernet/sing-netcore/common/network"
	"github.com/sagernet/sing-netcore/common/x/list"
)

var ErrInitialized = E.New("filter chain already initialized")

type Manager struct {
	connection   N.Connection
	source       N.BufferSource
	readFilters  list.List[*activeReadFilter]
	writeFilters []N.WriteFilter
	initialized  bool
}

type activeReadFilter struct {
	manager     *Manager
	filter      N.ReadFilter
	element     *list.Element[*activeReadFilter]
	initialized bool
}

func NewManager(connection N.Connection, source N.BufferSource) *Manager {
	return &Manager{
		connection: connection,
		source:     source,
	}
}

func (m *Manager) Initialized() bool {
	return m.initialized
}

func (m *Manager) AddWriteFilter(filter N.WriteFilter) error {
	if m.initialized {
		return ErrInitialized
	}
	m.writeFilters = append([]N.WriteFilter{filter}, m.writeFilters...)
	return nil
}

func (m *Manager) AddFilter(filter N.Filter) error {
	if m.initialized {
		return ErrInitialized
	}
	m.addReadFilter(filter)
	return m.AddWriteFilter(filter)
}

func (m *Manager) AddReadFilter(filter N.ReadFilter) error {
	if m.initialized {
		return ErrInitialized
	}
	m.addReadFilter(filter)
	return nil
}

func (m *Manager) addReadFilter(filter N.ReadFilter) {
	active := &activeReadFilter{
		manager: m,
		filter:  filter,
	}
	filter.InitializeReadFilterCallbacks(active)
	active.element = m.readFilters.PushBack(active)
}

func (m *Manager) InitializeReadFilters() bool {
	if m.readFilters.Len() == 0 {
		return false
	}
	m.initialized = true
	m.onContinueReading(nil)
	return true
}

// OnRead offers the read buffer to the chain from its first filter.
func (m *Manager) OnRead() {
	if !m.initialized {
		return
	}
	m.onContinueReading(nil)
}

func (m *Manager) onContinueReading(filter *activeReadFilter) {
	var entry *list.Element[*activeReadFilter]
	if filter == nil {
		entry = m.readFilters.Front()
	} else {
		entry = filter.element.Next()
	}
	for ; entry != nil; entry = entry.Next() {
		active := entry.Value
		if !active.initialized {
			active.initialized = true
			if active.filter.OnNewConnection() == N.FilterStopIteration {
				return
			}
		}
		readBuffer := m.source.ReadBuffer()
		endStream := m.source.ReadEndStream()
		if readBuffer.Len() > 0 || endStream {
			if active.filter.OnData(readBuffer, endStream) == N.FilterStopIteration {
				return
			}
		}
	}
}

// OnWrite runs the write filters, most recently added first, over the
// buffer currently being written.
func (m *Manager) OnWrite() N.FilterStatus {
	for _, filter := range m.writeFilters {
		if filter.OnWrite(m.source.CurrentWriteBuffer()) == N.FilterStopIteration {
			return N.FilterStopIteration
		}
	}
	return N.FilterContinue
}

func (f *activeReadFilter) Connection() N.Connection {
	return f.manager.connection
}

func (f *activeReadFilter) ContinueReading() {
	f.manager.onContinueReading(f)
}
