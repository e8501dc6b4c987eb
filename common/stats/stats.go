// Package stats holds the counters and gauges a connection reports its
// buffer usage into.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Counter interface {
	Add(delta uint64)
	Value() uint64
}

type Gauge interface {
	Add(delta int64)
	Value() int64
}

// UpdateBufferStats accounts one transfer: delta is added to total, current
// moves by the difference between newTotal and *previousTotal, and
// *previousTotal becomes newTotal. Nil counters or gauges are skipped.
func UpdateBufferStats(delta uint64, newTotal uint64, previousTotal *uint64, total Counter, current Gauge) {
	if delta > 0 && total != nil {
		total.Add(delta)
	}
	if newTotal != *previousTotal && current != nil {
		current.Add(int64(newTotal) - int64(*previousTotal))
	}
	*previousTotal = newTotal
}

// ConnectionStats is the set of stats a connection updates. Any field may
// be nil.
type ConnectionStats struct {
	ReadTotal    Counter
	ReadCurrent  Gauge
	WriteTotal   Counter
	WriteCurrent Gauge
	BindErrors   Counter
}

type atomicCounter struct {
	value atomic.Uint64
}

func (c *atomicCounter) Add(delta uint64) {
	c.value.Add(delta)
}

func (c *atomicCounter) Value() uint64 {
	return c.value.Load()
}

type atomicGauge struct {
	value atomic.Int64
}

func (g *atomicGauge) Add(delta int64) {
	g.value.Add(delta)
}

func (g *atomicGauge) Value() int64 {
	return g.value.Load()
}

// Store is an in-memory registry of named counters and gauges.
type Store struct {
	access   sync.Mutex
	counters map[string]*atomicCounter
	gauges   map[string]*atomicGauge
}

func NewStore() *Store {
	return &Store{
		counters: make(map[string]*atomicCounter),
		gauges:   make(map[string]*atomicGauge),
	}
}

func (s *Store) Counter(name string) Counter {
	s.access.Lock()
	defer s.access.Unlock()
	counter, loaded := s.counters[name]
	if !loaded {
		counter = new(atomicCounter)
		s.counters[name] = counter
	}
	return counter
}

func (s *Store) Gauge(name string) Gauge {
	s.access.Lock()
	defer s.access.Unlock()
	gauge, loaded := s.gauges[name]
	if !loaded {
		gauge = new(atomicGauge)
		s.gauges[name] = gauge
	}
	return gauge
}

// ConnectionStats returns the connection stat set named under prefix,
// shared by every connection created with the same prefix.
func (s *Store) ConnectionStats(prefix string) *ConnectionStats {
	return &ConnectionStats{
		ReadTotal:    s.Counter(prefix + "rx_bytes_total"),
		ReadCurrent:  s.Gauge(prefix + "rx_bytes_buffered"),
		WriteTotal:   s.Counter(prefix + "tx_bytes_total"),
		WriteCurrent: s.Gauge(prefix + "tx_bytes_buffered"),
		BindErrors:   s.Counter(prefix + "bind_errors"),
	}
}

type Sample struct {
	Name  string
	Value int64
}

// Snapshot returns every stat sorted by name.
func (s *Store) Snapshot() []Sample {
	s.access.Lock()
	defer s.access.Unlock()
	samples := make([]Sample, 0, len(s.counters)+len(s.gauges))
	for name, counter := range s.counters {
		samples = append(samples, Sample{name, int64(counter.Value())})
	}
	for name, gauge := range s.gauges {
		samples = append(samples, Sample{name, gauge.Value()})
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Name < samples[j].Name
	})
	return samples
}
