package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateBufferStats(t *testing.T) {
	t.Parallel()
	store := NewStore()
	total := store.Counter("total")
	current := store.Gauge("current")

	type transfer struct {
		delta   uint64
		newSize uint64
	}
	transfers := []transfer{
		{100, 100},
		{50, 120},
		{0, 120},
		{30, 0},
		{7, 7},
	}
	var (
		previous uint64
		sum      uint64
	)
	for _, it := range transfers {
		UpdateBufferStats(it.delta, it.newSize, &previous, total, current)
		sum += it.delta
		require.Equal(t, it.newSize, previous)
		require.Equal(t, int64(it.newSize), current.Value())
	}
	require.Equal(t, sum, total.Value())
}

func TestUpdateBufferStatsNilSinks(t *testing.T) {
	t.Parallel()
	var previous uint64
	UpdateBufferStats(10, 10, &previous, nil, nil)
	require.Equal(t, uint64(10), previous)
}

func TestStoreSharesNamedStats(t *testing.T) {
	t.Parallel()
	store := NewStore()
	first := store.ConnectionStats("listener.")
	second := store.ConnectionStats("listener.")
	first.ReadTotal.Add(3)
	second.ReadTotal.Add(4)
	second.WriteCurrent.Add(-2)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 5)
	values := make(map[string]int64)
	for _, sample := range snapshot {
		values[sample.Name] = sample.Value
	}
	require.Equal(t, int64(7), values["listener.rx_bytes_total"])
	require.Equal(t, int64(-2), values["listener.tx_bytes_buffered"])
}
