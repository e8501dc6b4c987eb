package filter

import (
	"testing"

	"github.com/sagernet/sing-netcore/common/buf"
	N "github.com/sagernet/sing-netcore/common/network"

	"github.com/stretchr/testify/require"
)

type testSource struct {
	read      *buf.OwnedBuffer
	write     *buf.OwnedBuffer
	endStream bool
}

func newTestSource() *testSource {
	return &testSource{
		read:  buf.NewOwned(),
		write: buf.NewOwned(),
	}
}

func (s *testSource) ReadBuffer() *buf.OwnedBuffer         { return s.read }
func (s *testSource) CurrentWriteBuffer() *buf.OwnedBuffer { return s.write }
func (s *testSource) ReadEndStream() bool                  { return s.endStream }

type recordFilter struct {
	name       string
	trace      *[]string
	newStatus  N.FilterStatus
	dataStatus N.FilterStatus
	consume    bool
	callbacks  N.ReadFilterCallbacks
}

func (f *recordFilter) OnNewConnection() N.FilterStatus {
	*f.trace = append(*f.trace, f.name+":new")
	return f.newStatus
}

func (f *recordFilter) OnData(data *buf.OwnedBuffer, endStream bool) N.FilterStatus {
	*f.trace = append(*f.trace, f.name+":data:"+data.String())
	if f.consume {
		data.Drain(data.Len())
	}
	return f.dataStatus
}

func (f *recordFilter) InitializeReadFilterCallbacks(callbacks N.ReadFilterCallbacks) {
	f.callbacks = callbacks
}

func (f *recordFilter) OnWrite(data *buf.OwnedBuffer) N.FilterStatus {
	*f.trace = append(*f.trace, f.name+":write")
	return f.dataStatus
}

func TestInitializeWithoutReadFilters(t *testing.T) {
	t.Parallel()
	var trace []string
	manager := NewManager(nil, newTestSource())
	require.NoError(t, manager.AddWriteFilter(&recordFilter{name: "w", trace: &trace}))
	require.False(t, manager.InitializeReadFilters())
	require.False(t, manager.Initialized())
	require.Empty(t, trace)
}

func TestRegistrationRejectedAfterInitialize(t *testing.T) {
	t.Parallel()
	var trace []string
	manager := NewManager(nil, newTestSource())
	require.NoError(t, manager.AddReadFilter(&recordFilter{name: "a", trace: &trace}))
	require.True(t, manager.InitializeReadFilters())

	filter := &recordFilter{name: "b", trace: &trace}
	require.ErrorIs(t, manager.AddReadFilter(filter), ErrInitialized)
	require.ErrorIs(t, manager.AddWriteFilter(filter), ErrInitialized)
	require.ErrorIs(t, manager.AddFilter(filter), ErrInitialized)
	require.Nil(t, filter.callbacks)
}

func TestReadChainOrderAndStop(t *testing.T) {
	t.Parallel()
	var trace []string
	source := newTestSource()
	manager := NewManager(nil, source)
	first := &recordFilter{name: "a", trace: &trace, dataStatus: N.FilterStopIteration}
	second := &recordFilter{name: "b", trace: &trace, consume: true}
	require.NoError(t, manager.AddReadFilter(first))
	require.NoError(t, manager.AddReadFilter(second))

	require.True(t, manager.InitializeReadFilters())
	require.Equal(t, []string{"a:new", "b:new"}, trace)

	trace = nil
	source.read.AddString("hi")
	manager.OnRead()
	require.Equal(t, []string{"a:data:hi"}, trace)

	first.callbacks.ContinueReading()
	require.Equal(t, []string{"a:data:hi", "b:data:hi"}, trace)
	require.True(t, source.read.IsEmpty())
}

func TestNewConnectionStopDefersLaterFilters(t *testing.T) {
	t.Parallel()
	var trace []string
	manager := NewManager(nil, newTestSource())
	first := &recordFilter{name: "a", trace: &trace, newStatus: N.FilterStopIteration}
	require.NoError(t, manager.AddReadFilter(first))
	require.NoError(t, manager.AddReadFilter(&recordFilter{name: "b", trace: &trace}))

	require.True(t, manager.InitializeReadFilters())
	require.Equal(t, []string{"a:new"}, trace)

	first.callbacks.ContinueReading()
	require.Equal(t, []string{"a:new", "b:new"}, trace)
}

func TestWriteChainReverseOrder(t *testing.T) {
	t.Parallel()
	var trace []string
	manager := NewManager(nil, newTestSource())
	require.NoError(t, manager.AddWriteFilter(&recordFilter{name: "a", trace: &trace}))
	require.NoError(t, manager.AddFilter(&recordFilter{name: "b", trace: &trace}))
	require.Equal(t, N.FilterContinue, manager.OnWrite())
	require.Equal(t, []string{"b:write", "a:write"}, trace)

	trace = nil
	manager = NewManager(nil, newTestSource())
	require.NoError(t, manager.AddWriteFilter(&recordFilter{name: "a", trace: &trace}))
	require.NoError(t, manager.AddWriteFilter(&recordFilter{name: "b", trace: &trace, dataStatus: N.FilterStopIteration}))
	require.Equal(t, N.FilterStopIteration, manager.OnWrite())
	require.Equal(t, []string{"b:write"}, trace)
}
