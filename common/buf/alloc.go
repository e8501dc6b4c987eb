package buf

// Inspired by https://github.com/xtaci/smux/blob/master/alloc.go

import (
	"math/bits"
	"sync"

	E "github.com/sagernet/sing-netcore/common/exceptions"
)

const (
	minClassShift = 6
	maxClassShift = 16
)

var DefaultAllocator = newDefaultAllocator()

type Allocator interface {
	Get(size int) []byte
	Put(buf []byte) error
}

// defaultAllocator keeps one pool per power-of-two size class from 64B to 64K,
// so the waste of a single allocation stays under 50%.
type defaultAllocator struct {
	buffers [maxClassShift - minClassShift + 1]sync.Pool
}

func newDefaultAllocator() Allocator {
	alloc := new(defaultAllocator)
	for index := range alloc.buffers {
		size := 1 << (index + minClassShift)
		alloc.buffers[index].New = func() any {
			buffer := make([]byte, size)
			return &buffer
		}
	}
	return alloc
}

func (alloc *defaultAllocator) Get(size int) []byte {
	if size <= 0 || size > 1<<maxClassShift {
		return nil
	}
	var index uint16
	if size > 1<<minClassShift {
		index = msb(size)
		if size != 1<<index {
			index++
		}
		index -= minClassShift
	}
	buffer := alloc.buffers[index].Get().(*[]byte)
	return (*buffer)[:size]
}

// Put returns a slice to its pool; the capacity must be exactly 2^n.
func (alloc *defaultAllocator) Put(buf []byte) error {
	capacity := cap(buf)
	shift := msb(capacity)
	if capacity < 1<<minClassShift || capacity > 1<<maxClassShift || capacity != 1<<shift {
		return E.New("allocator Put() incorrect buffer size: ", capacity)
	}
	buf = buf[:capacity]
	alloc.buffers[shift-minClassShift].Put(&buf)
	return nil
}

func msb(size int) uint16 {
	return uint16(bits.Len32(uint32(size)) - 1)
}

func Get(size int) []byte {
	return DefaultAllocator.Get(size)
}

func Put(buf []byte) error {
	return DefaultAllocator.Put(buf)
}
