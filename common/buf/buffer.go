package buf

import (
	"github.com/sagernet/sing-netcore/common"
)

// SlabSize is the capacity of every slab an OwnedBuffer allocates.
const SlabSize = 16 * 1024

// Buffer is a single pooled slab. Data lives in data[start:end] and new
// bytes are appended in data[end:].
type Buffer struct {
	data   []byte
	start  int
	end    int
	pooled bool
}

func New() *Buffer {
	return &Buffer{data: Get(SlabSize), pooled: true}
}

// Wrap makes a full slab over data. The slice is not returned to the pool
// on release.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data, end: len(data)}
}

func (b *Buffer) Len() int {
	return b.end - b.start
}

func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

func (b *Buffer) FreeBytes() []byte {
	return b.data[b.end:]
}

func (b *Buffer) IsEmpty() bool {
	return b.end == b.start
}

func (b *Buffer) IsFull() bool {
	return b.end == len(b.data)
}

// Extend commits n bytes previously written into FreeBytes.
func (b *Buffer) Extend(n int) {
	if b.end+n > len(b.data) {
		panic("slab overflow")
	}
	b.end += n
}

// Advance consumes n bytes from the head. An emptied slab rewinds so the
// whole capacity is writable again.
func (b *Buffer) Advance(n int) {
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

// Write appends as much of data as fits and reports how much was taken.
func (b *Buffer) Write(data []byte) (n int, err error) {
	n = copy(b.data[b.end:], data)
	b.end += n
	return
}

func (b *Buffer) Release() {
	if b == nil || b.data == nil {
		return
	}
	if b.pooled {
		common.Must(Put(b.data))
	}
	*b = Buffer{}
}
