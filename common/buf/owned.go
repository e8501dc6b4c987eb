package buf

import (
	"io"
)

// OwnedBuffer is a growable byte queue made of pooled slabs. Bytes are
// appended at the tail and drained from the head.
type OwnedBuffer struct {
	slabs    []*Buffer
	length   int
	onChange func()
}

func NewOwned() *OwnedBuffer {
	return new(OwnedBuffer)
}

func (b *OwnedBuffer) Len() int {
	return b.length
}

func (b *OwnedBuffer) IsEmpty() bool {
	return b.length == 0
}

func (b *OwnedBuffer) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}

func (b *OwnedBuffer) tail() *Buffer {
	if len(b.slabs) > 0 {
		last := b.slabs[len(b.slabs)-1]
		if !last.IsFull() {
			return last
		}
	}
	slab := New()
	b.slabs = append(b.slabs, slab)
	return slab
}

func (b *OwnedBuffer) add(data []byte) {
	for len(data) > 0 {
		n, _ := b.tail().Write(data)
		data = data[n:]
		b.length += n
	}
}

func (b *OwnedBuffer) Add(data []byte) {
	if len(data) == 0 {
		return
	}
	b.add(data)
	b.changed()
}

func (b *OwnedBuffer) AddString(data string) {
	b.Add([]byte(data))
}

// Write implements io.Writer on top of Add.
func (b *OwnedBuffer) Write(data []byte) (int, error) {
	b.Add(data)
	return len(data), nil
}

// Move transfers every byte of other to the tail of b, leaving other empty.
func (b *OwnedBuffer) Move(other *OwnedBuffer) {
	if other == nil || other.length == 0 {
		return
	}
	b.slabs = append(b.slabs, other.slabs...)
	b.length += other.length
	other.slabs = nil
	other.length = 0
	other.changed()
	b.changed()
}

func (b *OwnedBuffer) drain(n int) {
	if n > b.length {
		panic("drain beyond buffer length")
	}
	b.length -= n
	for n > 0 {
		head := b.slabs[0]
		if head.Len() > n {
			head.Advance(n)
			return
		}
		n -= head.Len()
		head.Release()
		b.slabs[0] = nil
		b.slabs = b.slabs[1:]
	}
	for len(b.slabs) > 0 && b.slabs[0].IsEmpty() && b.length == 0 {
		b.slabs[0].Release()
		b.slabs = b.slabs[1:]
	}
}

func (b *OwnedBuffer) Drain(n int) {
	if n == 0 {
		return
	}
	b.drain(n)
	b.changed()
}

// Bytes returns the contents as one contiguous slice. The buffer is
// linearized first when it spans more than one slab.
func (b *OwnedBuffer) Bytes() []byte {
	switch len(b.slabs) {
	case 0:
		return nil
	case 1:
		return b.slabs[0].Bytes()
	}
	linear := make([]byte, 0, b.length)
	for _, slab := range b.slabs {
		linear = append(linear, slab.Bytes()...)
	}
	for _, slab := range b.slabs {
		slab.Release()
	}
	b.slabs = []*Buffer{Wrap(linear)}
	return linear
}

// Slices returns the non-empty slab views in order without copying.
func (b *OwnedBuffer) Slices() [][]byte {
	slices := make([][]byte, 0, len(b.slabs))
	for _, slab := range b.slabs {
		if !slab.IsEmpty() {
			slices = append(slices, slab.Bytes())
		}
	}
	return slices
}

func (b *OwnedBuffer) String() string {
	return string(b.Bytes())
}

// Read implements io.Reader, draining what it copies.
func (b *OwnedBuffer) Read(p []byte) (n int, err error) {
	if b.length == 0 {
		return 0, io.EOF
	}
	for n < len(p) && len(b.slabs) > 0 {
		copied := copy(p[n:], b.slabs[0].Bytes())
		n += copied
		b.drain(copied)
	}
	b.changed()
	return
}

func (b *OwnedBuffer) Reset() {
	if b.length == 0 && len(b.slabs) == 0 {
		return
	}
	b.Release()
	b.changed()
}

func (b *OwnedBuffer) Release() {
	for _, slab := range b.slabs {
		slab.Release()
	}
	b.slabs = nil
	b.length = 0
}

// reserve returns writable space at the tail, at most limit bytes.
func (b *OwnedBuffer) reserve(limit int) (*Buffer, []byte) {
	slab := b.tail()
	free := slab.FreeBytes()
	return slab, free[:min(len(free), limit)]
}

func (b *OwnedBuffer) commit(slab *Buffer, n int) {
	if n <= 0 {
		return
	}
	slab.Extend(n)
	b.length += n
	b.changed()
}
