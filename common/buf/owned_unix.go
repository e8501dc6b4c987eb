//go:build unix

package buf

import (
	"golang.org/x/sys/unix"
)

const maxWriteSlices = 16

// ReadFromFD performs one non-blocking read of at most max bytes from fd
// into the tail of the buffer.
func (b *OwnedBuffer) ReadFromFD(fd int, max int) (int, error) {
	slab, free := b.reserve(max)
	n, err := unix.Read(fd, free)
	if err != nil {
		return 0, err
	}
	b.commit(slab, n)
	return n, nil
}

// WriteToFD performs one non-blocking vectored write of the head of the
// buffer to fd and drains what the kernel accepted.
func (b *OwnedBuffer) WriteToFD(fd int) (int, error) {
	slices := b.Slices()
	if len(slices) == 0 {
		return 0, nil
	}
	if len(slices) > maxWriteSlices {
		slices = slices[:maxWriteSlices]
	}
	var (
		n   int
		err error
	)
	if len(slices) == 1 {
		n, err = unix.Write(fd, slices[0])
	} else {
		n, err = unix.Writev(fd, slices)
	}
	if err != nil {
		return 0, err
	}
	b.Drain(n)
	return n, nil
}
