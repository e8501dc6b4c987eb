// Package event provides the single-threaded readiness loop connections run on.
package event

import "context"

type FileReadyType uint32

const (
	FileReadyRead FileReadyType = 1 << iota
	FileReadyWrite
	// FileReadyClosed reports a peer hang-up while reading is not enabled.
	FileReadyClosed
)

func (t FileReadyType) String() string {
	var names string
	appendName := func(name string) {
		if names != "" {
			names += "|"
		}
		names += name
	}
	if t&FileReadyRead != 0 {
		appendName("read")
	}
	if t&FileReadyWrite != 0 {
		appendName("write")
	}
	if t&FileReadyClosed != 0 {
		appendName("closed")
	}
	if names == "" {
		return "none"
	}
	return names
}

type FileReadyFunc func(events FileReadyType)

// FileEvent is the registration of one descriptor. Its methods must be
// called on the dispatcher goroutine.
type FileEvent interface {
	// Activate delivers events to the callback on a later loop iteration,
	// whatever the socket state.
	Activate(events FileReadyType)
	SetEnabled(events FileReadyType)
	Enabled() FileReadyType
	Close() error
}

type Dispatcher interface {
	// CreateFileEvent registers fd edge-triggered for events.
	CreateFileEvent(fd int, callback FileReadyFunc, events FileReadyType) (FileEvent, error)
	// Post queues callback to run on the dispatcher goroutine. Safe to call
	// from any goroutine.
	Post(callback func())
	// Run processes events until Exit is called or ctx is done.
	Run(ctx context.Context) error
	Exit()
	Close() error
}
