// Package eventtest provides a manually driven dispatcher for tests.
package eventtest

import (
	"context"
	"sync"

	"github.com/sagernet/sing-netcore/common/event"
)

var _ event.Dispatcher = (*Dispatcher)(nil)

// Dispatcher records registrations and only delivers events when the test
// calls Fire or RunPending.
type Dispatcher struct {
	access     sync.Mutex
	fileEvents map[int]*FileEvent
	activated  []*FileEvent
	posted     []func()
	exited     bool
}

type FileEvent struct {
	dispatcher *Dispatcher
	fd         int
	callback   event.FileReadyFunc
	enabled    event.FileReadyType
	activated  event.FileReadyType
	closed     bool

	Activations int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		fileEvents: make(map[int]*FileEvent),
	}
}

func (d *Dispatcher) CreateFileEvent(fd int, callback event.FileReadyFunc, events event.FileReadyType) (event.FileEvent, error) {
	fileEvent := &FileEvent{
		dispatcher: d,
		fd:         fd,
		callback:   callback,
		enabled:    events,
	}
	d.fileEvents[fd] = fileEvent
	return fileEvent, nil
}

func (d *Dispatcher) Post(callback func()) {
	d.access.Lock()
	defer d.access.Unlock()
	d.posted = append(d.posted, callback)
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for !d.exited && ctx.Err() == nil {
		if d.RunPending() == 0 {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) Exit() {
	d.exited = true
}

func (d *Dispatcher) Close() error {
	return nil
}

// FileEvent returns the latest registration of fd, closed or not.
func (d *Dispatcher) FileEvent(fd int) *FileEvent {
	return d.fileEvents[fd]
}

// Fire delivers socket readiness for fd the way an edge-triggered poller
// would: only enabled events are reported.
func (d *Dispatcher) Fire(fd int, events event.FileReadyType) {
	fileEvent := d.fileEvents[fd]
	if fileEvent == nil || fileEvent.closed {
		return
	}
	events &= fileEvent.enabled
	if events != 0 {
		fileEvent.callback(events)
	}
}

// RunPending runs one loop iteration worth of activations and posted
// callbacks and returns how many ran.
func (d *Dispatcher) RunPending() int {
	activated := d.activated
	d.activated = nil
	d.access.Lock()
	posted := d.posted
	d.posted = nil
	d.access.Unlock()

	var count int
	for _, fileEvent := range activated {
		events := fileEvent.activated
		fileEvent.activated = 0
		if fileEvent.closed || events == 0 {
			continue
		}
		count++
		fileEvent.callback(events)
	}
	for _, callback := range posted {
		count++
		callback()
	}
	return count
}

func (e *FileEvent) Activate(events event.FileReadyType) {
	if e.closed || events == 0 {
		return
	}
	e.Activations++
	if e.activated == 0 {
		e.dispatcher.activated = append(e.dispatcher.activated, e)
	}
	e.activated |= events
}

// Pending returns the activated events not delivered yet.
func (e *FileEvent) Pending() event.FileReadyType {
	return e.activated
}

func (e *FileEvent) SetEnabled(events event.FileReadyType) {
	e.enabled = events
}

func (e *FileEvent) Enabled() event.FileReadyType {
	return e.enabled
}

func (e *FileEvent) Closed() bool {
	return e.closed
}

func (e *FileEvent) Close() error {
	e.closed = true
	e.activated = 0
	return nil
}
