//go:build linux

package event

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/common/log"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

var logger = log.NewLogger("dispatcher")

const maxEvents = 256

type epollDispatcher struct {
	epollFD             int
	pipeFDs             [2]int
	registrationCounter uint64
	fileEvents          map[uint64]*fileEvent
	activated           []*fileEvent
	postAccess          sync.Mutex
	posted              *queue.Queue
	running             atomic.Bool
	exit                atomic.Bool
	closed              bool
}

type fileEvent struct {
	dispatcher     *epollDispatcher
	fd             int
	registrationID uint64
	callback       FileReadyFunc
	enabled        FileReadyType
	activated      FileReadyType
	firing         FileReadyType
	closed         bool
}

func NewDispatcher() (Dispatcher, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, E.Cause(err, "create epoll")
	}

	var pipeFDs [2]int
	err = unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, E.Cause(err, "create wakeup pipe")
	}

	pipeEvent := &unix.EpollEvent{Events: unix.EPOLLIN}
	*(*uint64)(unsafe.Pointer(&pipeEvent.Fd)) = 0
	err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, pipeFDs[0], pipeEvent)
	if err != nil {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		unix.Close(epollFD)
		return nil, E.Cause(err, "register wakeup pipe")
	}

	return &epollDispatcher{
		epollFD:    epollFD,
		pipeFDs:    pipeFDs,
		fileEvents: make(map[uint64]*fileEvent),
		posted:     queue.New(),
	}, nil
}

func epollEvents(events FileReadyType) uint32 {
	mask := uint32(unix.EPOLLET)
	if events&FileReadyRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&FileReadyWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if events&FileReadyClosed != 0 {
		mask |= unix.EPOLLRDHUP
	}
	return mask
}

func (d *epollDispatcher) CreateFileEvent(fd int, callback FileReadyFunc, events FileReadyType) (FileEvent, error) {
	if d.closed {
		return nil, unix.EINVAL
	}
	d.registrationCounter++
	registrationID := d.registrationCounter

	event := &unix.EpollEvent{Events: epollEvents(events)}
	*(*uint64)(unsafe.Pointer(&event.Fd)) = registrationID
	err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_ADD, fd, event)
	if err != nil {
		return nil, E.Cause(err, "register fd ", fd)
	}

	entry := &fileEvent{
		dispatcher:     d,
		fd:             fd,
		registrationID: registrationID,
		callback:       callback,
		enabled:        events,
	}
	d.fileEvents[registrationID] = entry
	return entry, nil
}

func (d *epollDispatcher) Post(callback func()) {
	d.postAccess.Lock()
	d.posted.Add(callback)
	d.postAccess.Unlock()
	d.wakeup()
}

func (d *epollDispatcher) wakeup() {
	unix.Write(d.pipeFDs[1], []byte{0})
}

func (d *epollDispatcher) Exit() {
	d.exit.Store(true)
	d.wakeup()
}

func (d *epollDispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return E.New("dispatcher already running")
	}
	defer d.running.Store(false)
	d.exit.Store(false)
	stop := context.AfterFunc(ctx, d.Exit)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	var drain [64]byte
	for !d.exit.Load() {
		pending := d.takeActivated()
		timeout := -1
		if len(pending) > 0 || d.hasPosted() {
			timeout = 0
		}
		n, err := unix.EpollWait(d.epollFD, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				d.requeue(pending)
				continue
			}
			return E.Cause(err, "epoll wait")
		}
		for i := 0; i < n; i++ {
			event := events[i]
			registrationID := *(*uint64)(unsafe.Pointer(&event.Fd))
			if registrationID == 0 {
				for {
					_, err = unix.Read(d.pipeFDs[0], drain[:])
					if err != nil {
						break
					}
				}
				continue
			}
			entry, loaded := d.fileEvents[registrationID]
			if !loaded {
				continue
			}
			entry.dispatch(entry.readyEvents(event.Events))
		}
		for _, entry := range pending {
			entry.dispatch(0)
		}
		d.runPosted()
	}
	return ctx.Err()
}

func (d *epollDispatcher) takeActivated() []*fileEvent {
	pending := d.activated
	d.activated = nil
	for _, entry := range pending {
		entry.firing |= entry.activated
		entry.activated = 0
	}
	return pending
}

func (d *epollDispatcher) requeue(pending []*fileEvent) {
	for _, entry := range pending {
		entry.Activate(entry.firing)
		entry.firing = 0
	}
}

func (d *epollDispatcher) hasPosted() bool {
	d.postAccess.Lock()
	defer d.postAccess.Unlock()
	return d.posted.Length() > 0
}

func (d *epollDispatcher) runPosted() {
	for {
		d.postAccess.Lock()
		if d.posted.Length() == 0 {
			d.postAccess.Unlock()
			return
		}
		callback := d.posted.Remove().(func())
		d.postAccess.Unlock()
		callback()
	}
}

func (d *epollDispatcher) Close() error {
	if d.running.Load() {
		return E.New("close a running dispatcher")
	}
	if d.closed {
		return nil
	}
	d.closed = true
	for _, entry := range d.fileEvents {
		entry.closed = true
	}
	clear(d.fileEvents)
	d.activated = nil
	return E.Errors(unix.Close(d.epollFD), unix.Close(d.pipeFDs[0]), unix.Close(d.pipeFDs[1]))
}

func (e *fileEvent) readyEvents(events uint32) FileReadyType {
	var ready FileReadyType
	if events&unix.EPOLLIN != 0 {
		ready |= FileReadyRead
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= FileReadyWrite
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if e.enabled&FileReadyRead != 0 {
			ready |= FileReadyRead
		} else if e.enabled&FileReadyClosed != 0 {
			ready |= FileReadyClosed
		}
	}
	if events&unix.EPOLLERR != 0 && e.enabled&FileReadyWrite != 0 {
		ready |= FileReadyWrite
	}
	return ready & (e.enabled | FileReadyClosed)
}

func (e *fileEvent) dispatch(ready FileReadyType) {
	if e.closed {
		return
	}
	ready |= e.firing
	e.firing = 0
	if ready == 0 {
		return
	}
	e.callback(ready)
}

func (e *fileEvent) Activate(events FileReadyType) {
	if e.closed || events == 0 {
		return
	}
	if e.activated == 0 {
		e.dispatcher.activated = append(e.dispatcher.activated, e)
	}
	e.activated |= events
}

func (e *fileEvent) SetEnabled(events FileReadyType) {
	if e.closed || e.enabled == events {
		return
	}
	event := &unix.EpollEvent{Events: epollEvents(events)}
	*(*uint64)(unsafe.Pointer(&event.Fd)) = e.registrationID
	err := unix.EpollCtl(e.dispatcher.epollFD, unix.EPOLL_CTL_MOD, e.fd, event)
	if err != nil {
		logger.Debug("modify fd ", e.fd, ": ", err)
		return
	}
	e.enabled = events
}

func (e *fileEvent) Enabled() FileReadyType {
	return e.enabled
}

func (e *fileEvent) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.activated = 0
	e.firing = 0
	delete(e.dispatcher.fileEvents, e.registrationID)
	return unix.EpollCtl(e.dispatcher.epollFD, unix.EPOLL_CTL_DEL, e.fd, nil)
}
