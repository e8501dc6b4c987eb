package network

import "strconv"

// ConnectionEvent is a lifecycle transition delivered to ConnectionCallbacks.
type ConnectionEvent uint8

const (
	EventConnected ConnectionEvent = iota
	EventLocalClose
	EventRemoteClose
	// EventError reports a failed connect or a transfer error such as a reset.
	EventError
	EventBindError
)

func (e ConnectionEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventLocalClose:
		return "local close"
	case EventRemoteClose:
		return "remote close"
	case EventError:
		return "error"
	case EventBindError:
		return "bind error"
	default:
		return "event(" + strconv.Itoa(int(e)) + ")"
	}
}

// IsClose reports whether the event ends the connection.
func (e ConnectionEvent) IsClose() bool {
	return e != EventConnected
}

type ConnectionState uint8

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type CloseType uint8

const (
	// CloseFlushWrite keeps the socket open for writing until the queued
	// outbound data is sent.
	CloseFlushWrite CloseType = iota
	// CloseNoFlush tears the socket down immediately.
	CloseNoFlush
)
