//go:build linux

package tcp

type Option func(*Listener)

// WithOriginalDestination looks up the pre-redirect destination of every
// accepted socket.
func WithOriginalDestination(enabled bool) Option {
	return func(listener *Listener) {
		listener.originalDst = enabled
	}
}

func WithBacklog(backlog int) Option {
	return func(listener *Listener) {
		listener.backlog = backlog
	}
}
