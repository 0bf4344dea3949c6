// Package transport carries JSON frames between bus endpoints. The hub and
// peer cores are written against the Stream/Listener/Dialer abstraction so
// the websocket transport (network-separated processes) and the unix-socket
// transport (same-machine processes) share all handshake, liveness and
// routing semantics.
package transport

import "context"

// Stream is one established frame channel. WriteFrame is safe for
// concurrent use; ReadFrame is not and must stay on a single reader
// goroutine.
type Stream interface {
	WriteFrame(v any) error
	ReadFrame() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound streams on the hub side.
type Listener interface {
	// Listen binds the underlying channel; it returns once the bind has
	// either succeeded or failed.
	Listen(ctx context.Context) error
	Accept(ctx context.Context) (Stream, error)
	Close() error
	Addr() string
}

// Dialer opens the single hub stream on the peer side.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}
