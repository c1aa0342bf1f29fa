// Package transport defines the short-range peer link used for session
// sharing. Implementations live in the memory and tcp subpackages.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	ErrClosed      = errors.New("transport: connection closed")
	ErrLinkDropped = errors.New("transport: link dropped")
	ErrNoPeer      = errors.New("transport: no advertising peer")
	ErrAdvertising = errors.New("transport: already advertising")
	// ErrMalformed ends a link whose byte stream no longer parses as frames.
	ErrMalformed   = errors.New("transport: malformed frame")
)

// Peer identifies a discovered advertiser.
type Peer struct {
	ID   string
	Addr string
}

// Conn is one established peer link carrying whole framed messages.
type Conn interface {
	Peer() Peer
	Send(msg []byte) error
	// OnReceive installs the receive callback. Messages that arrive before a
	// callback is set are held and delivered in order once it is. When the
	// link ends for any reason other than a local Close, the callback is
	// invoked once more with a nil message and a non-nil error.
	OnReceive(fn func(msg []byte, err error))
	Close() error
}

// Transport advertises, discovers and connects peers.
type Transport interface {
	// Advertise accepts incoming links until the returned Closer is closed
	// or ctx is done. accept runs on its own goroutine.
	Advertise(ctx context.Context, accept func(Conn)) (io.Closer, error)
	// Discover returns one advertising peer or ErrNoPeer.
	Discover(ctx context.Context) (Peer, error)
	Connect(ctx context.Context, peer Peer) (Conn, error)
}
