// Package transport abstracts the duplex message channel connecting a device
// or an App to its session.
//
// A [Handle] carries JSON text frames and binary audio frames. The hub is
// the single writer on every handle; inbound frames are read by the gateway
// and routed into the owning session. Close is observed through a callback
// registered with [Handle.OnClose], which fires exactly once.
package transport

import "context"

// Close codes used by the hub.
const (
	CloseNormal       = 1000 // orderly shutdown
	ClosePingTimeout  = 1001 // heartbeat pong deadline missed
	ClosePolicy       = 1008 // policy violation, e.g. invalid API key
	CloseInternal     = 1011 // unexpected internal error
	CloseNotAvailable = 1069 // internal: transport gone, triggers resurrection
)

// Handle is a message-carrying duplex endpoint.
//
// Implementations must be safe for concurrent use. SendText and SendBinary
// return an error once the underlying connection is gone; callers treat such
// errors as a close event.
type Handle interface {
	// SendText writes a JSON text frame.
	SendText(ctx context.Context, data []byte) error

	// SendBinary writes a binary frame.
	SendBinary(ctx context.Context, data []byte) error

	// Ping sends a liveness probe and waits for the peer's pong.
	Ping(ctx context.Context) error

	// Close tears the connection down with the given close code. Idempotent.
	Close(code int, reason string) error

	// Open reports whether the handle can still send.
	Open() bool

	// OnClose registers fn to run once when the connection is observed
	// closed, locally or by the peer. A handle that is already closed
	// invokes fn immediately.
	OnClose(fn func(code int, reason string))
}
