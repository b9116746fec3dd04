// Package ws adapts a coder/websocket connection to the [transport.Handle]
// interface.
//
// The adapter owns no read loop: the gateway reads inbound frames through
// [Handle.Read] and routes them into the session. When Read returns an
// error, the gateway calls [Handle.MarkClosed] to fire close observers with
// the peer's close status.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openglass/lenshub/pkg/transport"
)

// sendTimeout bounds a single frame write so a stalled peer cannot wedge
// the session's send path.
const sendTimeout = 10 * time.Second

// Handle wraps a *websocket.Conn as a [transport.Handle].
type Handle struct {
	conn *websocket.Conn

	mu      sync.Mutex
	closed  bool
	code    int
	reason  string
	onClose []func(code int, reason string)
}

// New wraps an accepted or dialed websocket connection.
func New(conn *websocket.Conn) *Handle {
	return &Handle{conn: conn}
}

// SendText implements [transport.Handle].
func (h *Handle) SendText(ctx context.Context, data []byte) error {
	return h.write(ctx, websocket.MessageText, data)
}

// SendBinary implements [transport.Handle].
func (h *Handle) SendBinary(ctx context.Context, data []byte) error {
	return h.write(ctx, websocket.MessageBinary, data)
}

func (h *Handle) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return h.conn.Write(ctx, typ, data)
}

// Ping implements [transport.Handle]. It returns once the peer's pong
// arrives or ctx expires.
func (h *Handle) Ping(ctx context.Context) error {
	return h.conn.Ping(ctx)
}

// Read returns the next inbound frame. It blocks until a frame arrives, the
// context is cancelled, or the connection closes.
func (h *Handle) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return h.conn.Read(ctx)
}

// Close implements [transport.Handle]. The close code is forwarded to the
// peer and to local close observers. Idempotent.
func (h *Handle) Close(code int, reason string) error {
	err := h.conn.Close(websocket.StatusCode(code), reason)
	h.MarkClosed(code, reason)
	return err
}

// MarkClosed records the close status and fires close observers exactly
// once. The gateway calls this when its read loop observes a peer close or
// a fatal read error.
func (h *Handle) MarkClosed(code int, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.code = code
	h.reason = reason
	cbs := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(code, reason)
	}
}

// CloseStatus extracts the websocket close code from a read error, or
// [transport.CloseInternal] when the error carries none.
func CloseStatus(err error) int {
	if code := websocket.CloseStatus(err); code != -1 {
		return int(code)
	}
	return transport.CloseInternal
}

// Open implements [transport.Handle].
func (h *Handle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// OnClose implements [transport.Handle].
func (h *Handle) OnClose(fn func(code int, reason string)) {
	h.mu.Lock()
	if h.closed {
		code, reason := h.code, h.reason
		h.mu.Unlock()
		fn(code, reason)
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}
