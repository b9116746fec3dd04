// Package mock provides an in-memory implementation of [transport.Handle]
// for use in unit tests.
//
// The mock records every frame sent so tests can assert on payloads and
// ordering, and exposes exported error fields to force send failures.
// Closing, locally via Close or remotely via [Handle.PeerClose], fires the
// registered OnClose callbacks exactly once.
package mock

import (
	"context"
	"sync"
)

// Handle is a mock implementation of [transport.Handle].
// Set the exported error fields before use; inspect the recorded frames after.
type Handle struct {
	mu sync.Mutex

	// SendTextError is returned by SendText when non-nil.
	SendTextError error

	// SendBinaryError is returned by SendBinary when non-nil.
	SendBinaryError error

	// PingError is returned by Ping when non-nil.
	PingError error

	// TextFrames holds every payload passed to SendText, in order.
	TextFrames [][]byte

	// BinaryFrames holds every payload passed to SendBinary, in order.
	BinaryFrames [][]byte

	// PingCount records how many times Ping was called.
	PingCount int

	// CloseCode and CloseReason record the arguments of the first Close call.
	CloseCode   int
	CloseReason string

	closed    bool
	onClose   []func(code int, reason string)
}

// SendText implements [transport.Handle].
func (h *Handle) SendText(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendTextError != nil {
		return h.SendTextError
	}
	if h.closed {
		return transportClosedError{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.TextFrames = append(h.TextFrames, cp)
	return nil
}

// SendBinary implements [transport.Handle].
func (h *Handle) SendBinary(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendBinaryError != nil {
		return h.SendBinaryError
	}
	if h.closed {
		return transportClosedError{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.BinaryFrames = append(h.BinaryFrames, cp)
	return nil
}

// Ping implements [transport.Handle].
func (h *Handle) Ping(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PingCount++
	if h.PingError != nil {
		return h.PingError
	}
	if h.closed {
		return transportClosedError{}
	}
	return nil
}

// Close implements [transport.Handle].
func (h *Handle) Close(code int, reason string) error {
	h.close(code, reason)
	return nil
}

// PeerClose simulates the remote side closing the connection.
func (h *Handle) PeerClose(code int, reason string) {
	h.close(code, reason)
}

func (h *Handle) close(code int, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.CloseCode = code
	h.CloseReason = reason
	cbs := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(code, reason)
	}
}

// Open implements [transport.Handle].
func (h *Handle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// OnClose implements [transport.Handle]. If the handle is already closed the
// callback runs immediately.
func (h *Handle) OnClose(fn func(code int, reason string)) {
	h.mu.Lock()
	if h.closed {
		code, reason := h.CloseCode, h.CloseReason
		h.mu.Unlock()
		fn(code, reason)
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// Texts returns a snapshot of the text frames sent so far.
func (h *Handle) Texts() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.TextFrames))
	copy(out, h.TextFrames)
	return out
}

// Pings returns the number of pings received so far.
func (h *Handle) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.PingCount
}

// TextCount returns the number of text frames sent so far.
func (h *Handle) TextCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.TextFrames)
}

// BinaryCount returns the number of binary frames sent so far.
func (h *Handle) BinaryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.BinaryFrames)
}

// LastText returns the most recent text frame, or nil when none was sent.
func (h *Handle) LastText() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.TextFrames) == 0 {
		return nil
	}
	return h.TextFrames[len(h.TextFrames)-1]
}

type transportClosedError struct{}

func (transportClosedError) Error() string { return "mock transport: closed" }
