package sshtransport

import (
	"context"
	"math"
	"sync"
)

// window tracks the byte credit the peer has granted for sending data on one
// channel. Senders reserve credit before transmitting and suspend while none
// is available; window-adjust messages replenish it.
type window struct {
	mu      sync.Mutex
	credit  uint32
	closed  bool
	updated chan struct{}
}

func newWindow(initial uint32) *window {
	return &window{
		credit:  initial,
		updated: make(chan struct{}),
	}
}

// add replenishes the window. Overflowing the 32-bit credit counter means
// the peer violated the protocol.
func (w *window) add(n uint32) error {
	if n == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if uint64(w.credit)+uint64(n) > math.MaxUint32 {
		return protocolError("window adjust overflows flow control window")
	}
	w.credit += n
	close(w.updated)
	w.updated = make(chan struct{})
	return nil
}

// reserve takes up to want bytes of credit, suspending the caller while the
// window is exhausted. It resumes when credit arrives, the channel closes
// (returning ErrChannelClosed) or the context expires.
func (w *window) reserve(ctx context.Context, want uint32) (uint32, error) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return 0, ErrChannelClosed
		}
		if w.credit > 0 {
			taken := want
			if taken > w.credit {
				taken = w.credit
			}
			w.credit -= taken
			w.mu.Unlock()
			return taken, nil
		}
		updated := w.updated
		w.mu.Unlock()

		select {
		case <-updated:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return 0, &RequestTimeoutError{Op: "window wait"}
			}
			return 0, ctx.Err()
		}
	}
}

// close releases all suspended reservations with a closed-channel error.
func (w *window) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.updated)
	w.updated = make(chan struct{})
}
