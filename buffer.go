package sshtransport

import (
	"io"
	"sync"
)

// buffer is an unbounded blocking byte FIFO used to hand inbound channel
// data to the channel's consumer. It is bounded in practice by the local
// flow control window. Reads block until data, EOF or close.
type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	eof    bool
	closed bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// write appends a copy of p for the consumer.
func (b *buffer) write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.chunks = append(b.chunks, append([]byte{}, p...))
	b.cond.Broadcast()
}

// markEOF signals that no more data will arrive; buffered data remains
// readable.
func (b *buffer) markEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	b.cond.Broadcast()
}

// close aborts all pending and future reads.
func (b *buffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Read blocks until data is available, returns io.EOF after the peer's EOF
// once drained, and ErrChannelClosed if the channel was torn down.
func (b *buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 {
		if b.closed {
			return 0, ErrChannelClosed
		}
		if b.eof {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	return n, nil
}
