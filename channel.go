package sshtransport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// channelState is the lifecycle of a single channel.
type channelState int

const (
	channelOpening channelState = iota
	channelOpen
	channelClosed
)

// ChannelHandler receives the lifecycle events of one channel. Inbound
// channels get the handler registered for their type; outbound channels get
// the handler passed to OpenChannel.
type ChannelHandler interface {
	// OnOpen is called when a peer-initiated channel of this type is
	// requested. Returning a *ChannelError rejects the open with its reason
	// code; any other error rejects it as a connect failure.
	OnOpen(channel *Channel, extraData []byte) error
	// OnRequest is called for channel requests. A non-nil error produces a
	// failure reply when one was requested.
	OnRequest(channel *Channel, requestType string, payload []byte) error
	// OnClose is called exactly once when the channel is fully closed.
	OnClose(channel *Channel)
}

// Channel is one logical data stream multiplexed over the session
// transport. The multiplexer owns the channel; the session only keeps the id
// registry.
type Channel struct {
	mux      *ChannelMultiplexer
	handler  ChannelHandler
	chanType string

	localID  uint32
	remoteID uint32

	// Credit granted by the peer for our sends.
	remoteWindow    *window
	maxRemotePacket uint32

	// Credit we granted to the peer. adjustMu guards the bookkeeping shared
	// between the event loop (consumption) and the consumer goroutine
	// (replenishment).
	windowSize     uint32
	maxLocalPacket uint32

	adjustMu      sync.Mutex
	localWindow   uint32
	pendingAdjust uint32

	stdout *buffer
	stderr *buffer

	mu        sync.Mutex
	state     channelState
	eofSent   bool
	closeSent bool
	closeRcvd bool
	released  bool

	reqMu          sync.Mutex
	pendingReplies []chan bool

	opened chan error
	done   chan struct{}
}

// LocalID returns the channel id unique within the session.
func (c *Channel) LocalID() uint32 {
	return c.localID
}

// ChannelType returns the negotiated channel type name.
func (c *Channel) ChannelType() string {
	return c.chanType
}

// Read delivers inbound channel data in arrival order. Consuming data
// replenishes the advertised window once the consumed amount crosses the
// replenishment threshold.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	if n > 0 {
		if adjustErr := c.replenish(uint32(n)); adjustErr != nil && err == nil {
			err = adjustErr
		}
	}
	return n, err
}

// Stderr returns the reader for extended (stderr) data.
func (c *Channel) Stderr() io.Reader {
	return &extendedDataReader{channel: c}
}

type extendedDataReader struct {
	channel *Channel
}

func (r *extendedDataReader) Read(p []byte) (int, error) {
	n, err := r.channel.stderr.Read(p)
	if n > 0 {
		if adjustErr := r.channel.replenish(uint32(n)); adjustErr != nil && err == nil {
			err = adjustErr
		}
	}
	return n, err
}

// replenish grants the peer fresh window credit once half the configured
// window has been consumed. Replenishing before the peer's credit runs out
// is a liveness concern, not a correctness one.
func (c *Channel) replenish(consumed uint32) error {
	c.adjustMu.Lock()
	c.pendingAdjust += consumed
	if c.pendingAdjust < c.windowSize/2 {
		c.adjustMu.Unlock()
		return nil
	}
	adjust := c.pendingAdjust
	c.pendingAdjust = 0
	// The granted credit goes back into our own bookkeeping before the
	// adjust message is sent, so the peer can never outrun it.
	c.localWindow += adjust
	c.adjustMu.Unlock()

	return c.mux.writePacket(ssh.Marshal(windowAdjustMsg{
		PeersID:         c.remoteID,
		AdditionalBytes: adjust,
	}))
}

// Write sends data on the channel. It suspends while the remote window is
// exhausted and fails with ErrChannelClosed if the channel closes while a
// send is outstanding. The configured window timeout applies.
func (c *Channel) Write(p []byte) (int, error) {
	ctx := context.Background()
	if timeout := c.mux.cfg.WindowTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.WriteContext(ctx, p)
}

// WriteContext is Write with caller-controlled cancellation.
func (c *Channel) WriteContext(ctx context.Context, p []byte) (int, error) {
	return c.writeData(ctx, 0, p)
}

// WriteExtended sends extended data (e.g. stderr) on the channel, consuming
// the same window as regular data.
func (c *Channel) WriteExtended(ctx context.Context, dataType uint32, p []byte) (int, error) {
	return c.writeData(ctx, dataType, p)
}

func (c *Channel) writeData(ctx context.Context, dataType uint32, p []byte) (int, error) {
	if !c.isOpen() {
		return 0, ErrChannelClosed
	}
	written := 0
	for len(p) > 0 {
		want := uint32(len(p))
		if max := c.maxRemotePacket; want > max {
			want = max
		}
		granted, err := c.remoteWindow.reserve(ctx, want)
		if err != nil {
			return written, err
		}
		chunk := p[:granted]
		var packet []byte
		if dataType == 0 {
			packet = ssh.Marshal(channelDataMsg{
				PeersID: c.remoteID,
				Length:  granted,
				Rest:    chunk,
			})
		} else {
			packet = ssh.Marshal(channelExtendedDataMsg{
				PeersID:  c.remoteID,
				Datatype: dataType,
				Length:   granted,
				Rest:     chunk,
			})
		}
		if err := c.mux.writePacket(packet); err != nil {
			// Credit was reserved but the bytes never left; the channel is
			// in an unusable state either way.
			return written, err
		}
		written += int(granted)
		p = p[granted:]
	}
	return written, nil
}

// CloseWrite signals EOF to the peer. Reading and the peer's sends remain
// possible.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.state != channelOpen || c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	c.mu.Unlock()
	return c.mux.writePacket(ssh.Marshal(channelEOFMsg{PeersID: c.remoteID}))
}

// Close sends EOF then CLOSE, cancels all suspended sends on the channel and
// transitions it towards released. The id is only released once the close is
// acknowledged both ways (bounded by the channel close timeout).
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == channelClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state != channelOpen {
		c.mu.Unlock()
		return fmt.Errorf("cannot close a channel that is not open")
	}
	sendEOF := !c.eofSent
	c.eofSent = true
	c.closeSent = true
	c.mu.Unlock()

	c.remoteWindow.close()
	if sendEOF {
		if err := c.mux.writePacket(ssh.Marshal(channelEOFMsg{PeersID: c.remoteID})); err != nil {
			c.mux.forceRelease(c, err)
			return err
		}
	}
	if err := c.mux.writePacket(ssh.Marshal(channelCloseMsg{PeersID: c.remoteID})); err != nil {
		c.mux.forceRelease(c, err)
		return err
	}
	c.mux.scheduleCloseTimeout(c)
	c.maybeRelease()
	return nil
}

// Done is closed once the channel is fully closed and its id released.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == channelOpen && !c.closeSent
}

// Event-loop side handlers. These run on the session's single event
// processing path.

// SendRequest sends a channel request and, when a reply is wanted, blocks
// until the peer answers or the context expires. Replies resolve in FIFO
// order per the protocol's ordering guarantee.
func (c *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	if !c.isOpen() {
		return false, ErrChannelClosed
	}
	var reply chan bool
	if wantReply {
		reply = make(chan bool, 1)
		c.reqMu.Lock()
		c.pendingReplies = append(c.pendingReplies, reply)
		c.reqMu.Unlock()
	}
	if err := c.mux.writePacket(ssh.Marshal(channelRequestMsg{
		PeersID:             c.remoteID,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	})); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	select {
	case success := <-reply:
		return success, nil
	case <-ctx.Done():
		return false, &RequestTimeoutError{Op: "channel request " + name}
	case <-c.done:
		return false, ErrChannelClosed
	}
}

func (c *Channel) handleRequestReply(success bool) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if len(c.pendingReplies) == 0 {
		return protocolError("channel request reply without outstanding request")
	}
	reply := c.pendingReplies[0]
	c.pendingReplies = c.pendingReplies[1:]
	reply <- success
	return nil
}

func (c *Channel) handleData(extended bool, dataType uint32, data []byte) error {
	c.mu.Lock()
	opening := c.state == channelOpening
	c.mu.Unlock()
	if opening {
		return protocolError("channel %d data before open confirmation", c.localID)
	}
	if uint32(len(data)) > c.maxLocalPacket {
		return protocolError("channel %d data exceeds maximum packet size", c.localID)
	}
	c.adjustMu.Lock()
	if uint32(len(data)) > c.localWindow {
		c.adjustMu.Unlock()
		// The peer sent beyond the credit we advertised.
		return protocolError("channel %d flow control window exceeded", c.localID)
	}
	c.localWindow -= uint32(len(data))
	c.adjustMu.Unlock()
	if extended {
		if dataType != extendedDataStderr {
			// Unknown extended data types consume window but are dropped.
			c.adjustMu.Lock()
			c.pendingAdjust += uint32(len(data))
			c.adjustMu.Unlock()
			return nil
		}
		c.stderr.write(data)
		return nil
	}
	c.stdout.write(data)
	return nil
}

func (c *Channel) handleWindowAdjust(additional uint32) error {
	return c.remoteWindow.add(additional)
}

func (c *Channel) handleEOF() {
	c.stdout.markEOF()
	c.stderr.markEOF()
}

func (c *Channel) handleClose() error {
	c.mu.Lock()
	alreadyRcvd := c.closeRcvd
	c.closeRcvd = true
	needReply := !c.closeSent
	c.closeSent = true
	c.mu.Unlock()
	if alreadyRcvd {
		return protocolError("duplicate close for channel %d", c.localID)
	}

	c.remoteWindow.close()
	c.stdout.markEOF()
	c.stderr.markEOF()
	if needReply {
		if err := c.mux.writePacket(ssh.Marshal(channelCloseMsg{PeersID: c.remoteID})); err != nil {
			return err
		}
	}
	c.maybeRelease()
	return nil
}

// maybeRelease frees the channel id once the close handshake completed in
// both directions.
func (c *Channel) maybeRelease() {
	c.mu.Lock()
	release := c.closeSent && c.closeRcvd && !c.released
	if release {
		c.released = true
		c.state = channelClosed
	}
	c.mu.Unlock()
	if release {
		c.mux.release(c)
	}
}

// abort tears the channel down without a close handshake, used when the
// session itself is going away or the close timeout fired.
func (c *Channel) abort() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.state = channelClosed
	c.mu.Unlock()
	// An outbound channel has no remote window until the peer confirmed the
	// open.
	if c.remoteWindow != nil {
		c.remoteWindow.close()
	}
	c.stdout.close()
	c.stderr.close()
	c.mux.release(c)
}
