package sshtransport

import (
	"context"
	"errors"
	"math"

	"github.com/containerssh/log"
	"golang.org/x/crypto/ssh"
)

// ChannelMultiplexer manages the logical channels sharing one transport:
// open and close lifecycle, per-channel flow control windows, max packet
// size enforcement and data routing. Channel-level failures never affect the
// session or other channels; only transport-level failures do.
type ChannelMultiplexer struct {
	session *Session
	cfg     Config
	logger  log.Logger

	// The id table is the single point of serialized access shared across
	// channels.
	channels map[uint32]*Channel
	nextID   uint32

	handlers map[string]ChannelHandler
}

func newChannelMultiplexer(session *Session) *ChannelMultiplexer {
	return &ChannelMultiplexer{
		session:  session,
		cfg:      session.cfg,
		logger:   session.logger,
		channels: map[uint32]*Channel{},
		handlers: map[string]ChannelHandler{},
	}
}

// RegisterChannelType registers the handler deciding inbound channel opens
// of the given type. Unregistered types are rejected.
func (m *ChannelMultiplexer) RegisterChannelType(chanType string, handler ChannelHandler) {
	m.session.lock.Lock()
	defer m.session.lock.Unlock()
	m.handlers[chanType] = handler
}

func (m *ChannelMultiplexer) writePacket(packet []byte) error {
	return m.session.writePacket(packet)
}

// allocate reserves a fresh local channel id. Ids are assigned monotonically
// and never reused while any reference to them is outstanding.
func (m *ChannelMultiplexer) allocate(channel *Channel) error {
	m.session.lock.Lock()
	defer m.session.lock.Unlock()
	for attempts := 0; attempts <= math.MaxUint32; attempts++ {
		id := m.nextID
		m.nextID++
		if _, taken := m.channels[id]; !taken {
			channel.localID = id
			m.channels[id] = channel
			return nil
		}
	}
	return &ResourceExhaustedError{Resource: "channel ids"}
}

func (m *ChannelMultiplexer) lookup(id uint32) *Channel {
	m.session.lock.Lock()
	defer m.session.lock.Unlock()
	return m.channels[id]
}

// release frees the channel id after the close handshake completed both
// ways.
func (m *ChannelMultiplexer) release(channel *Channel) {
	m.session.lock.Lock()
	_, present := m.channels[channel.localID]
	delete(m.channels, channel.localID)
	m.session.lock.Unlock()
	if !present {
		return
	}
	close(channel.done)
	if channel.handler != nil {
		channel.handler.OnClose(channel)
	}
	m.logger.Debugf("channel %d closed", channel.localID)
}

func (m *ChannelMultiplexer) forceRelease(channel *Channel, err error) {
	m.logger.Debugf("forcibly releasing channel %d (%v)", channel.localID, err)
	channel.abort()
}

// scheduleCloseTimeout forcibly releases the channel if the peer's close
// does not arrive within the configured timeout.
func (m *ChannelMultiplexer) scheduleCloseTimeout(channel *Channel) {
	timeout := m.cfg.ChannelCloseTimeout
	if timeout <= 0 {
		return
	}
	timer := m.session.clock.AfterFunc(timeout, func() {
		channel.mu.Lock()
		pending := !channel.released
		channel.mu.Unlock()
		if pending {
			m.forceRelease(channel, &RequestTimeoutError{Op: "channel close"})
		}
	})
	go func() {
		<-channel.done
		timer.Stop()
	}()
}

func (m *ChannelMultiplexer) newChannel(chanType string, handler ChannelHandler) *Channel {
	return &Channel{
		mux:            m,
		handler:        handler,
		chanType:       chanType,
		windowSize:     m.cfg.WindowSize,
		localWindow:    m.cfg.WindowSize,
		maxLocalPacket: m.cfg.MaxPacketSize,
		stdout:         newBuffer(),
		stderr:         newBuffer(),
		opened:         make(chan error, 1),
		done:           make(chan struct{}),
	}
}

// OpenChannel opens an outbound channel and blocks until the peer confirms
// or rejects it. A rejection is returned as a *ChannelError and affects no
// other channel.
func (m *ChannelMultiplexer) OpenChannel(
	ctx context.Context,
	chanType string,
	extraData []byte,
	handler ChannelHandler,
) (*Channel, error) {
	channel := m.newChannel(chanType, handler)
	if err := m.allocate(channel); err != nil {
		return nil, err
	}
	if err := m.writePacket(ssh.Marshal(channelOpenMsg{
		ChanType:         chanType,
		PeersID:          channel.localID,
		PeersWindow:      m.cfg.WindowSize,
		MaxPacketSize:    m.cfg.MaxPacketSize,
		TypeSpecificData: extraData,
	})); err != nil {
		channel.abort()
		return nil, err
	}

	select {
	case err := <-channel.opened:
		if err != nil {
			channel.abort()
			return nil, err
		}
		m.logger.Debugf("channel %d of type %s open", channel.localID, chanType)
		return channel, nil
	case <-ctx.Done():
		channel.abort()
		return nil, ctx.Err()
	case <-m.session.done:
		channel.abort()
		return nil, ErrSessionClosed
	}
}

// handlePacket routes one inbound channel-range message. It runs on the
// session event loop. A returned error is transport-fatal; channel-local
// failures are handled here.
func (m *ChannelMultiplexer) handlePacket(packet []byte) error {
	switch packet[0] {
	case msgChannelOpen:
		return m.handleOpen(packet)
	case msgChannelOpenConfirm:
		var msg channelOpenConfirmMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed channel open confirmation (%v)", err)
		}
		return m.handleOpenConfirm(&msg)
	case msgChannelOpenFailure:
		var msg channelOpenFailureMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed channel open failure (%v)", err)
		}
		return m.handleOpenFailure(&msg)
	}

	channel, err := m.channelFor(packet)
	if err != nil {
		return err
	}
	switch packet[0] {
	case msgChannelData:
		var msg channelDataMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed channel data (%v)", err)
		}
		return channel.handleData(false, 0, msg.Rest[:msg.Length])
	case msgChannelExtendedData:
		var msg channelExtendedDataMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed channel extended data (%v)", err)
		}
		return channel.handleData(true, msg.Datatype, msg.Rest[:msg.Length])
	case msgChannelWindowAdjust:
		var msg windowAdjustMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed window adjust (%v)", err)
		}
		return channel.handleWindowAdjust(msg.AdditionalBytes)
	case msgChannelEOF:
		channel.handleEOF()
		return nil
	case msgChannelClose:
		return channel.handleClose()
	case msgChannelRequest:
		var msg channelRequestMsg
		if err := ssh.Unmarshal(packet, &msg); err != nil {
			return protocolError("malformed channel request (%v)", err)
		}
		return m.handleChannelRequest(channel, &msg)
	case msgChannelSuccess, msgChannelFailure:
		// Channel request replies; no outbound channel requests are pending
		// unless the channel owner issued them.
		return channel.handleRequestReply(packet[0] == msgChannelSuccess)
	}
	return protocolError("unsupported channel message %d", packet[0])
}

// channelFor resolves the local channel addressed by a channel message.
// Messages for unknown ids are protocol violations.
func (m *ChannelMultiplexer) channelFor(packet []byte) (*Channel, error) {
	if len(packet) < 5 {
		return nil, protocolError("channel message too short")
	}
	id := uint32(packet[1])<<24 | uint32(packet[2])<<16 | uint32(packet[3])<<8 | uint32(packet[4])
	channel := m.lookup(id)
	if channel == nil {
		return nil, protocolError("message for unknown channel %d", id)
	}
	return channel, nil
}

func (m *ChannelMultiplexer) handleOpen(packet []byte) error {
	var msg channelOpenMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return protocolError("malformed channel open (%v)", err)
	}
	if msg.MaxPacketSize < minPacketSize || msg.PeersWindow == 0 {
		return m.rejectOpen(msg.PeersID, OpenConnectFailed, "invalid channel parameters")
	}

	m.session.lock.Lock()
	handler := m.handlers[msg.ChanType]
	m.session.lock.Unlock()
	if handler == nil {
		m.logger.Debugf("rejecting channel open of unsupported type %s", msg.ChanType)
		return m.rejectOpen(msg.PeersID, OpenUnknownChannelType, "unknown channel type")
	}

	channel := m.newChannel(msg.ChanType, handler)
	channel.remoteID = msg.PeersID
	channel.remoteWindow = newWindow(msg.PeersWindow)
	channel.maxRemotePacket = msg.MaxPacketSize
	if err := m.allocate(channel); err != nil {
		return m.rejectOpen(msg.PeersID, OpenResourceShortage, "channel ids exhausted")
	}

	if err := handler.OnOpen(channel, msg.TypeSpecificData); err != nil {
		channel.abort()
		reason := OpenConnectFailed
		var channelError *ChannelError
		if errors.As(err, &channelError) {
			reason = channelError.Reason
		}
		return m.rejectOpen(msg.PeersID, reason, err.Error())
	}

	channel.mu.Lock()
	channel.state = channelOpen
	channel.mu.Unlock()
	if err := m.writePacket(ssh.Marshal(channelOpenConfirmMsg{
		PeersID:       channel.remoteID,
		MyID:          channel.localID,
		MyWindow:      m.cfg.WindowSize,
		MaxPacketSize: m.cfg.MaxPacketSize,
	})); err != nil {
		return err
	}
	m.logger.Debugf("channel %d of type %s open", channel.localID, msg.ChanType)
	return nil
}

func (m *ChannelMultiplexer) rejectOpen(remoteID uint32, reason ChannelOpenFailureReason, message string) error {
	return m.writePacket(ssh.Marshal(channelOpenFailureMsg{
		PeersID: remoteID,
		Reason:  reason,
		Message: message,
	}))
}

func (m *ChannelMultiplexer) handleOpenConfirm(msg *channelOpenConfirmMsg) error {
	channel := m.lookup(msg.PeersID)
	if channel == nil {
		return protocolError("open confirmation for unknown channel %d", msg.PeersID)
	}
	channel.mu.Lock()
	if channel.state != channelOpening {
		channel.mu.Unlock()
		return protocolError("open confirmation for channel %d in wrong state", msg.PeersID)
	}
	channel.state = channelOpen
	channel.remoteID = msg.MyID
	channel.remoteWindow = newWindow(msg.MyWindow)
	channel.maxRemotePacket = msg.MaxPacketSize
	channel.mu.Unlock()
	channel.opened <- nil
	return nil
}

func (m *ChannelMultiplexer) handleOpenFailure(msg *channelOpenFailureMsg) error {
	channel := m.lookup(msg.PeersID)
	if channel == nil {
		return protocolError("open failure for unknown channel %d", msg.PeersID)
	}
	channel.mu.Lock()
	if channel.state != channelOpening {
		channel.mu.Unlock()
		return protocolError("open failure for channel %d in wrong state", msg.PeersID)
	}
	channel.mu.Unlock()
	m.logger.Debugf("channel open rejected by peer (reason %d): %s", msg.Reason, msg.Message)
	channel.opened <- &ChannelError{
		ChannelID: channel.localID,
		Reason:    msg.Reason,
		Message:   msg.Message,
	}
	return nil
}

func (m *ChannelMultiplexer) handleChannelRequest(channel *Channel, msg *channelRequestMsg) error {
	var handlerErr error
	if channel.handler != nil {
		handlerErr = channel.handler.OnRequest(channel, msg.Request, msg.RequestSpecificData)
	} else {
		handlerErr = &ChannelError{ChannelID: channel.localID, Message: "no handler"}
	}
	if !msg.WantReply {
		return nil
	}
	var reply []byte
	if handlerErr != nil {
		reply = ssh.Marshal(channelRequestFailureMsg{PeersID: channel.remoteID})
	} else {
		reply = ssh.Marshal(channelRequestSuccessMsg{PeersID: channel.remoteID})
	}
	if err := m.writePacket(reply); err != nil {
		m.logger.Debugf("failed to send channel request reply (%v)", err)
		return err
	}
	return nil
}

// closeAll aborts every channel; used at session teardown. Suspended sends
// surface ErrChannelClosed, never silent loss.
func (m *ChannelMultiplexer) closeAll() {
	m.session.lock.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, channel := range m.channels {
		channels = append(channels, channel)
	}
	m.session.lock.Unlock()
	for _, channel := range channels {
		select {
		case channel.opened <- ErrSessionClosed:
		default:
		}
		channel.abort()
	}
}
