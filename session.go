package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerssh/log"
	"golang.org/x/crypto/ssh"
)

// Role selects which side of the protocol a session speaks.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Session drives one SSH transport connection: version exchange, key
// exchange, packet dispatch, channels and the bound service. All inbound
// packets are processed in arrival order on a single event loop; outbound
// writes from channel and request callers are serialized by the codec.
type Session struct {
	cfg      Config
	logger   log.Logger
	role     Role
	registry *Registry
	hostKeys HostKeyProvider
	clock    clock.Clock

	codec      *transportCodec
	kex        *keyExchangeCoordinator
	mux        *ChannelMultiplexer
	dispatcher *serviceDispatcher

	sessionID     []byte
	localVersion  []byte
	remoteVersion []byte

	// lock guards the channel id table shared with the multiplexer.
	lock sync.Mutex

	// gate holds back non-transport writes while a key exchange is in
	// flight. The channel is closed while the gate is open. gateLock
	// excludes in-flight gated writes while a proposal goes on the wire, so
	// no channel packet can trail our own KEXINIT.
	gateMu   sync.Mutex
	gate     chan struct{}
	gateLock sync.RWMutex

	authenticated uint32

	authTimer *clock.Timer
	idleTimer *clock.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session over an established connection. For the
// server role the configured host keys are loaded; the algorithm registry is
// populated from the configured algorithm lists.
func NewSession(cfg Config, conn io.ReadWriteCloser, role Role, logger log.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration (%w)", err)
	}
	var hostKeys HostKeyProvider
	if role == RoleServer {
		var err error
		hostKeys, err = LoadHostKeys(cfg)
		if err != nil {
			return nil, err
		}
	}
	registry, err := NewDefaultRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return newSession(cfg, conn, role, registry, hostKeys, logger, clock.New()), nil
}

func newSession(
	cfg Config,
	conn io.ReadWriteCloser,
	role Role,
	registry *Registry,
	hostKeys HostKeyProvider,
	logger log.Logger,
	clk clock.Clock,
) *Session {
	session := &Session{
		cfg:      cfg,
		logger:   logger,
		role:     role,
		registry: registry,
		hostKeys: hostKeys,
		clock:    clk,
		gate:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	// The gate starts closed so channel and request traffic waits for the
	// initial key exchange.
	session.codec = newTransportCodec(conn, registry.random())
	session.kex = newKeyExchangeCoordinator(session)
	session.mux = newChannelMultiplexer(session)
	session.dispatcher = newServiceDispatcher(session, nil, nil)
	return session
}

// Channels returns the channel multiplexer of the session.
func (s *Session) Channels() *ChannelMultiplexer {
	return s.mux
}

// Role returns which side of the protocol this session speaks.
func (s *Session) Role() Role {
	return s.role
}

// SessionID returns the session identifier established by the first key
// exchange, or nil before it completed. It never changes on rekey.
func (s *Session) SessionID() []byte {
	if s.sessionID == nil {
		return nil
	}
	return append([]byte{}, s.sessionID...)
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RegisterService adds a service the peer may bind. Must be called before
// Run.
func (s *Session) RegisterService(factory ServiceFactory) {
	s.dispatcher.factories = append(s.dispatcher.factories, factory)
}

// RegisterGlobalRequestHandler appends a handler for inbound global
// requests. Handlers are consulted in registration order. Must be called
// before Run.
func (s *Session) RegisterGlobalRequestHandler(handler GlobalRequestHandler) {
	s.dispatcher.handlers = append(s.dispatcher.handlers, handler)
}

// RegisterChannelType registers the handler deciding inbound channel opens
// of the given type.
func (s *Session) RegisterChannelType(chanType string, handler ChannelHandler) {
	s.mux.RegisterChannelType(chanType, handler)
}

// OpenChannel opens an outbound channel once the transport is secured.
func (s *Session) OpenChannel(
	ctx context.Context,
	chanType string,
	extraData []byte,
	handler ChannelHandler,
) (*Channel, error) {
	return s.mux.OpenChannel(ctx, chanType, extraData, handler)
}

// RequestService selects the named service on the peer (client role only).
func (s *Session) RequestService(name string, timeout time.Duration) error {
	return s.dispatcher.RequestService(name, timeout)
}

// Request sends a connection-scoped global request to the peer.
func (s *Session) Request(name string, wantReply bool, payload []byte, timeout time.Duration) (bool, []byte, error) {
	return s.dispatcher.Request(name, wantReply, payload, timeout)
}

// MarkAuthenticated records that the bound service authenticated the peer.
// Delayed compression activates at this point and the authentication timeout
// is disarmed.
func (s *Session) MarkAuthenticated() {
	if !atomic.CompareAndSwapUint32(&s.authenticated, 0, 1) {
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.codec.enableDelayedCompression()
	s.logger.Debugf("session authenticated")
}

func (s *Session) isAuthenticated() bool {
	return atomic.LoadUint32(&s.authenticated) == 1
}

// closeWriteGate holds back all non-transport writes until the in-flight key
// exchange completes. Called on the event loop only.
func (s *Session) closeWriteGate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	select {
	case <-s.gate:
		s.gate = make(chan struct{})
	default:
	}
}

func (s *Session) openWriteGate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	select {
	case <-s.gate:
	default:
		close(s.gate)
	}
}

// writePacket sends one packet on behalf of channels, services and request
// callers. It suspends while a key exchange holds the write gate; transport
// and key exchange messages bypass this path and go to the codec directly.
func (s *Session) writePacket(packet []byte) error {
	for {
		s.gateMu.Lock()
		gate := s.gate
		s.gateMu.Unlock()
		select {
		case <-gate:
		case <-s.done:
			return ErrSessionClosed
		}

		s.gateLock.RLock()
		s.gateMu.Lock()
		current := s.gate
		s.gateMu.Unlock()
		open := false
		select {
		case <-current:
			open = true
		default:
		}
		if !open {
			// The gate closed between the wait and the write; a key
			// exchange started.
			s.gateLock.RUnlock()
			continue
		}
		select {
		case <-s.done:
			s.gateLock.RUnlock()
			return ErrSessionClosed
		default:
		}
		err := s.codec.writePacket(packet)
		s.gateLock.RUnlock()
		return err
	}
}

// writeKexInit closes the write gate and emits the proposal while no gated
// write is in flight.
func (s *Session) writeKexInit(packet []byte) error {
	s.gateLock.Lock()
	defer s.gateLock.Unlock()
	s.closeWriteGate()
	return s.codec.writePacket(packet)
}

// Run performs the version exchange and the initial key exchange, then
// processes inbound packets until the session ends. It returns nil on an
// orderly shutdown from either side.
func (s *Session) Run() error {
	localID, remoteID, err := exchangeVersions(s.codec.conn, s.cfg.Version, s.role)
	if err != nil {
		s.teardown()
		return err
	}
	s.localVersion = localID
	s.remoteVersion = remoteID
	s.logger.Debugf("transport session opened as %s, peer %s", s.role, remoteID)

	s.armTimers()
	if err := s.kex.sendProposal(); err != nil {
		return s.fail(err)
	}

	for {
		packet, err := s.codec.readPacket()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return s.fail(err)
		}
		if s.idleTimer != nil {
			s.idleTimer.Reset(s.cfg.IdleTimeout)
		}
		if err := s.handlePacket(packet); err != nil {
			var disconnect *disconnectError
			if errors.As(err, &disconnect) {
				s.logger.Debugf("peer disconnected (reason %d)", disconnect.Reason)
				s.teardown()
				if disconnect.Reason == DisconnectByApplication {
					return nil
				}
				return err
			}
			return s.fail(err)
		}
		if err := s.kex.checkRekeyThresholds(); err != nil {
			return s.fail(err)
		}
	}
}

// handlePacket routes one inbound packet by message number range. It runs on
// the event loop; a returned error ends the session.
func (s *Session) handlePacket(packet []byte) error {
	msgType := packet[0]
	switch {
	case msgType == msgDisconnect:
		return s.handleDisconnect(packet)
	case msgType == msgIgnore:
		return nil
	case msgType == msgDebug:
		var msg debugMsg
		if err := ssh.Unmarshal(packet, &msg); err == nil {
			s.logger.Debugf("peer debug message: %s", msg.Message)
		}
		return nil
	case msgType == msgUnimplemented:
		var msg unimplementedMsg
		if err := ssh.Unmarshal(packet, &msg); err == nil {
			s.logger.Debugf("peer did not implement our packet %d", msg.Sequence)
		}
		return nil
	case msgType == msgExtInfo:
		return nil
	case msgType == msgServiceRequest:
		return s.dispatcher.handleServiceRequest(packet)
	case msgType == msgServiceAccept:
		return s.dispatcher.handleServiceAccept(packet)
	case msgType == msgKexInit:
		return s.kex.handlePeerKexInit(packet)
	case msgType == msgNewKeys:
		// The new-keys swap is consumed inside the exchange; one arriving
		// here is out of order.
		return s.codec.readNewKeys()
	case msgType >= msgKexAlgoFirst && msgType <= msgKexAlgoLast:
		return protocolError("key exchange message %d outside an exchange", msgType)
	case msgType >= msgServiceFirst && msgType <= msgServiceLast:
		return s.dispatcher.handleServiceMessage(packet)
	case msgType == msgGlobalRequest:
		return s.dispatcher.handleGlobalRequest(packet)
	case msgType == msgRequestSuccess || msgType == msgRequestFailure:
		return s.dispatcher.handleRequestReply(packet)
	case msgType >= msgChannelOpen && msgType <= msgChannelFailure:
		return s.mux.handlePacket(packet)
	}
	s.logger.Debugf("replying unimplemented to unknown message %d", msgType)
	return s.codec.writePacket(ssh.Marshal(unimplementedMsg{Sequence: s.codec.lastReadSeq()}))
}

// handleDisconnect parses a peer disconnect and surfaces it as the session
// result. No reply is sent.
func (s *Session) handleDisconnect(packet []byte) error {
	var msg disconnectMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return protocolError("malformed disconnect message (%v)", err)
	}
	return &disconnectError{Reason: msg.Reason, Message: msg.Message}
}

func (s *Session) armTimers() {
	if s.role == RoleServer && s.cfg.AuthTimeout > 0 {
		s.authTimer = s.clock.AfterFunc(s.cfg.AuthTimeout, func() {
			if s.isAuthenticated() {
				return
			}
			s.logger.Infof("peer did not authenticate in time")
			s.Disconnect(DisconnectByApplication, "authentication timeout")
		})
	}
	if s.cfg.IdleTimeout > 0 {
		s.idleTimer = s.clock.AfterFunc(s.cfg.IdleTimeout, func() {
			s.logger.Infof("session idle timeout")
			s.Disconnect(DisconnectByApplication, "idle timeout")
		})
	}
}

// fail tears the session down over a local error, notifying the peer with
// the matching disconnect reason when the error class calls for it.
func (s *Session) fail(err error) error {
	if isFatal(err) {
		s.logFatal(err)
		s.disconnectAndClose(disconnectReason(err), err.Error())
	} else {
		s.teardown()
	}
	return err
}

func (s *Session) logFatal(err error) {
	var negotiationError *NegotiationError
	var integrityError *IntegrityError
	switch {
	case errors.As(err, &negotiationError):
		s.logger.Infoe(err)
	case errors.As(err, &integrityError):
		s.logger.Warninge(err)
	default:
		s.logger.Infoe(err)
	}
}

// Disconnect ends the session with the given reason, notifying the peer on
// a best-effort basis bounded by the disconnect timeout.
func (s *Session) Disconnect(reason uint32, message string) {
	s.disconnectAndClose(reason, message)
}

// Close ends the session as an application-level disconnect.
func (s *Session) Close() error {
	s.disconnectAndClose(DisconnectByApplication, "disconnected by application")
	return nil
}

func (s *Session) disconnectAndClose(reason uint32, message string) {
	s.closeOnce.Do(func() {
		notified := make(chan struct{})
		go func() {
			_ = s.codec.writePacket(ssh.Marshal(disconnectMsg{
				Reason:  reason,
				Message: message,
			}))
			close(notified)
		}()
		timeout := s.cfg.DisconnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		timer := s.clock.Timer(timeout)
		select {
		case <-notified:
		case <-timer.C:
		}
		timer.Stop()
		s.closeResources()
	})
}

// teardown closes the session without notifying the peer, used when the
// connection is already gone or the peer disconnected first.
func (s *Session) teardown() {
	s.closeOnce.Do(s.closeResources)
}

func (s *Session) closeResources() {
	close(s.done)
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	_ = s.codec.Close()
	s.mux.closeAll()
	s.dispatcher.close()
	s.logger.Debugf("transport session closed")
}
