package sshtransport

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ServiceFactory produces a service instance bound to an established
// session. Exactly one service is bound per session, selected by name after
// the transport is secured.
type ServiceFactory interface {
	NamedFactory
	New(session *Session) (Service, error)
}

// Service consumes the service message range (50-79) for the remainder of
// the session once bound.
type Service interface {
	// HandleMessage processes one inbound service-range message in arrival
	// order.
	HandleMessage(msgType byte, packet []byte) error
	// Close releases the service when the session ends.
	Close() error
}

// GlobalRequestHandler claims connection-scoped requests by name.
// Registration order is resolution order; this is an ordered-list dispatch,
// not a priority system.
type GlobalRequestHandler interface {
	NamedFactory
	// HandleRequest processes a claimed request. The response is carried in
	// the success reply when the peer asked for one; a non-nil error turns
	// into a failure reply instead.
	HandleRequest(session *Session, payload []byte) (response []byte, err error)
}

// serviceUnavailableError is raised when the peer requests a service that is
// not registered. It is fatal and maps to SSH_DISCONNECT_SERVICE_NOT_AVAILABLE.
type serviceUnavailableError struct {
	name string
}

func (e *serviceUnavailableError) Error() string {
	return fmt.Sprintf("service not available: %s", e.name)
}

type globalReply struct {
	success bool
	payload []byte
}

// serviceDispatcher binds the transport to exactly one named service after
// the first key exchange and routes global requests to registered handlers.
type serviceDispatcher struct {
	session   *Session
	factories []ServiceFactory
	handlers  []GlobalRequestHandler

	bound     Service
	boundName string

	pendingMu      sync.Mutex
	pendingReplies []chan globalReply

	acceptMu sync.Mutex
	accept   chan string
}

func newServiceDispatcher(session *Session, factories []ServiceFactory, handlers []GlobalRequestHandler) *serviceDispatcher {
	return &serviceDispatcher{
		session:   session,
		factories: factories,
		handlers:  handlers,
	}
}

func (d *serviceDispatcher) factory(name string) ServiceFactory {
	for _, factory := range d.factories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}

// handleServiceRequest processes the peer's service selection (server
// side). Services are mutually exclusive for the session lifetime.
func (d *serviceDispatcher) handleServiceRequest(packet []byte) error {
	var msg serviceRequestMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return protocolError("malformed service request (%v)", err)
	}
	if d.bound != nil {
		return protocolError("service %s requested but %s is already bound", msg.Service, d.boundName)
	}
	factory := d.factory(msg.Service)
	if factory == nil {
		d.session.logger.Debugf("peer requested unavailable service %s", msg.Service)
		return &serviceUnavailableError{name: msg.Service}
	}
	service, err := factory.New(d.session)
	if err != nil {
		return err
	}
	if err := d.session.writePacket(ssh.Marshal(serviceAcceptMsg{Service: msg.Service})); err != nil {
		return err
	}
	d.bound = service
	d.boundName = msg.Service
	d.session.logger.Debugf("service %s bound", msg.Service)
	return nil
}

// RequestService selects the named service on the peer (client side) and
// binds the local instance once the peer accepts.
func (d *serviceDispatcher) RequestService(name string, timeout time.Duration) error {
	factory := d.factory(name)
	if factory == nil {
		return &serviceUnavailableError{name: name}
	}
	accept := make(chan string, 1)
	d.acceptMu.Lock()
	if d.accept != nil {
		d.acceptMu.Unlock()
		return fmt.Errorf("a service request is already outstanding")
	}
	d.accept = accept
	d.acceptMu.Unlock()

	if err := d.session.writePacket(ssh.Marshal(serviceRequestMsg{Service: name})); err != nil {
		return err
	}
	timer := d.session.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case accepted := <-accept:
		if accepted != name {
			return protocolError("peer accepted service %s instead of %s", accepted, name)
		}
	case <-timer.C:
		return &RequestTimeoutError{Op: "service request " + name}
	case <-d.session.done:
		return ErrSessionClosed
	}

	service, err := factory.New(d.session)
	if err != nil {
		return err
	}
	d.bound = service
	d.boundName = name
	return nil
}

func (d *serviceDispatcher) handleServiceAccept(packet []byte) error {
	var msg serviceAcceptMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return protocolError("malformed service accept (%v)", err)
	}
	d.acceptMu.Lock()
	accept := d.accept
	d.accept = nil
	d.acceptMu.Unlock()
	if accept == nil {
		return protocolError("service accept without outstanding request")
	}
	accept <- msg.Service
	return nil
}

// handleServiceMessage forwards a service-range message to the bound
// service.
func (d *serviceDispatcher) handleServiceMessage(packet []byte) error {
	if d.bound == nil {
		return protocolError("service message %d before a service was bound", packet[0])
	}
	return d.bound.HandleMessage(packet[0], packet)
}

// handleGlobalRequest routes an inbound global request to the first
// registered handler claiming its name. Unclaimed requests wanting a reply
// receive a failure reply; others are dropped.
func (d *serviceDispatcher) handleGlobalRequest(packet []byte) error {
	var msg globalRequestMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return protocolError("malformed global request (%v)", err)
	}
	for _, handler := range d.handlers {
		if handler.Name() != msg.Type {
			continue
		}
		response, err := handler.HandleRequest(d.session, msg.Data)
		if !msg.WantReply {
			return nil
		}
		var reply []byte
		if err != nil {
			d.session.logger.Debugf("global request %s failed (%v)", msg.Type, err)
			reply = ssh.Marshal(globalRequestFailureMsg{})
		} else {
			reply = ssh.Marshal(globalRequestSuccessMsg{Data: response})
		}
		return d.session.writePacket(reply)
	}

	d.session.logger.Debugf("no handler claimed global request %s", msg.Type)
	if msg.WantReply {
		return d.session.writePacket(ssh.Marshal(globalRequestFailureMsg{}))
	}
	return nil
}

// Request sends an outbound global request. When a reply is wanted the
// caller suspends until the peer answers or the timeout expires; replies
// resolve in FIFO order.
func (d *serviceDispatcher) Request(
	name string,
	wantReply bool,
	payload []byte,
	timeout time.Duration,
) (bool, []byte, error) {
	var reply chan globalReply
	if wantReply {
		reply = make(chan globalReply, 1)
		d.pendingMu.Lock()
		d.pendingReplies = append(d.pendingReplies, reply)
		d.pendingMu.Unlock()
	}
	if err := d.session.writePacket(ssh.Marshal(globalRequestMsg{
		Type:      name,
		WantReply: wantReply,
		Data:      payload,
	})); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	timer := d.session.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case result := <-reply:
		return result.success, result.payload, nil
	case <-timer.C:
		return false, nil, &RequestTimeoutError{Op: "global request " + name}
	case <-d.session.done:
		return false, nil, ErrSessionClosed
	}
}

func (d *serviceDispatcher) handleRequestReply(packet []byte) error {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pendingReplies) == 0 {
		return protocolError("global request reply without outstanding request")
	}
	reply := d.pendingReplies[0]
	d.pendingReplies = d.pendingReplies[1:]
	result := globalReply{success: packet[0] == msgRequestSuccess}
	if result.success && len(packet) > 1 {
		result.payload = packet[1:]
	}
	reply <- result
	return nil
}

func (d *serviceDispatcher) close() {
	if d.bound != nil {
		if err := d.bound.Close(); err != nil {
			d.session.logger.Debugf("failed to close service %s (%v)", d.boundName, err)
		}
	}
}
