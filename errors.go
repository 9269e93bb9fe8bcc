package sshtransport

import (
	"errors"
	"fmt"
)

// NegotiationError indicates that the local and remote proposal for an
// algorithm category have no common entry. It is fatal to the session and
// cannot be retried without reconfiguration.
type NegotiationError struct {
	Category AlgorithmCategory
	Local    []string
	Remote   []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf(
		"no common %s algorithm (local: %v, remote: %v)",
		e.Category,
		e.Local,
		e.Remote,
	)
}

// IntegrityError indicates that the integrity tag of an inbound packet did
// not verify. This must be treated as a potential attack: the session is torn
// down immediately and no details about the failure are leaked to the peer.
type IntegrityError struct {
	Sequence uint32
}

func (e *IntegrityError) Error() string {
	return "message integrity check failed"
}

// ProtocolError indicates a malformed or out-of-order message from the peer.
// It is fatal to the session.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Message)
}

func protocolError(format string, args ...interface{}) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// ChannelError indicates a failure local to a single channel, such as a
// rejected open or peer-reported error. It never affects the session or other
// channels.
type ChannelError struct {
	ChannelID uint32
	Reason    ChannelOpenFailureReason
	Message   string
}

func (e *ChannelError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("channel %d failed (reason %d)", e.ChannelID, e.Reason)
	}
	return fmt.Sprintf("channel %d failed: %s", e.ChannelID, e.Message)
}

// RequestTimeoutError indicates that a global request reply or a window wait
// did not arrive within the caller-specified deadline. It is local to the
// waiting caller.
type RequestTimeoutError struct {
	Op string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

// ResourceExhaustedError indicates that the channel id space or window
// bookkeeping overflowed. It is fatal to the affected channel only.
type ResourceExhaustedError struct {
	Resource string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// ErrSessionClosed is returned from operations on a session that has been
// closed.
var ErrSessionClosed = errors.New("session is closed")

// ErrChannelClosed is returned from sends that were outstanding or attempted
// after the channel closed.
var ErrChannelClosed = errors.New("channel is closed")

// disconnectError carries the reason code of an SSH_MSG_DISCONNECT received
// from the peer.
type disconnectError struct {
	Reason  uint32
	Message string
}

func (e *disconnectError) Error() string {
	return fmt.Sprintf("peer disconnected (reason %d): %s", e.Reason, e.Message)
}

// isFatal reports whether an error must terminate the session rather than a
// single channel or caller.
func isFatal(err error) bool {
	var negotiationError *NegotiationError
	var integrityError *IntegrityError
	var protoError *ProtocolError
	var serviceError *serviceUnavailableError
	switch {
	case errors.As(err, &negotiationError),
		errors.As(err, &integrityError),
		errors.As(err, &protoError),
		errors.As(err, &serviceError):
		return true
	}
	return false
}

// disconnectReason maps a fatal error to the SSH disconnect reason code sent
// to the peer before the transport is torn down.
func disconnectReason(err error) uint32 {
	var negotiationError *NegotiationError
	var integrityError *IntegrityError
	var serviceError *serviceUnavailableError
	switch {
	case errors.As(err, &negotiationError):
		return DisconnectKeyExchangeFailed
	case errors.As(err, &integrityError):
		return DisconnectMACError
	case errors.As(err, &serviceError):
		return DisconnectServiceNotAvailable
	default:
		return DisconnectProtocolError
	}
}
