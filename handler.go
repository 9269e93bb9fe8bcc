package sshtransport

import (
	"context"
	"net"
)

// Handler is the basic handler for the transport server. It contains several
// methods to handle startup and operations of the server.
type Handler interface {
	// OnReady is called when the server is ready to receive connections. It
	// has an opportunity to return an error to abort the startup.
	OnReady() error

	// OnShutdown is called when a shutdown of the server is desired. The
	// shutdownContext is passed as a deadline for the shutdown, after which
	// the server aborts all running sessions and returns as fast as possible.
	OnShutdown(shutdownContext context.Context)

	// OnSession is called when a new network connection is opened, before the
	// session's version exchange starts. The handler registers the services,
	// channel types and global request handlers the session should expose.
	// Returning an error closes the connection.
	//
	// The connectionID parameter provides an opaque identifier for the
	// connection that can be used to track it across subsystems.
	OnSession(client net.TCPAddr, connectionID string, session *Session) error

	// OnSessionClosed is called after a session ended for any reason.
	OnSessionClosed(connectionID string, session *Session)
}

// AbstractHandler is a no-op handler implementation embeddable in concrete
// handlers that only care about a subset of the events.
type AbstractHandler struct{}

func (a *AbstractHandler) OnReady() error {
	return nil
}

func (a *AbstractHandler) OnShutdown(_ context.Context) {
}

func (a *AbstractHandler) OnSession(_ net.TCPAddr, _ string, _ *Session) error {
	return nil
}

func (a *AbstractHandler) OnSessionClosed(_ string, _ *Session) {
}
