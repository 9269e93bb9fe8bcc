package sshtransport

import (
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/containerssh/log"
	"github.com/containerssh/service"
	"github.com/google/uuid"
)

type server struct {
	cfg      Config
	logger   log.Logger
	handler  Handler
	registry *Registry
	hostKeys HostKeyProvider
	clock    clock.Clock

	lock         *sync.Mutex
	wg           *sync.WaitGroup
	listenSocket net.Listener
	sessions     map[*Session]bool
	shuttingDown bool
}

func (s *server) String() string {
	return "SSH transport server"
}

func (s *server) RunWithLifecycle(lifecycle service.Lifecycle) error {
	s.lock.Lock()
	alreadyRunning := s.listenSocket != nil
	if !alreadyRunning {
		s.sessions = make(map[*Session]bool)
	}
	s.shuttingDown = false
	s.lock.Unlock()
	if alreadyRunning {
		err := fmt.Errorf("transport server is already running")
		s.logger.Errore(err)
		return err
	}

	listenConfig := net.ListenConfig{
		Control: s.socketControl,
	}
	netListener, err := listenConfig.Listen(lifecycle.Context(), "tcp", s.cfg.Listen)
	if err != nil {
		s.logger.Errorf("failed to start transport server on %s (%v)", s.cfg.Listen, err)
		return fmt.Errorf("failed to start transport server on %s (%w)", s.cfg.Listen, err)
	}
	s.lock.Lock()
	s.listenSocket = netListener
	s.lock.Unlock()
	if err := s.handler.OnReady(); err != nil {
		if closeErr := netListener.Close(); closeErr != nil {
			s.logger.Warningf("failed to close listen socket after failed startup (%v)", closeErr)
		}
		s.lock.Lock()
		s.listenSocket = nil
		s.lock.Unlock()
		return err
	}
	lifecycle.Running()
	s.logger.Debugf("transport server running on %s", s.cfg.Listen)

	go func() {
		<-lifecycle.Context().Done()
		if err := netListener.Close(); err != nil {
			s.logger.Warningf("failed to close listen socket (%v)", err)
		}
	}()
	for {
		tcpConn, err := netListener.Accept()
		if err != nil {
			// Assume listen socket closed
			break
		}
		s.wg.Add(1)
		go s.handleConnection(tcpConn)
	}
	lifecycle.Stopping()
	s.lock.Lock()
	s.shuttingDown = true
	s.listenSocket = nil
	s.lock.Unlock()

	go s.handler.OnShutdown(lifecycle.ShutdownContext())
	allSessionsExited := make(chan struct{})
	go s.disconnectSessions(lifecycle, allSessionsExited)
	s.wg.Wait()
	close(allSessionsExited)
	return nil
}

// disconnectSessions forcibly ends the remaining sessions once the shutdown
// deadline expires.
func (s *server) disconnectSessions(lifecycle service.Lifecycle, allSessionsExited chan struct{}) {
	select {
	case <-allSessionsExited:
		return
	case <-lifecycle.ShutdownContext().Done():
	}
	s.lock.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.lock.Unlock()
	for _, session := range sessions {
		session.Disconnect(DisconnectByApplication, "server is shutting down")
	}
}

func (s *server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	connectionID := uuid.New().String()
	addr := net.TCPAddr{}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = *tcpAddr
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(s.cfg.TCPNoDelay)
		_ = tcpConn.SetKeepAlive(s.cfg.SocketKeepalive)
		if s.cfg.SocketSendBuffer > 0 {
			_ = tcpConn.SetWriteBuffer(s.cfg.SocketSendBuffer)
		}
		if s.cfg.SocketReceiveBuffer > 0 {
			_ = tcpConn.SetReadBuffer(s.cfg.SocketReceiveBuffer)
		}
		if s.cfg.SocketLinger >= 0 {
			_ = tcpConn.SetLinger(s.cfg.SocketLinger)
		}
	}
	s.logger.Debugf("client connected: %s", addr.IP.String())

	session := newSession(s.cfg, conn, RoleServer, s.registry, s.hostKeys, s.logger, s.clock)
	if err := s.handler.OnSession(addr, connectionID, session); err != nil {
		s.logger.Debugf("session setup rejected for %s (%v)", addr.IP.String(), err)
		_ = conn.Close()
		return
	}

	s.lock.Lock()
	if s.shuttingDown {
		s.lock.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[session] = true
	s.lock.Unlock()

	if err := session.Run(); err != nil {
		s.logger.Debugf("session %s ended with error (%v)", connectionID, err)
	}

	s.lock.Lock()
	delete(s.sessions, session)
	s.lock.Unlock()
	s.handler.OnSessionClosed(connectionID, session)
	s.logger.Debugf("client disconnected: %s", addr.IP.String())
}
