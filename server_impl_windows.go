// +build windows

package sshtransport

import (
	"syscall"
)

func (s *server) socketControl(_, _ string, conn syscall.RawConn) error {
	if !s.cfg.SocketReuseAddr {
		return nil
	}
	return conn.Control(func(descriptor uintptr) {
		err := syscall.SetsockoptInt(
			syscall.Handle(descriptor),
			syscall.SOL_SOCKET,
			syscall.SO_REUSEADDR,
			1,
		)
		if err != nil {
			s.logger.Warningf("failed to set SO_REUSEADDR. Server may fail on restart")
		}
	})
}
