// +build linux darwin freebsd openbsd netbsd

package sshtransport

import (
	"syscall"
)

func (s *server) socketControl(network, address string, conn syscall.RawConn) error {
	if !s.cfg.SocketReuseAddr {
		return nil
	}
	return conn.Control(func(descriptor uintptr) {
		err := syscall.SetsockoptInt(
			int(descriptor),
			syscall.SOL_SOCKET,
			syscall.SO_REUSEADDR,
			1,
		)
		if err != nil {
			s.logger.Warningf("failed to set SO_REUSEADDR. Server may fail on restart")
		}
	})
}
