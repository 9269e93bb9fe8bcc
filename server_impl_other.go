// +build !linux,!darwin,!freebsd,!openbsd,!netbsd,!windows

package sshtransport

import (
	"syscall"
)

func (s *server) socketControl(network, address string, conn syscall.RawConn) error {
	return conn.Control(func(descriptor uintptr) {
	})
}
