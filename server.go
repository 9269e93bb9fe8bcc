package sshtransport

import (
	"github.com/containerssh/service"
)

// Server is the runnable transport server. It accepts connections, runs one
// Session per connection and drains sessions on shutdown.
type Server interface {
	service.Service
}
