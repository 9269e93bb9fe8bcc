package sshtransport

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/containerssh/log"
)

// New creates a new transport server ready to be run. It may return an error
// if the configuration is invalid.
func New(cfg Config, handler Handler, logger log.Logger) (Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration (%w)", err)
	}
	hostKeys, err := LoadHostKeys(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := NewDefaultRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return &server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		registry: registry,
		hostKeys: hostKeys,
		clock:    clock.New(),
		lock:     &sync.Mutex{},
		wg:       &sync.WaitGroup{},
	}, nil
}
