package sshtransport

import (
	"fmt"
)

var supportedCompressions = []stringer{
	CompressionNone, CompressionZlib, CompressionZlibOpenSSH,
}

// Compression is the name of an SSH compression algorithm.
type Compression string

// Compression is the name of an SSH compression algorithm.
const (
	CompressionNone        Compression = "none"
	CompressionZlib        Compression = "zlib"
	CompressionZlibOpenSSH Compression = "zlib@openssh.com"
)

// String creates a string representation.
func (c Compression) String() string {
	return string(c)
}

// Validate validates the compression name.
func (c Compression) Validate() error {
	if c == "" {
		return fmt.Errorf("empty compression algorithm name")
	}
	for _, compression := range supportedCompressions {
		if c == compression {
			return nil
		}
	}
	return fmt.Errorf("compression algorithm not supported: %s", c)
}

// CompressionList is a list of compression algorithms in preference order.
type CompressionList []Compression

// Validate validates the list of compression algorithms to contain only
// supported items.
func (c CompressionList) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("empty compression algorithm list")
	}
	for _, compression := range c {
		if err := compression.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StringList returns a list of compression algorithm names.
func (c CompressionList) StringList() []string {
	compressions := make([]string, len(c))
	for i, v := range c {
		compressions[i] = v.String()
	}
	return compressions
}
