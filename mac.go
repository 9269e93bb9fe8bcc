package sshtransport

import (
	"fmt"
)

var supportedMACs = []stringer{
	MACHMACSHA2256ETM, MACHMACSHA2256, MACHMACSHA1,
}

// MAC is the name of an SSH message authentication algorithm.
type MAC string

// MAC is the name of an SSH message authentication algorithm.
const (
	MACHMACSHA2256ETM MAC = "hmac-sha2-256-etm@openssh.com"
	MACHMACSHA2256    MAC = "hmac-sha2-256"
	MACHMACSHA1       MAC = "hmac-sha1"
)

// String creates a string representation.
func (m MAC) String() string {
	return string(m)
}

// Validate validates the MAC name.
func (m MAC) Validate() error {
	if m == "" {
		return fmt.Errorf("empty MAC algorithm name")
	}
	for _, mac := range supportedMACs {
		if m == mac {
			return nil
		}
	}
	return fmt.Errorf("MAC algorithm not supported: %s", m)
}

// MACList is a list of MAC algorithms in preference order.
type MACList []MAC

// Validate validates the list of MAC algorithms to contain only supported
// items.
func (m MACList) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("empty MAC algorithm list")
	}
	for _, mac := range m {
		if err := mac.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StringList returns a list of MAC algorithm names.
func (m MACList) StringList() []string {
	macs := make([]string, len(m))
	for i, v := range m {
		macs[i] = v.String()
	}
	return macs
}
