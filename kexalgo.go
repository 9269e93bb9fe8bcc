package sshtransport

import (
	"fmt"
)

var supportedKexAlgos = []stringer{
	KexCurve25519SHA256, KexCurve25519SHA256LibSSH, KexDHGroup14SHA256,
}

// Kex is the name of an SSH key exchange algorithm.
type Kex string

// Kex is the name of an SSH key exchange algorithm.
const (
	KexCurve25519SHA256       Kex = "curve25519-sha256"
	KexCurve25519SHA256LibSSH Kex = "curve25519-sha256@libssh.org"
	KexDHGroup14SHA256        Kex = "diffie-hellman-group14-sha256"
)

// String creates a string representation.
func (k Kex) String() string {
	return string(k)
}

// Validate checks if a given Kex is valid.
func (k Kex) Validate() error {
	if k == "" {
		return fmt.Errorf("empty key exchange algorithm")
	}
	for _, algo := range supportedKexAlgos {
		if algo == k {
			return nil
		}
	}
	return fmt.Errorf("key exchange algorithm not supported: %s", k)
}

// KexList is a list of key exchange algorithms in preference order.
type KexList []Kex

// Validate validates the list of key exchange algorithms to contain only
// supported items.
func (k KexList) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("empty key exchange algorithm list")
	}
	for _, algo := range k {
		if err := algo.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StringList returns a list of key exchange algorithm names.
func (k KexList) StringList() []string {
	algos := make([]string, len(k))
	for i, v := range k {
		algos[i] = v.String()
	}
	return algos
}
