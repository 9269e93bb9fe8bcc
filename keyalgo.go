package sshtransport

import (
	"fmt"
)

var supportedKeyAlgos = []stringer{
	KeyAlgoED25519, KeyAlgoRSASHA2512, KeyAlgoRSASHA2256, KeyAlgoECDSA256,
}

// KeyAlgo is the name of an SSH host key and signature algorithm.
type KeyAlgo string

// KeyAlgo is the name of an SSH host key and signature algorithm.
const (
	KeyAlgoED25519    KeyAlgo = "ssh-ed25519"
	KeyAlgoRSASHA2512 KeyAlgo = "rsa-sha2-512"
	KeyAlgoRSASHA2256 KeyAlgo = "rsa-sha2-256"
	KeyAlgoECDSA256   KeyAlgo = "ecdsa-sha2-nistp256"
)

// String creates a string representation.
func (k KeyAlgo) String() string {
	return string(k)
}

// Validate validates the key algorithm name.
func (k KeyAlgo) Validate() error {
	if k == "" {
		return fmt.Errorf("empty host key algorithm name")
	}
	for _, algo := range supportedKeyAlgos {
		if k == algo {
			return nil
		}
	}
	return fmt.Errorf("host key algorithm not supported: %s", k)
}

// KeyAlgoList is a list of host key algorithms in preference order.
type KeyAlgoList []KeyAlgo

// Validate validates the list of host key algorithms to contain only
// supported items.
func (k KeyAlgoList) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("empty host key algorithm list")
	}
	for _, algo := range k {
		if err := algo.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StringList returns a list of host key algorithm names.
func (k KeyAlgoList) StringList() []string {
	algos := make([]string, len(k))
	for i, v := range k {
		algos[i] = v.String()
	}
	return algos
}

// stringer is implemented by all algorithm name types.
type stringer interface {
	String() string
}
