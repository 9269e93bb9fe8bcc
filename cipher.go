package sshtransport

import (
	"fmt"
)

var supportedCiphers = []stringer{
	CipherAES256GCM, CipherAES128GCM, CipherAES256CTR, CipherAES192CTR, CipherAES128CTR,
}

// Cipher is the name of an SSH cipher.
type Cipher string

// Cipher is the name of an SSH cipher.
const (
	CipherAES256GCM Cipher = "aes256-gcm@openssh.com"
	CipherAES128GCM Cipher = "aes128-gcm@openssh.com"
	CipherAES256CTR Cipher = "aes256-ctr"
	CipherAES192CTR Cipher = "aes192-ctr"
	CipherAES128CTR Cipher = "aes128-ctr"
)

// String creates a string representation.
func (c Cipher) String() string {
	return string(c)
}

// Validate validates the cipher name.
func (c Cipher) Validate() error {
	if c == "" {
		return fmt.Errorf("empty cipher name")
	}
	for _, supportedCipher := range supportedCiphers {
		if c == supportedCipher {
			return nil
		}
	}
	return fmt.Errorf("cipher not supported: %s", c)
}

// CipherList is a list of supported ciphers in preference order.
type CipherList []Cipher

// Validate validates the list of ciphers to contain only supported items.
func (c CipherList) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("empty cipher list")
	}
	for _, cipher := range c {
		if err := cipher.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StringList returns a list of cipher names.
func (c CipherList) StringList() []string {
	ciphers := make([]string, len(c))
	for i, v := range c {
		ciphers[i] = v.String()
	}
	return ciphers
}
