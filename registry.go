package sshtransport

import (
	"crypto"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/ssh"
)

// AlgorithmCategory names one of the negotiated algorithm families.
type AlgorithmCategory string

const (
	CategoryKex         AlgorithmCategory = "key exchange"
	CategoryHostKey     AlgorithmCategory = "host key"
	CategoryCipher      AlgorithmCategory = "cipher"
	CategoryMAC         AlgorithmCategory = "MAC"
	CategoryCompression AlgorithmCategory = "compression"
)

// NamedFactory is the single indirection through which all pluggable
// algorithm implementations are consumed: the core calls Name() and the
// typed create method, never inspecting internals.
type NamedFactory interface {
	Name() string
}

// KexFactory creates key exchange algorithm instances.
type KexFactory interface {
	NamedFactory
	New() KeyExchange
}

// KeyExchange runs the algorithm-specific message exchange over the
// transport and produces the shared secret and exchange hash. The instance
// talks to the peer exclusively through the packet connection it is given.
type KeyExchange interface {
	// Client runs the client side of the exchange and verifies the host key
	// signature using the negotiated signature algorithm.
	Client(c kexPacketConn, random io.Reader, magics *handshakeMagics, signatureFactory SignatureFactory) (*KexResult, error)
	// Server runs the server side of the exchange, signing the exchange hash
	// with the supplied host key.
	Server(c kexPacketConn, random io.Reader, magics *handshakeMagics, signer ssh.AlgorithmSigner, algo string) (*KexResult, error)
}

// kexPacketConn is the transport surface handed to a running key exchange.
// Reads are filtered to algorithm-specific messages (30-49) by the session.
type kexPacketConn interface {
	writePacket(payload []byte) error
	readPacket() ([]byte, error)
}

// KexResult is the outcome of a completed key exchange round.
type KexResult struct {
	// H is the exchange hash. The H of the first exchange becomes the
	// session identifier.
	H []byte
	// K is the shared secret, encoded as an SSH mpint.
	K []byte
	// HostKey is the wire encoding of the server host public key.
	HostKey []byte
	// Signature is the server's signature over H.
	Signature []byte
	// Hash is the hash function the algorithm prescribes for key expansion.
	Hash crypto.Hash
}

// CipherFactory creates the encryption state for one direction of the
// transport.
type CipherFactory interface {
	NamedFactory
	// KeySize is the encryption key length in bytes.
	KeySize() int
	// IVSize is the initialization vector length in bytes.
	IVSize() int
	// BlockSize is the padding alignment requirement in bytes (at least 8
	// for the purposes of packet framing).
	BlockSize() int
	// New creates the per-direction cipher stream.
	New(key []byte, iv []byte) (CipherStream, error)
}

// CipherStream transforms packet bytes for one direction. Implementations
// are stream-positional: each call continues the key stream.
type CipherStream interface {
	XORKeyStream(dst []byte, src []byte)
}

// AEADCipherFactory is implemented by cipher factories whose instances
// authenticate packets themselves. No separate MAC is applied for them and
// the MAC category result is ignored for the direction they serve.
type AEADCipherFactory interface {
	CipherFactory
	NewAEAD(key []byte, iv []byte) (AEADCipher, error)
}

// AEADCipher seals and opens whole packets. The unencrypted length prefix is
// bound as associated data.
type AEADCipher interface {
	// Overhead is the tag length in bytes.
	Overhead() int
	// Seal encrypts and authenticates plaintext, returning ciphertext with
	// the tag appended.
	Seal(seqNum uint32, lengthPrefix []byte, plaintext []byte) ([]byte, error)
	// Open verifies and decrypts ciphertext (with trailing tag).
	Open(seqNum uint32, lengthPrefix []byte, ciphertext []byte) ([]byte, error)
}

// MACFactory creates message authenticators for one direction of the
// transport.
type MACFactory interface {
	NamedFactory
	// KeySize is the integrity key length in bytes.
	KeySize() int
	// EncryptThenMAC reports whether the tag is computed over the ciphertext
	// (and verified before decryption) rather than over the plaintext.
	EncryptThenMAC() bool
	// New creates the per-direction authenticator.
	New(key []byte) PacketMAC
}

// PacketMAC computes per-packet integrity tags bound to the packet sequence
// number.
type PacketMAC interface {
	// Size is the tag length in bytes.
	Size() int
	// Sum computes the tag over the given packet bytes for the given
	// sequence number.
	Sum(seqNum uint32, packet []byte) []byte
}

// CompressionFactory creates compressors for one direction of the transport.
type CompressionFactory interface {
	NamedFactory
	// Delayed reports whether the algorithm only activates once the session
	// is authenticated (the zlib@openssh.com behavior).
	Delayed() bool
	// New creates the per-direction compressor state.
	New() Compressor
}

// Compressor compresses or expands packet payloads. State carries over
// between packets (continuous stream semantics).
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// SignatureFactory creates signature verification for a host key algorithm.
// Host-side signing goes through the key pair provider's signers.
type SignatureFactory interface {
	NamedFactory
	// Verify checks sig over data against the wire-encoded public key.
	Verify(publicKey []byte, data []byte, sig []byte) error
}

// Registry holds the ordered, named lists of available implementations per
// algorithm category. The order is the local preference order used both for
// proposals and for resolution.
type Registry struct {
	KexFactories         []KexFactory
	CipherFactories      []CipherFactory
	MACFactories         []MACFactory
	CompressionFactories []CompressionFactory
	SignatureFactories   []SignatureFactory

	// Random produces cryptographically strong random bytes for padding,
	// cookies and key exchange. Defaults to crypto/rand.
	Random io.Reader
}

// NewRegistry creates an empty registry with the default random source.
func NewRegistry() *Registry {
	return &Registry{
		Random: rand.Reader,
	}
}

func (r *Registry) random() io.Reader {
	if r.Random == nil {
		return rand.Reader
	}
	return r.Random
}

// Names returns the proposal name list for a category in preference order.
func (r *Registry) Names(category AlgorithmCategory) []string {
	switch category {
	case CategoryKex:
		return factoryNames(len(r.KexFactories), func(i int) string { return r.KexFactories[i].Name() })
	case CategoryCipher:
		return factoryNames(len(r.CipherFactories), func(i int) string { return r.CipherFactories[i].Name() })
	case CategoryMAC:
		return factoryNames(len(r.MACFactories), func(i int) string { return r.MACFactories[i].Name() })
	case CategoryCompression:
		return factoryNames(len(r.CompressionFactories), func(i int) string { return r.CompressionFactories[i].Name() })
	case CategoryHostKey:
		return factoryNames(len(r.SignatureFactories), func(i int) string { return r.SignatureFactories[i].Name() })
	}
	return nil
}

func factoryNames(count int, name func(int) string) []string {
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = name(i)
	}
	return names
}

// Resolve picks the agreed algorithm for one category: the first entry of
// the client's preference list that is also present in the server's list.
// It is a pure function over the two ordered lists and fails with a
// NegotiationError when no intersection exists.
func Resolve(category AlgorithmCategory, client []string, server []string) (string, error) {
	for _, candidate := range client {
		for _, available := range server {
			if candidate == available {
				return candidate, nil
			}
		}
	}
	return "", &NegotiationError{
		Category: category,
		Local:    client,
		Remote:   server,
	}
}

// Lookup helpers. A nil result means the negotiated name has no registered
// factory, which cannot happen for names that came out of Resolve against
// this registry's own proposal.

func (r *Registry) kexFactory(name string) KexFactory {
	for _, factory := range r.KexFactories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}

func (r *Registry) cipherFactory(name string) CipherFactory {
	for _, factory := range r.CipherFactories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}

func (r *Registry) macFactory(name string) MACFactory {
	for _, factory := range r.MACFactories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}

func (r *Registry) compressionFactory(name string) CompressionFactory {
	for _, factory := range r.CompressionFactories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}

func (r *Registry) signatureFactory(name string) SignatureFactory {
	for _, factory := range r.SignatureFactories {
		if factory.Name() == name {
			return factory
		}
	}
	return nil
}
