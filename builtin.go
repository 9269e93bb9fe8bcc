package sshtransport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/ssh"
)

// NewDefaultRegistry builds a registry holding the built-in implementations
// for the algorithms named in the configuration, in the configured
// preference order.
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	registry := NewRegistry()
	for _, kex := range cfg.KexAlgorithms {
		factory, err := kexFactoryFor(kex)
		if err != nil {
			return nil, err
		}
		registry.KexFactories = append(registry.KexFactories, factory)
	}
	for _, name := range cfg.Ciphers {
		factory, err := cipherFactoryFor(name)
		if err != nil {
			return nil, err
		}
		registry.CipherFactories = append(registry.CipherFactories, factory)
	}
	for _, name := range cfg.MACs {
		factory, err := macFactoryFor(name)
		if err != nil {
			return nil, err
		}
		registry.MACFactories = append(registry.MACFactories, factory)
	}
	for _, name := range cfg.Compressions {
		factory, err := compressionFactoryFor(name)
		if err != nil {
			return nil, err
		}
		registry.CompressionFactories = append(registry.CompressionFactories, factory)
	}
	for _, name := range cfg.HostKeyAlgorithms {
		registry.SignatureFactories = append(registry.SignatureFactories, &signatureFactory{name: name.String()})
	}
	return registry, nil
}

func kexFactoryFor(kex Kex) (KexFactory, error) {
	switch kex {
	case KexCurve25519SHA256, KexCurve25519SHA256LibSSH:
		return &curve25519Factory{name: kex.String()}, nil
	case KexDHGroup14SHA256:
		return &dhGroup14Factory{}, nil
	}
	return nil, fmt.Errorf("unsupported key exchange algorithm: %s", kex)
}

func cipherFactoryFor(name Cipher) (CipherFactory, error) {
	switch name {
	case CipherAES256GCM:
		return &gcmCipherFactory{name: name.String(), keySize: 32}, nil
	case CipherAES128GCM:
		return &gcmCipherFactory{name: name.String(), keySize: 16}, nil
	case CipherAES256CTR:
		return &ctrCipherFactory{name: name.String(), keySize: 32}, nil
	case CipherAES192CTR:
		return &ctrCipherFactory{name: name.String(), keySize: 24}, nil
	case CipherAES128CTR:
		return &ctrCipherFactory{name: name.String(), keySize: 16}, nil
	}
	return nil, fmt.Errorf("unsupported cipher: %s", name)
}

func macFactoryFor(name MAC) (MACFactory, error) {
	switch name {
	case MACHMACSHA2256ETM:
		return &hmacFactory{name: name.String(), hash: sha256.New, keySize: 32, etm: true}, nil
	case MACHMACSHA2256:
		return &hmacFactory{name: name.String(), hash: sha256.New, keySize: 32}, nil
	case MACHMACSHA1:
		return &hmacFactory{name: name.String(), hash: sha1.New, keySize: 20}, nil
	}
	return nil, fmt.Errorf("unsupported MAC algorithm: %s", name)
}

func compressionFactoryFor(name Compression) (CompressionFactory, error) {
	switch name {
	case CompressionNone:
		return &noneCompressionFactory{}, nil
	case CompressionZlib:
		return &zlibCompressionFactory{name: name.String()}, nil
	case CompressionZlibOpenSSH:
		return &zlibCompressionFactory{name: name.String(), delayed: true}, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", name)
}

// ctrCipherFactory creates AES-CTR stream ciphers.
type ctrCipherFactory struct {
	name    string
	keySize int
}

func (f *ctrCipherFactory) Name() string   { return f.name }
func (f *ctrCipherFactory) KeySize() int   { return f.keySize }
func (f *ctrCipherFactory) IVSize() int    { return aes.BlockSize }
func (f *ctrCipherFactory) BlockSize() int { return aes.BlockSize }

func (f *ctrCipherFactory) New(key []byte, iv []byte) (CipherStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// gcmCipherFactory creates AES-GCM packet ciphers per RFC 5647. The length
// prefix stays unencrypted and is bound as associated data.
type gcmCipherFactory struct {
	name    string
	keySize int
}

func (f *gcmCipherFactory) Name() string   { return f.name }
func (f *gcmCipherFactory) KeySize() int   { return f.keySize }
func (f *gcmCipherFactory) IVSize() int    { return 12 }
func (f *gcmCipherFactory) BlockSize() int { return aes.BlockSize }

func (f *gcmCipherFactory) New(key []byte, iv []byte) (CipherStream, error) {
	return nil, fmt.Errorf("%s is an AEAD cipher and has no stream form", f.name)
}

func (f *gcmCipherFactory) NewAEAD(key []byte, iv []byte) (AEADCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c := &gcmCipher{aead: aead}
	copy(c.nonce[:], iv)
	return c, nil
}

// gcmCipher carries the per-direction invocation counter in the last eight
// bytes of the nonce, incremented after every packet.
type gcmCipher struct {
	aead  cipher.AEAD
	nonce [12]byte
}

func (c *gcmCipher) Overhead() int {
	return c.aead.Overhead()
}

func (c *gcmCipher) Seal(seqNum uint32, lengthPrefix []byte, plaintext []byte) ([]byte, error) {
	sealed := c.aead.Seal(nil, c.nonce[:], plaintext, lengthPrefix)
	c.advance()
	return sealed, nil
}

func (c *gcmCipher) Open(seqNum uint32, lengthPrefix []byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, c.nonce[:], ciphertext, lengthPrefix)
	if err != nil {
		return nil, err
	}
	c.advance()
	return plaintext, nil
}

func (c *gcmCipher) advance() {
	counter := binary.BigEndian.Uint64(c.nonce[4:])
	binary.BigEndian.PutUint64(c.nonce[4:], counter+1)
}

// hmacFactory creates HMAC packet authenticators.
type hmacFactory struct {
	name    string
	hash    func() hash.Hash
	keySize int
	etm     bool
}

func (f *hmacFactory) Name() string         { return f.name }
func (f *hmacFactory) KeySize() int         { return f.keySize }
func (f *hmacFactory) EncryptThenMAC() bool { return f.etm }

func (f *hmacFactory) New(key []byte) PacketMAC {
	return &hmacPacketMAC{mac: hmac.New(f.hash, key)}
}

type hmacPacketMAC struct {
	mac hash.Hash
}

func (m *hmacPacketMAC) Size() int {
	return m.mac.Size()
}

func (m *hmacPacketMAC) Sum(seqNum uint32, packet []byte) []byte {
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], seqNum)
	m.mac.Reset()
	m.mac.Write(seq[:])
	m.mac.Write(packet)
	return m.mac.Sum(nil)
}

// signatureFactory verifies host key signatures for one signature algorithm
// name.
type signatureFactory struct {
	name string
}

func (f *signatureFactory) Name() string {
	return f.name
}

func (f *signatureFactory) Verify(publicKey []byte, data []byte, sig []byte) error {
	parsed, err := ssh.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("failed to parse host public key (%w)", err)
	}
	if parsed.Type() != underlyingKeyType(f.name) {
		return fmt.Errorf("host key type %s does not match negotiated algorithm %s", parsed.Type(), f.name)
	}
	var signature ssh.Signature
	if err := ssh.Unmarshal(sig, &signature); err != nil {
		return fmt.Errorf("failed to parse host key signature (%w)", err)
	}
	if signature.Format != f.name {
		return fmt.Errorf("signature format %s does not match negotiated algorithm %s", signature.Format, f.name)
	}
	if err := parsed.Verify(data, &signature); err != nil {
		return fmt.Errorf("host key signature verification failed (%w)", err)
	}
	return nil
}
