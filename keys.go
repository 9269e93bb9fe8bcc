package sshtransport

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Key expansion tags per RFC 4253 section 7.2. The client-to-server and
// server-to-client directions use disjoint tags, so the two key schedules
// never overlap.
const (
	keyTagIVClientServer  = 'A'
	keyTagIVServerClient  = 'B'
	keyTagKeyClientServer = 'C'
	keyTagKeyServerClient = 'D'
	keyTagMACClientServer = 'E'
	keyTagMACServerClient = 'F'
)

// directionKeys is the key material derived for a single transport
// direction.
type directionKeys struct {
	iv     []byte
	key    []byte
	macKey []byte
}

// expandKey derives length bytes of key material for the given tag from the
// shared secret (mpint-encoded), the exchange hash and the session
// identifier, extending with HASH(K || H || prior) until long enough.
func expandKey(hash crypto.Hash, k []byte, h []byte, sessionID []byte, tag byte, length int) []byte {
	digest := hash.New()
	digest.Write(k)
	digest.Write(h)
	digest.Write([]byte{tag})
	digest.Write(sessionID)
	material := digest.Sum(nil)

	for len(material) < length {
		digest.Reset()
		digest.Write(k)
		digest.Write(h)
		digest.Write(material)
		material = digest.Sum(material)
	}
	return material[:length]
}

// deriveDirectionKeys produces the IV, encryption key and integrity key for
// one direction. clientToServer selects the tag set.
func deriveDirectionKeys(
	hash crypto.Hash,
	result *KexResult,
	sessionID []byte,
	clientToServer bool,
	ivSize int,
	keySize int,
	macKeySize int,
) directionKeys {
	ivTag, keyTag, macTag := byte(keyTagIVServerClient), byte(keyTagKeyServerClient), byte(keyTagMACServerClient)
	if clientToServer {
		ivTag, keyTag, macTag = keyTagIVClientServer, keyTagKeyClientServer, keyTagMACClientServer
	}
	return directionKeys{
		iv:     expandKey(hash, result.K, result.H, sessionID, ivTag, ivSize),
		key:    expandKey(hash, result.K, result.H, sessionID, keyTag, keySize),
		macKey: expandKey(hash, result.K, result.H, sessionID, macTag, macKeySize),
	}
}

// HostKeyProvider supplies the host key material for signature operations
// during key exchange. The core never persists or logs key material.
type HostKeyProvider interface {
	// Signers returns the available host key signers.
	Signers() []ssh.Signer
}

type hostKeyProvider struct {
	signers []ssh.Signer
}

func (h *hostKeyProvider) Signers() []ssh.Signer {
	return h.signers
}

// NewHostKeyProvider creates a provider over a fixed set of signers.
func NewHostKeyProvider(signers ...ssh.Signer) HostKeyProvider {
	return &hostKeyProvider{signers: signers}
}

// LoadHostKeys parses the HostKeys entries of the configuration. Each entry
// is either a PEM-encoded private key or the name of a file to load one
// from.
func LoadHostKeys(cfg Config) (HostKeyProvider, error) {
	var signers []ssh.Signer
	for _, hostKey := range cfg.HostKeys {
		if !strings.HasPrefix(strings.TrimSpace(hostKey), "-----") {
			fh, err := os.Open(hostKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load host key %s (%w)", hostKey, err)
			}
			hostKeyData, err := ioutil.ReadAll(fh)
			if err != nil {
				_ = fh.Close()
				return nil, fmt.Errorf("failed to load host key %s (%w)", hostKey, err)
			}
			if err = fh.Close(); err != nil {
				return nil, fmt.Errorf("failed to close host key file %s (%w)", hostKey, err)
			}
			hostKey = string(hostKeyData)
		}
		private, err := ssh.ParsePrivateKey([]byte(hostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key (%w)", err)
		}
		signers = append(signers, private)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no host keys supplied")
	}
	return &hostKeyProvider{signers: signers}, nil
}

// GenerateHostKey generates a random host key and adds it to Config.
func (cfg *Config) GenerateHostKey() error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	var hostKeyBuffer bytes.Buffer
	if err := pem.Encode(&hostKeyBuffer, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}); err != nil {
		return err
	}
	cfg.HostKeys = append(cfg.HostKeys, hostKeyBuffer.String())
	return nil
}

// underlyingKeyType maps a negotiated signature algorithm name to the public
// key type that can produce it.
func underlyingKeyType(algo string) string {
	switch KeyAlgo(algo) {
	case KeyAlgoRSASHA2256, KeyAlgoRSASHA2512:
		return "ssh-rsa"
	default:
		return algo
	}
}

// signerForAlgorithm picks the host key signer matching the negotiated
// signature algorithm.
func signerForAlgorithm(provider HostKeyProvider, algo string) (ssh.AlgorithmSigner, error) {
	keyType := underlyingKeyType(algo)
	for _, signer := range provider.Signers() {
		if signer.PublicKey().Type() != keyType {
			continue
		}
		algorithmSigner, ok := signer.(ssh.AlgorithmSigner)
		if !ok {
			return nil, fmt.Errorf("host key of type %s cannot sign with %s", keyType, algo)
		}
		return algorithmSigner, nil
	}
	return nil, fmt.Errorf("no host key available for algorithm %s", algo)
}

// hostKeyAlgorithms lists the signature algorithms the providers keys can
// serve, filtered and ordered by the configured preference list.
func hostKeyAlgorithms(provider HostKeyProvider, preference KeyAlgoList) []string {
	available := map[string]bool{}
	for _, signer := range provider.Signers() {
		available[signer.PublicKey().Type()] = true
	}
	var algos []string
	for _, algo := range preference {
		if available[underlyingKeyType(algo.String())] {
			algos = append(algos, algo.String())
		}
	}
	return algos
}
