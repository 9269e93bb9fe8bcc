package sshtransport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePicksClientPreference(t *testing.T) {
	resolved, err := Resolve(
		CategoryCipher,
		[]string{"aes256-gcm@openssh.com", "aes128-ctr"},
		[]string{"aes128-ctr", "aes256-gcm@openssh.com"},
	)
	require.NoError(t, err)
	assert.Equal(t, "aes256-gcm@openssh.com", resolved)
}

func TestResolveSkipsUnsupportedClientEntries(t *testing.T) {
	resolved, err := Resolve(
		CategoryCipher,
		[]string{"aes256-ctr", "aes128-ctr"},
		[]string{"aes128-ctr", "chacha20-poly1305@openssh.com"},
	)
	require.NoError(t, err)
	assert.Equal(t, "aes128-ctr", resolved)
}

func TestResolveEmptyIntersection(t *testing.T) {
	_, err := Resolve(
		CategoryMAC,
		[]string{"hmac-sha2-512"},
		[]string{"hmac-sha2-256"},
	)
	require.Error(t, err)
	var negotiationError *NegotiationError
	require.True(t, errors.As(err, &negotiationError))
	assert.Equal(t, CategoryMAC, negotiationError.Category)
	assert.Equal(t, []string{"hmac-sha2-512"}, negotiationError.Local)
	assert.Equal(t, []string{"hmac-sha2-256"}, negotiationError.Remote)
	assert.True(t, isFatal(err))
	assert.Equal(t, DisconnectKeyExchangeFailed, disconnectReason(err))
}

func TestRegistryNamesPreserveOrder(t *testing.T) {
	cfg := DefaultConfig()
	registry, err := NewDefaultRegistry(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.Ciphers.StringList(), registry.Names(CategoryCipher))
	assert.Equal(t, cfg.KexAlgorithms.StringList(), registry.Names(CategoryKex))
	assert.Equal(t, cfg.MACs.StringList(), registry.Names(CategoryMAC))
	assert.Equal(t, cfg.Compressions.StringList(), registry.Names(CategoryCompression))
	assert.Equal(t, cfg.HostKeyAlgorithms.StringList(), registry.Names(CategoryHostKey))
}

func TestRegistryLookupByNegotiatedName(t *testing.T) {
	registry, err := NewDefaultRegistry(DefaultConfig())
	require.NoError(t, err)

	require.NotNil(t, registry.cipherFactory("aes256-ctr"))
	require.NotNil(t, registry.kexFactory("curve25519-sha256"))
	require.NotNil(t, registry.macFactory("hmac-sha2-256"))
	require.NotNil(t, registry.compressionFactory("zlib@openssh.com"))
	require.NotNil(t, registry.signatureFactory("ssh-ed25519"))
	assert.Nil(t, registry.cipherFactory("3des-cbc"))
}

func TestAEADCipherFactoryDetection(t *testing.T) {
	registry, err := NewDefaultRegistry(DefaultConfig())
	require.NoError(t, err)

	_, isAEAD := registry.cipherFactory("aes256-gcm@openssh.com").(AEADCipherFactory)
	assert.True(t, isAEAD)
	_, isAEAD = registry.cipherFactory("aes256-ctr").(AEADCipherFactory)
	assert.False(t, isAEAD)
}
