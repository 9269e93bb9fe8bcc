package sshtransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(2097152), cfg.WindowSize)
	assert.Equal(t, uint32(32768), cfg.MaxPacketSize)
	assert.Equal(t, uint64(1073741824), cfg.RekeyBytes)
	assert.Equal(t, time.Hour, cfg.RekeyInterval)
	assert.Equal(t, 2*time.Minute, cfg.AuthTimeout)
}

func TestConfigRejectsUnknownCipher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ciphers = CipherList{"rot13"}
	assert.Error(t, cfg.Validate())
}

func TestConfigRejectsEmptyKexList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KexAlgorithms = KexList{}
	assert.Error(t, cfg.Validate())
}

func TestConfigRejectsInvalidVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = "not a version"
	assert.Error(t, cfg.Validate())
}

func TestConfigRejectsBadSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxPacketSize = 100
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxPacketSize = 1024 * 1024
	assert.Error(t, cfg.Validate())
}
