package sshtransport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferConn struct {
	*bytes.Buffer
}

func (b bufferConn) Close() error {
	return nil
}

func newCodecPair(t *testing.T) (*transportCodec, *transportCodec, *bytes.Buffer) {
	wire := &bytes.Buffer{}
	sender := newTransportCodec(bufferConn{wire}, rand.Reader)
	receiver := newTransportCodec(bufferConn{wire}, rand.Reader)
	t.Cleanup(func() {
		_ = sender.Close()
		_ = receiver.Close()
	})
	return sender, receiver, wire
}

// newTestStates builds a matching pair of send and receive states for the
// named cipher and MAC with fresh random key material.
func newTestStates(t *testing.T, cipherName string, macName string) (*directionState, *directionState) {
	registry, err := NewDefaultRegistry(DefaultConfig())
	require.NoError(t, err)
	cipherFactory := registry.cipherFactory(cipherName)
	require.NotNil(t, cipherFactory)
	macFactory := registry.macFactory(macName)
	require.NotNil(t, macFactory)

	key := make([]byte, cipherFactory.KeySize())
	iv := make([]byte, cipherFactory.IVSize())
	macKey := make([]byte, macFactory.KeySize())
	_, err = io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	_, err = io.ReadFull(rand.Reader, iv)
	require.NoError(t, err)
	_, err = io.ReadFull(rand.Reader, macKey)
	require.NoError(t, err)

	build := func() *directionState {
		state := &directionState{blockSize: cipherFactory.BlockSize()}
		if state.blockSize < minBlockSize {
			state.blockSize = minBlockSize
		}
		if aeadFactory, ok := cipherFactory.(AEADCipherFactory); ok {
			aead, err := aeadFactory.NewAEAD(key, iv)
			require.NoError(t, err)
			state.aead = aead
			return state
		}
		stream, err := cipherFactory.New(key, iv)
		require.NoError(t, err)
		state.stream = stream
		state.mac = macFactory.New(macKey)
		state.etm = macFactory.EncryptThenMAC()
		return state
	}
	return build(), build()
}

func roundtripPackets(t *testing.T, sender *transportCodec, receiver *transportCodec) {
	payloads := [][]byte{
		{msgIgnore},
		append([]byte{msgDebug}, bytes.Repeat([]byte("data"), 100)...),
		{msgIgnore, 0, 0, 0, 1},
	}
	for _, payload := range payloads {
		require.NoError(t, sender.writePacket(payload))
	}
	for _, payload := range payloads {
		read, err := receiver.readPacket()
		require.NoError(t, err)
		assert.Equal(t, payload, read)
	}
	assert.Equal(t, uint32(len(payloads)), sender.write.seqNum)
	assert.Equal(t, uint32(len(payloads)), receiver.read.seqNum)
}

func TestCodecPlaintextRoundtrip(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	roundtripPackets(t, sender, receiver)
}

func TestCodecClassicModeRoundtrip(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	writeState, readState := newTestStates(t, "aes256-ctr", "hmac-sha2-256")
	sender.write = *writeState
	receiver.read = *readState
	roundtripPackets(t, sender, receiver)
}

func TestCodecEncryptThenMACRoundtrip(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	writeState, readState := newTestStates(t, "aes128-ctr", "hmac-sha2-256-etm@openssh.com")
	sender.write = *writeState
	receiver.read = *readState
	roundtripPackets(t, sender, receiver)
}

func TestCodecAEADRoundtrip(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	writeState, readState := newTestStates(t, "aes256-gcm@openssh.com", "hmac-sha2-256")
	sender.write = *writeState
	receiver.read = *readState
	roundtripPackets(t, sender, receiver)
}

func TestCodecRejectsTamperedPacket(t *testing.T) {
	for _, mode := range []struct {
		name   string
		cipher string
		mac    string
	}{
		{"classic", "aes256-ctr", "hmac-sha2-256"},
		{"etm", "aes256-ctr", "hmac-sha2-256-etm@openssh.com"},
		{"aead", "aes128-gcm@openssh.com", "hmac-sha2-256"},
	} {
		t.Run(mode.name, func(t *testing.T) {
			sender, receiver, wire := newCodecPair(t)
			writeState, readState := newTestStates(t, mode.cipher, mode.mac)
			sender.write = *writeState
			receiver.read = *readState

			require.NoError(t, sender.writePacket([]byte{msgIgnore, 'x'}))
			raw := wire.Bytes()
			// Corrupt a byte past the length prefix.
			raw[len(raw)-1] ^= 0x01

			_, err := receiver.readPacket()
			require.Error(t, err)
			var integrityError *IntegrityError
			require.True(t, errors.As(err, &integrityError))
			assert.Equal(t, DisconnectMACError, disconnectReason(err))
		})
	}
}

func TestCodecNewKeysSwapsStateAtomically(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	require.NoError(t, sender.writePacket([]byte{msgIgnore, 'a'}))

	senderWrite, receiverRead := newTestStates(t, "aes256-ctr", "hmac-sha2-256")
	sender.stageKeys(senderWrite, nil)
	receiver.stageKeys(nil, receiverRead)

	require.NoError(t, sender.writeNewKeys())
	require.NoError(t, sender.writePacket([]byte{msgIgnore, 'b'}))

	packet, err := receiver.readPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{msgIgnore, 'a'}, packet)

	packet, err = receiver.readPacket()
	require.NoError(t, err)
	require.Equal(t, []byte{msgNewKeys}, packet)
	require.NoError(t, receiver.readNewKeys())

	packet, err = receiver.readPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{msgIgnore, 'b'}, packet)
	// The sequence numbers carried across the swap.
	assert.Equal(t, uint32(3), sender.write.seqNum)
	assert.Equal(t, uint32(3), receiver.read.seqNum)
}

func TestCodecUnexpectedNewKeys(t *testing.T) {
	_, receiver, _ := newCodecPair(t)
	err := receiver.readNewKeys()
	require.Error(t, err)
	var protoError *ProtocolError
	assert.True(t, errors.As(err, &protoError))
}

func TestPacketPadding(t *testing.T) {
	for _, c := range []struct {
		payload       int
		blockSize     int
		lengthCovered bool
	}{
		{1, 8, true},
		{1, 8, false},
		{12, 16, true},
		{32768, 16, false},
		{100, 16, true},
	} {
		padding := packetPadding(c.payload, c.blockSize, c.lengthCovered)
		assert.GreaterOrEqual(t, padding, minPaddingSize)
		assert.LessOrEqual(t, padding, maxPaddingSize)
		covered := 1 + c.payload + padding
		if c.lengthCovered {
			covered += packetLengthSize
		}
		assert.Equal(t, 0, covered%c.blockSize)
	}
}

func TestCodecTransferredCounting(t *testing.T) {
	sender, receiver, _ := newCodecPair(t)
	require.NoError(t, sender.writePacket(bytes.Repeat([]byte{msgIgnore}, 100)))
	assert.Greater(t, sender.transferred(), uint64(100))
	_, err := receiver.readPacket()
	require.NoError(t, err)
	assert.Greater(t, receiver.transferred(), uint64(100))
	sender.resetTransferred()
	assert.Equal(t, uint64(0), sender.transferred())
}
