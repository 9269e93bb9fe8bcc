package sshtransport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discardConn swallows outbound packets so channel bookkeeping can be
// exercised without a peer.
type discardConn struct{}

func (discardConn) Read(_ []byte) (int, error) {
	return 0, io.EOF
}

func (discardConn) Write(p []byte) (int, error) {
	return len(p), nil
}

func (discardConn) Close() error {
	return nil
}

func newTestMultiplexer(t *testing.T, cfg Config) *ChannelMultiplexer {
	registry, err := NewDefaultRegistry(cfg)
	require.NoError(t, err)
	session := newSession(cfg, discardConn{}, RoleServer, registry, nil, getLogger(t), clock.New())
	session.openWriteGate()
	return session.mux
}

func newOpenTestChannel(t *testing.T, mux *ChannelMultiplexer, windowSize uint32) *Channel {
	channel := mux.newChannel("data", &clientChannelHandler{})
	channel.remoteID = 1
	channel.remoteWindow = newWindow(windowSize)
	channel.maxRemotePacket = 1024
	require.NoError(t, mux.allocate(channel))
	channel.mu.Lock()
	channel.state = channelOpen
	channel.mu.Unlock()
	return channel
}

func TestChannelWindowReplenishment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 4096
	mux := newTestMultiplexer(t, cfg)
	channel := newOpenTestChannel(t, mux, cfg.WindowSize)

	// A peer staying strictly within the granted credit must be able to
	// send many times the initial window as long as the consumer keeps up.
	payload := bytes.Repeat([]byte{0x42}, 1024)
	buf := make([]byte, len(payload))
	for i := 0; i < 32; i++ {
		require.NoError(t, channel.handleData(false, 0, payload))
		n, err := channel.Read(buf)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
	}

	channel.adjustMu.Lock()
	replenished := channel.localWindow + channel.pendingAdjust
	channel.adjustMu.Unlock()
	assert.Equal(t, cfg.WindowSize, replenished)
}

func TestChannelWindowOverrunIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 4096
	mux := newTestMultiplexer(t, cfg)
	channel := newOpenTestChannel(t, mux, cfg.WindowSize)

	// Without any consumption the peer exhausts the window and the next
	// byte is a genuine overrun.
	payload := bytes.Repeat([]byte{0x42}, 1024)
	for i := 0; i < 4; i++ {
		require.NoError(t, channel.handleData(false, 0, payload))
	}
	err := channel.handleData(false, 0, payload)
	require.Error(t, err)
	var protoError *ProtocolError
	assert.True(t, errors.As(err, &protoError))
}

func TestChannelAbortBeforeOpenConfirmation(t *testing.T) {
	cfg := DefaultConfig()
	mux := newTestMultiplexer(t, cfg)

	// An outbound channel awaiting confirmation has no remote window yet;
	// aborting it must still release the id cleanly.
	channel := mux.newChannel("data", &clientChannelHandler{})
	require.NoError(t, mux.allocate(channel))
	assert.NotPanics(t, channel.abort)

	select {
	case <-channel.Done():
	default:
		t.Fatal("aborted channel was not released")
	}
	assert.Nil(t, mux.lookup(channel.localID))
}
