package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServiceName = "test-service"

type testServiceFactory struct{}

func (f *testServiceFactory) Name() string {
	return testServiceName
}

func (f *testServiceFactory) New(_ *Session) (Service, error) {
	return &testService{}, nil
}

type testService struct{}

func (s *testService) HandleMessage(_ byte, _ []byte) error {
	return nil
}

func (s *testService) Close() error {
	return nil
}

// echoChannelHandler echoes all inbound channel data back to the peer and
// accepts "ping" channel requests.
type echoChannelHandler struct{}

func (h *echoChannelHandler) OnOpen(channel *Channel, _ []byte) error {
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := channel.Read(buf)
			if n > 0 {
				if _, writeErr := channel.Write(buf[:n]); writeErr != nil {
					return
				}
			}
			if err != nil {
				_ = channel.CloseWrite()
				return
			}
		}
	}()
	return nil
}

func (h *echoChannelHandler) OnRequest(_ *Channel, requestType string, _ []byte) error {
	if requestType == "ping" {
		return nil
	}
	return errors.New("unsupported request")
}

func (h *echoChannelHandler) OnClose(_ *Channel) {
}

type clientChannelHandler struct{}

func (h *clientChannelHandler) OnOpen(_ *Channel, _ []byte) error {
	return errors.New("inbound channels not supported")
}

func (h *clientChannelHandler) OnRequest(_ *Channel, _ string, _ []byte) error {
	return errors.New("unsupported request")
}

func (h *clientChannelHandler) OnClose(_ *Channel) {
}

type recordingGlobalRequestHandler struct {
	name     string
	payloads [][]byte
}

func (h *recordingGlobalRequestHandler) Name() string {
	return h.name
}

func (h *recordingGlobalRequestHandler) HandleRequest(_ *Session, payload []byte) ([]byte, error) {
	h.payloads = append(h.payloads, payload)
	return []byte("ack:" + string(payload)), nil
}

func testConnPair(t *testing.T) (net.Conn, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()
	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	serverConn := <-accepted
	require.NotNil(t, serverConn)
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})
	return clientConn, serverConn
}

// startSessionPair wires a client and a server session over a loopback
// connection, registers the test service on both and runs both event loops.
func startSessionPair(t *testing.T, cfg Config) (*Session, *Session) {
	require.NoError(t, cfg.GenerateHostKey())
	require.NoError(t, cfg.Validate())
	logger := getLogger(t)

	hostKeys, err := LoadHostKeys(cfg)
	require.NoError(t, err)
	serverRegistry, err := NewDefaultRegistry(cfg)
	require.NoError(t, err)
	clientRegistry, err := NewDefaultRegistry(cfg)
	require.NoError(t, err)

	clientConn, serverConn := testConnPair(t)
	server := newSession(cfg, serverConn, RoleServer, serverRegistry, hostKeys, logger, clock.New())
	client := newSession(cfg, clientConn, RoleClient, clientRegistry, nil, logger, clock.New())

	server.RegisterService(&testServiceFactory{})
	server.RegisterChannelType("echo", &echoChannelHandler{})
	client.RegisterService(&testServiceFactory{})

	go func() {
		_ = server.Run()
	}()
	go func() {
		_ = client.Run()
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func echoRoundtrip(t *testing.T, client *Session, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "echo", nil, &clientChannelHandler{})
	require.NoError(t, err)

	// Write concurrently: with finite windows the echo peer suspends once
	// our inbound window fills, so the reader must drain in parallel.
	writeResult := make(chan error, 1)
	go func() {
		_, err := channel.Write(payload)
		writeResult <- err
	}()
	received := make([]byte, 0, len(payload))
	buf := make([]byte, 1024)
	for len(received) < len(payload) {
		n, err := channel.Read(buf)
		require.NoError(t, err)
		received = append(received, buf[:n]...)
	}
	assert.Equal(t, payload, received)
	require.NoError(t, <-writeResult)
	require.NoError(t, channel.Close())
}

func TestSessionEndToEnd(t *testing.T) {
	client, server := startSessionPair(t, DefaultConfig())

	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))
	require.NotNil(t, client.SessionID())
	assert.Equal(t, client.SessionID(), server.SessionID())

	echoRoundtrip(t, client, bytes.Repeat([]byte("end to end "), 1000))
}

func TestSessionChannelRequests(t *testing.T) {
	client, _ := startSessionPair(t, DefaultConfig())
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "echo", nil, &clientChannelHandler{})
	require.NoError(t, err)

	success, err := channel.SendRequest(ctx, "ping", true, nil)
	require.NoError(t, err)
	assert.True(t, success)

	success, err = channel.SendRequest(ctx, "unknown", true, nil)
	require.NoError(t, err)
	assert.False(t, success)

	require.NoError(t, channel.Close())
}

func TestSessionRejectsUnknownChannelType(t *testing.T) {
	client, _ := startSessionPair(t, DefaultConfig())
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.OpenChannel(ctx, "no-such-type", nil, &clientChannelHandler{})
	require.Error(t, err)
	var channelError *ChannelError
	require.True(t, errors.As(err, &channelError))
	assert.Equal(t, OpenUnknownChannelType, channelError.Reason)
}

func TestSessionGlobalRequests(t *testing.T) {
	client, server := startSessionPair(t, DefaultConfig())
	handler := &recordingGlobalRequestHandler{name: "test-info"}
	server.RegisterGlobalRequestHandler(handler)

	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	success, payload, err := client.Request("test-info", true, []byte("question"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, success)
	assert.Equal(t, []byte("ack:question"), payload)

	success, _, err = client.Request("unclaimed-type", true, nil, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, success)

	// Without a reply requested the call returns immediately.
	success, _, err = client.Request("unclaimed-type", false, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, success)
}

func TestSessionServiceNotAvailable(t *testing.T) {
	client, _ := startSessionPair(t, DefaultConfig())
	err := client.RequestService("no-such-service", 10*time.Second)
	require.Error(t, err)
}

func TestSessionRekeyKeepsSessionID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RekeyBytes = 16 * 1024
	client, server := startSessionPair(t, cfg)
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	sessionID := client.SessionID()
	require.NotNil(t, sessionID)

	// Push enough traffic through to cross the rekey threshold several
	// times.
	for i := 0; i < 5; i++ {
		echoRoundtrip(t, client, bytes.Repeat([]byte{byte(i)}, 8*1024))
	}
	assert.Equal(t, sessionID, client.SessionID())
	assert.Equal(t, sessionID, server.SessionID())
}

func TestSessionAlgorithmMatrix(t *testing.T) {
	for _, suite := range []struct {
		name    string
		kex     KexList
		ciphers CipherList
		macs    MACList
	}{
		{
			"curve25519-gcm",
			KexList{KexCurve25519SHA256},
			CipherList{CipherAES256GCM},
			MACList{MACHMACSHA2256},
		},
		{
			"group14-ctr-etm",
			KexList{KexDHGroup14SHA256},
			CipherList{CipherAES256CTR},
			MACList{MACHMACSHA2256ETM},
		},
		{
			"libssh-ctr-classic",
			KexList{KexCurve25519SHA256LibSSH},
			CipherList{CipherAES128CTR},
			MACList{MACHMACSHA1},
		},
	} {
		t.Run(suite.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.KexAlgorithms = suite.kex
			cfg.Ciphers = suite.ciphers
			cfg.MACs = suite.macs
			client, _ := startSessionPair(t, cfg)
			require.NoError(t, client.RequestService(testServiceName, 10*time.Second))
			echoRoundtrip(t, client, []byte("algorithm suite roundtrip"))
		})
	}
}

func TestSessionCompressedTraffic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compressions = CompressionList{CompressionZlib}
	client, _ := startSessionPair(t, cfg)
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))
	echoRoundtrip(t, client, bytes.Repeat([]byte("compressible payload "), 500))
}

func TestSessionDelayedCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compressions = CompressionList{CompressionZlibOpenSSH}
	client, server := startSessionPair(t, cfg)
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	// Both sides activate their delayed compressors before any further
	// traffic, mirroring the authentication success boundary.
	server.MarkAuthenticated()
	client.MarkAuthenticated()
	assert.True(t, server.isAuthenticated())
	echoRoundtrip(t, client, bytes.Repeat([]byte("delayed zlib "), 500))
}

func TestSessionPeerDisconnect(t *testing.T) {
	client, server := startSessionPair(t, DefaultConfig())
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	require.NoError(t, client.Close())
	select {
	case <-server.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("server session did not end after client disconnect")
	}
}

func TestSessionWindowSuspension(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 32768
	client, _ := startSessionPair(t, cfg)
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	// Larger than the window: the sender must suspend and resume as the
	// reader replenishes credit.
	echoRoundtrip(t, client, bytes.Repeat([]byte("w"), 200*1024))
}

func TestChannelCloseCancelsSuspendedWrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 4096
	client, server := startSessionPair(t, cfg)
	server.RegisterChannelType("sink", &sinkChannelHandler{})
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "sink", nil, &clientChannelHandler{})
	require.NoError(t, err)

	writeResult := make(chan error, 1)
	go func() {
		// Never read by the peer, so the window runs out and the write
		// suspends.
		_, err := channel.WriteContext(context.Background(), bytes.Repeat([]byte{0}, 1024*1024))
		writeResult <- err
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, channel.Close())
	select {
	case err := <-writeResult:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrChannelClosed))
	case <-time.After(10 * time.Second):
		t.Fatal("suspended write did not fail after channel close")
	}
}

// sinkChannelHandler accepts channels and never reads from them.
type sinkChannelHandler struct{}

func (h *sinkChannelHandler) OnOpen(_ *Channel, _ []byte) error {
	return nil
}

func (h *sinkChannelHandler) OnRequest(_ *Channel, _ string, _ []byte) error {
	return errors.New("unsupported request")
}

func (h *sinkChannelHandler) OnClose(_ *Channel) {
}

func TestChannelStderrStream(t *testing.T) {
	client, server := startSessionPair(t, DefaultConfig())
	server.RegisterChannelType("stderr-test", &stderrChannelHandler{})
	require.NoError(t, client.RequestService(testServiceName, 10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "stderr-test", nil, &clientChannelHandler{})
	require.NoError(t, err)

	data, err := io.ReadAll(channel.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "error output", string(data))
}

// stderrChannelHandler writes a fixed extended-data payload and closes its
// write side.
type stderrChannelHandler struct{}

func (h *stderrChannelHandler) OnOpen(channel *Channel, _ []byte) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = channel.WriteExtended(ctx, extendedDataStderr, []byte("error output"))
		_ = channel.CloseWrite()
	}()
	return nil
}

func (h *stderrChannelHandler) OnRequest(_ *Channel, _ string, _ []byte) error {
	return errors.New("unsupported request")
}

func (h *stderrChannelHandler) OnClose(_ *Channel) {
}
