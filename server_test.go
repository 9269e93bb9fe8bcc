package sshtransport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/containerssh/log"
	"github.com/containerssh/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containerssh/sshtransport"
)

//region Tests

func TestServerReadyRejection(t *testing.T) {
	config := sshtransport.DefaultConfig()
	require.NoError(t, config.GenerateHostKey())
	handler := &rejectHandler{}

	server, err := sshtransport.New(config, handler, newTestLogger(t))
	require.NoError(t, err)
	lifecycle := service.NewLifecycle(server)
	err = lifecycle.Run()
	if err == nil {
		assert.Fail(t, "lifecycle.Run() did not result in an error")
	} else {
		assert.Equal(t, "rejected", err.Error())
	}
	lifecycle.Stop(context.Background())
}

func TestServerEndToEnd(t *testing.T) {
	config := sshtransport.DefaultConfig()
	config.Listen = "127.0.0.1:2223"
	require.NoError(t, config.GenerateHostKey())
	handler := &echoServerHandler{}

	server, err := sshtransport.New(config, handler, newTestLogger(t))
	require.NoError(t, err)
	lifecycle := service.NewLifecycle(server)
	started := make(chan struct{})
	lifecycle.OnRunning(
		func(s service.Service, l service.Lifecycle) {
			started <- struct{}{}
		})
	serverResult := make(chan error, 1)
	go func() {
		serverResult <- lifecycle.Run()
	}()
	select {
	case err := <-serverResult:
		t.Fatalf("server failed to start (%v)", err)
	case <-started:
	}
	defer func() {
		shutdownContext, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFunc()
		lifecycle.Stop(shutdownContext)
	}()

	conn, err := net.Dial("tcp", config.Listen)
	require.NoError(t, err)
	clientConfig := sshtransport.DefaultConfig()
	client, err := sshtransport.NewSession(clientConfig, conn, sshtransport.RoleClient, newTestLogger(t))
	require.NoError(t, err)
	client.RegisterService(&clientServiceFactory{})
	go func() {
		_ = client.Run()
	}()
	defer func() {
		_ = client.Close()
	}()

	require.NoError(t, client.RequestService("echo-service", 10*time.Second))
	require.NotNil(t, client.SessionID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "echo", nil, &discardChannelHandler{})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("lifecycle roundtrip "), 100)
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

//endregion

//region Handlers

type rejectHandler struct {
	sshtransport.AbstractHandler
}

func (r *rejectHandler) OnReady() error {
	return fmt.Errorf("rejected")
}

type echoServerHandler struct {
	sshtransport.AbstractHandler
}

func (h *echoServerHandler) OnSession(_ net.TCPAddr, _ string, session *sshtransport.Session) error {
	session.RegisterService(&echoServiceFactory{})
	session.RegisterChannelType("echo", &echoHandler{})
	return nil
}

type echoServiceFactory struct{}

func (f *echoServiceFactory) Name() string {
	return "echo-service"
}

func (f *echoServiceFactory) New(session *sshtransport.Session) (sshtransport.Service, error) {
	session.MarkAuthenticated()
	return &nopService{}, nil
}

type clientServiceFactory struct{}

func (f *clientServiceFactory) Name() string {
	return "echo-service"
}

func (f *clientServiceFactory) New(_ *sshtransport.Session) (sshtransport.Service, error) {
	return &nopService{}, nil
}

type nopService struct{}

func (s *nopService) HandleMessage(_ byte, _ []byte) error {
	return nil
}

func (s *nopService) Close() error {
	return nil
}

type echoHandler struct{}

func (h *echoHandler) OnOpen(channel *sshtransport.Channel, _ []byte) error {
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

func (h *echoHandler) OnRequest(_ *sshtransport.Channel, _ string, _ []byte) error {
	return errors.New("unsupported request")
}

func (h *echoHandler) OnClose(_ *sshtransport.Channel) {
}

type discardChannelHandler struct{}

func (h *discardChannelHandler) OnOpen(_ *sshtransport.Channel, _ []byte) error {
	return errors.New("inbound channels not supported")
}

func (h *discardChannelHandler) OnRequest(_ *sshtransport.Channel, _ string, _ []byte) error {
	return errors.New("unsupported request")
}

func (h *discardChannelHandler) OnClose(_ *sshtransport.Channel) {
}

//endregion

//region Helpers

func newTestLogger(t *testing.T) log.Logger {
	logger, err := log.New(
		log.Config{
			Level:  log.LevelDebug,
			Format: log.FormatText,
		},
		t.Name(),
		&testLogWriter{t: t},
	)
	require.NoError(t, err)
	return logger
}

type testLogWriter struct {
	t *testing.T
}

func (l *testLogWriter) Write(p []byte) (n int, err error) {
	l.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

//endregion
