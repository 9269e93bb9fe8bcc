package sshtransport

import (
	"fmt"
	"time"

	"github.com/containerssh/structutils"
)

// Config is the base configuration structure of the transport engine. Values
// are resolved once at session creation; changing the backing configuration
// after a session started has no effect on that session.
type Config struct {
	// Listen is the listen address for the transport server.
	Listen string `json:"listen" yaml:"listen" default:"0.0.0.0:2222"`
	// Version is the identification string sent to the peer.
	//         Must be in the format of "SSH-protoversion-softwareversion SPACE comments".
	//         See https://tools.ietf.org/html/rfc4253#page-4 section 4.2. Protocol Version Exchange
	//         The trailing CR and LF characters should NOT be added to this string.
	Version Version `json:"version" yaml:"version" default:"SSH-2.0-ContainerSSH"`
	// Ciphers are the ciphers offered to the peer.
	Ciphers CipherList `json:"ciphers" yaml:"ciphers" default:"[\"aes256-gcm@openssh.com\",\"aes128-gcm@openssh.com\",\"aes256-ctr\",\"aes192-ctr\",\"aes128-ctr\"]" comment:"Cipher suites to use"`
	// KexAlgorithms are the key exchange algorithms offered to the peer.
	KexAlgorithms KexList `json:"kex" yaml:"kex" default:"[\"curve25519-sha256\",\"curve25519-sha256@libssh.org\",\"diffie-hellman-group14-sha256\"]" comment:"Key exchange algorithms to use"`
	// MACs are the MAC algorithms offered to the peer.
	MACs MACList `json:"macs" yaml:"macs" default:"[\"hmac-sha2-256-etm@openssh.com\",\"hmac-sha2-256\"]" comment:"MAC algorithms to use"`
	// Compressions are the compression algorithms offered to the peer.
	Compressions CompressionList `json:"compressions" yaml:"compressions" default:"[\"none\",\"zlib@openssh.com\"]" comment:"Compression algorithms to use"`
	// HostKeyAlgorithms are the host key and signature algorithms offered to the peer.
	HostKeyAlgorithms KeyAlgoList `json:"hostkeyAlgos" yaml:"hostkeyAlgos" default:"[\"ssh-ed25519\",\"rsa-sha2-512\",\"rsa-sha2-256\"]" comment:"Host key algorithms to use"`
	// HostKeys are the host keys either in PEM format, or filenames to load.
	HostKeys []string `json:"hostkeys" yaml:"hostkeys" comment:"Host keys in PEM format or files to load PEM host keys from."`

	// WindowSize is the initial flow control window advertised per channel.
	WindowSize uint32 `json:"windowSize" yaml:"windowSize" default:"2097152"`
	// MaxPacketSize is the maximum packet size advertised per channel.
	MaxPacketSize uint32 `json:"maxPacketSize" yaml:"maxPacketSize" default:"32768"`

	// WindowTimeout is the maximum time a channel send waits for window
	// credit before failing. Zero means wait forever.
	WindowTimeout time.Duration `json:"windowTimeout" yaml:"windowTimeout"`
	// AuthTimeout is the maximum time a session may stay unauthenticated.
	AuthTimeout time.Duration `json:"authTimeout" yaml:"authTimeout"`
	// IdleTimeout closes the session when no packet arrives for this long.
	// Zero disables the idle timeout.
	IdleTimeout time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
	// DisconnectTimeout bounds the best-effort disconnect notification sent
	// to the peer before the socket is forcibly closed.
	DisconnectTimeout time.Duration `json:"disconnectTimeout" yaml:"disconnectTimeout"`
	// ChannelCloseTimeout bounds how long a channel close waits for the
	// peer's close message before the channel is released anyway.
	ChannelCloseTimeout time.Duration `json:"channelCloseTimeout" yaml:"channelCloseTimeout"`

	// RekeyBytes triggers a rekey after this many transported bytes in
	// either direction.
	RekeyBytes uint64 `json:"rekeyBytes" yaml:"rekeyBytes" default:"1073741824"`
	// RekeyInterval triggers a rekey after this much elapsed time since the
	// last completed exchange.
	RekeyInterval time.Duration `json:"rekeyInterval" yaml:"rekeyInterval"`

	// Socket-level options applied to accepted connections.
	SocketBacklog   int  `json:"socketBacklog" yaml:"socketBacklog" default:"128"`
	SocketKeepalive bool `json:"socketKeepalive" yaml:"socketKeepalive" default:"true"`
	SocketReuseAddr bool `json:"socketReuseaddr" yaml:"socketReuseaddr" default:"true"`
	TCPNoDelay      bool `json:"tcpNodelay" yaml:"tcpNodelay" default:"false"`
	// SocketSendBuffer and SocketReceiveBuffer set the kernel socket buffer
	// sizes in bytes. Zero leaves the system defaults.
	SocketSendBuffer    int `json:"socketSndbuf" yaml:"socketSndbuf"`
	SocketReceiveBuffer int `json:"socketRcvbuf" yaml:"socketRcvbuf"`
	// SocketLinger sets SO_LINGER in seconds. Negative leaves the system
	// default.
	SocketLinger int `json:"socketLinger" yaml:"socketLinger" default:"-1"`
}

// DefaultConfig returns the config structure with the default settings. Only
// the HostKeys option will need to be filled for server use.
func DefaultConfig() Config {
	cfg := Config{}
	structutils.Defaults(&cfg)
	cfg.AuthTimeout = 2 * time.Minute
	cfg.DisconnectTimeout = 10 * time.Second
	cfg.ChannelCloseTimeout = 30 * time.Second
	cfg.RekeyInterval = time.Hour
	return cfg
}

// Validate validates the configuration and returns an error if invalid.
func (cfg Config) Validate() error {
	validators := []func() error{
		cfg.Version.Validate,
		cfg.Ciphers.Validate,
		cfg.KexAlgorithms.Validate,
		cfg.MACs.Validate,
		cfg.Compressions.Validate,
		cfg.HostKeyAlgorithms.Validate,
		cfg.validateSizes,
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}
	return nil
}

func (cfg Config) validateSizes() error {
	if cfg.WindowSize == 0 {
		return fmt.Errorf("window size must be positive")
	}
	if cfg.MaxPacketSize < minPacketSize {
		return fmt.Errorf("maximum packet size must be at least %d", minPacketSize)
	}
	if cfg.MaxPacketSize > maxSupportedPacketSize {
		return fmt.Errorf("maximum packet size must not exceed %d", maxSupportedPacketSize)
	}
	return nil
}
