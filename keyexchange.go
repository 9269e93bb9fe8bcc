package sshtransport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// kexState tracks the negotiation state machine. A rekey re-enters
// kexProposalSent from kexActive without tearing down channels.
type kexState int

const (
	kexIdle kexState = iota
	kexProposalSent
	kexProposalExchanged
	kexComputing
	kexKeysDerived
	kexActive
)

// negotiatedAlgorithms is the resolved choice per category after one key
// exchange round. A new instance supersedes the previous one when the rekey
// completes; it is never partially applied.
type negotiatedAlgorithms struct {
	kex     string
	hostKey string

	writeCipher      string
	writeMAC         string
	writeCompression string
	readCipher       string
	readMAC          string
	readCompression  string
}

// handshakeMagics are the version and proposal payloads both sides feed into
// the exchange hash.
type handshakeMagics struct {
	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte
}

func (m *handshakeMagics) write(w io.Writer) {
	writeString(w, m.clientVersion)
	writeString(w, m.serverVersion)
	writeString(w, m.clientKexInit)
	writeString(w, m.serverKexInit)
}

// writeString writes a uint32-length-prefixed string as used in exchange
// hash computation.
func writeString(w io.Writer, s []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	_, _ = w.Write(length[:])
	_, _ = w.Write(s)
}

// keyExchangeCoordinator drives the negotiation handshake, computes the
// shared secret and session identifier, derives direction-specific key
// material and triggers rekeying. It runs on the session event loop; only
// the rekey trigger flags are touched from outside it.
type keyExchangeCoordinator struct {
	session *Session

	state       kexState
	sentKexInit []byte
	current     *negotiatedAlgorithms
	rekeyQueued bool
	lastKex     time.Time
}

func newKeyExchangeCoordinator(session *Session) *keyExchangeCoordinator {
	return &keyExchangeCoordinator{
		session: session,
		state:   kexIdle,
	}
}

// active reports whether the transport has completed at least one exchange
// and no exchange is currently in flight.
func (k *keyExchangeCoordinator) active() bool {
	return k.state == kexActive
}

// buildProposal constructs the local SSH_MSG_KEXINIT from the registry's
// preference order.
func (k *keyExchangeCoordinator) buildProposal() (*kexInitMsg, error) {
	session := k.session
	msg := &kexInitMsg{
		KexAlgos:                session.registry.Names(CategoryKex),
		CiphersClientServer:     session.registry.Names(CategoryCipher),
		CiphersServerClient:     session.registry.Names(CategoryCipher),
		MACsClientServer:        session.registry.Names(CategoryMAC),
		MACsServerClient:        session.registry.Names(CategoryMAC),
		CompressionClientServer: session.registry.Names(CategoryCompression),
		CompressionServerClient: session.registry.Names(CategoryCompression),
	}
	if session.role == RoleServer {
		msg.ServerHostKeyAlgos = hostKeyAlgorithms(session.hostKeys, session.cfg.HostKeyAlgorithms)
		if len(msg.ServerHostKeyAlgos) == 0 {
			return nil, fmt.Errorf("no host key available for any configured host key algorithm")
		}
		msg.KexAlgos = append(msg.KexAlgos, extInfoServer)
	} else {
		msg.ServerHostKeyAlgos = session.registry.Names(CategoryHostKey)
		msg.KexAlgos = append(msg.KexAlgos, extInfoClient)
	}
	if _, err := io.ReadFull(session.registry.random(), msg.Cookie[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key exchange cookie (%w)", err)
	}
	return msg, nil
}

// sendProposal emits the local KEXINIT and moves to ProposalSent. From this
// point the session write gate holds back all non-transport traffic until
// the exchange completes.
func (k *keyExchangeCoordinator) sendProposal() error {
	if k.state != kexIdle && k.state != kexActive {
		return fmt.Errorf("key exchange already in progress")
	}
	proposal, err := k.buildProposal()
	if err != nil {
		return err
	}
	packet := ssh.Marshal(proposal)
	if err := k.session.writeKexInit(packet); err != nil {
		return err
	}
	k.sentKexInit = packet
	k.state = kexProposalSent
	return nil
}

// requestRekey triggers a new exchange. A request arriving while one is in
// flight is queued, not executed concurrently.
func (k *keyExchangeCoordinator) requestRekey() error {
	if k.state != kexActive {
		k.rekeyQueued = true
		return nil
	}
	k.session.logger.Debugf("triggering rekey")
	return k.sendProposal()
}

// checkRekeyThresholds triggers a rekey when the transported byte count or
// the elapsed time since the last exchange crosses the configured limits.
func (k *keyExchangeCoordinator) checkRekeyThresholds() error {
	if k.state != kexActive {
		return nil
	}
	cfg := k.session.cfg
	if cfg.RekeyBytes > 0 && k.session.codec.transferred() >= cfg.RekeyBytes {
		return k.requestRekey()
	}
	if cfg.RekeyInterval > 0 && k.session.clock.Since(k.lastKex) >= cfg.RekeyInterval {
		return k.requestRekey()
	}
	return nil
}

// handlePeerKexInit processes the peer proposal and runs the exchange to
// completion, including the new-keys swap in both directions. It is invoked
// on the event loop; once both proposals are on the wire only key exchange
// messages are legal inbound, so the algorithm reads the transport directly.
func (k *keyExchangeCoordinator) handlePeerKexInit(packet []byte) error {
	var peerProposal kexInitMsg
	if err := ssh.Unmarshal(packet, &peerProposal); err != nil {
		return protocolError("malformed KEXINIT (%v)", err)
	}

	if k.state == kexIdle || k.state == kexActive {
		// Peer-initiated exchange: answer with our own proposal.
		if err := k.sendProposal(); err != nil {
			return err
		}
	}
	k.state = kexProposalExchanged

	algorithms, err := k.resolveAlgorithms(&peerProposal)
	if err != nil {
		k.session.logger.Debugf("algorithm negotiation failed (%v)", err)
		return err
	}

	magics := k.magics(packet)
	guessWrong := peerProposal.FirstKexPacketFollows &&
		(len(peerProposal.KexAlgos) == 0 || peerProposal.KexAlgos[0] != algorithms.kex ||
			len(peerProposal.ServerHostKeyAlgos) == 0 || peerProposal.ServerHostKeyAlgos[0] != algorithms.hostKey)

	k.state = kexComputing
	result, err := k.runExchange(algorithms, magics, guessWrong)
	if err != nil {
		return err
	}
	if k.session.sessionID == nil {
		// The identifier of the first exchange is the session identifier for
		// the lifetime of the connection.
		k.session.sessionID = append([]byte{}, result.H...)
	}

	writeState, readState, err := k.deriveStates(result, algorithms)
	if err != nil {
		return err
	}
	k.state = kexKeysDerived
	k.session.codec.stageKeys(writeState, readState)
	if err := k.session.codec.writeNewKeys(); err != nil {
		return err
	}
	if err := k.awaitPeerNewKeys(); err != nil {
		return err
	}

	k.current = algorithms
	k.state = kexActive
	k.lastKex = k.session.clock.Now()
	k.session.codec.resetTransferred()
	k.sentKexInit = nil
	k.session.openWriteGate()
	k.session.logger.Debugf("key exchange complete (%s)", algorithms.kex)

	if k.rekeyQueued {
		k.rekeyQueued = false
		return k.sendProposal()
	}
	return nil
}

// resolveAlgorithms applies the resolution rule per category. The client's
// preference order decides ties; any empty intersection aborts the exchange.
func (k *keyExchangeCoordinator) resolveAlgorithms(peer *kexInitMsg) (*negotiatedAlgorithms, error) {
	local, err := k.localProposal()
	if err != nil {
		return nil, err
	}
	clientProposal, serverProposal := peer, local
	if k.session.role == RoleClient {
		clientProposal, serverProposal = local, peer
	}

	result := &negotiatedAlgorithms{}
	if result.kex, err = Resolve(CategoryKex, clientProposal.KexAlgos, serverProposal.KexAlgos); err != nil {
		return nil, err
	}
	if result.hostKey, err = Resolve(
		CategoryHostKey,
		clientProposal.ServerHostKeyAlgos,
		serverProposal.ServerHostKeyAlgos,
	); err != nil {
		return nil, err
	}

	clientToServerCipher, err := Resolve(CategoryCipher, clientProposal.CiphersClientServer, serverProposal.CiphersClientServer)
	if err != nil {
		return nil, err
	}
	serverToClientCipher, err := Resolve(CategoryCipher, clientProposal.CiphersServerClient, serverProposal.CiphersServerClient)
	if err != nil {
		return nil, err
	}
	clientToServerMAC, err := Resolve(CategoryMAC, clientProposal.MACsClientServer, serverProposal.MACsClientServer)
	if err != nil {
		return nil, err
	}
	serverToClientMAC, err := Resolve(CategoryMAC, clientProposal.MACsServerClient, serverProposal.MACsServerClient)
	if err != nil {
		return nil, err
	}
	clientToServerCompression, err := Resolve(
		CategoryCompression,
		clientProposal.CompressionClientServer,
		serverProposal.CompressionClientServer,
	)
	if err != nil {
		return nil, err
	}
	serverToClientCompression, err := Resolve(
		CategoryCompression,
		clientProposal.CompressionServerClient,
		serverProposal.CompressionServerClient,
	)
	if err != nil {
		return nil, err
	}

	if k.session.role == RoleClient {
		result.writeCipher, result.readCipher = clientToServerCipher, serverToClientCipher
		result.writeMAC, result.readMAC = clientToServerMAC, serverToClientMAC
		result.writeCompression, result.readCompression = clientToServerCompression, serverToClientCompression
	} else {
		result.writeCipher, result.readCipher = serverToClientCipher, clientToServerCipher
		result.writeMAC, result.readMAC = serverToClientMAC, clientToServerMAC
		result.writeCompression, result.readCompression = serverToClientCompression, clientToServerCompression
	}
	return result, nil
}

func (k *keyExchangeCoordinator) localProposal() (*kexInitMsg, error) {
	if k.sentKexInit == nil {
		return nil, fmt.Errorf("no local proposal on record")
	}
	var local kexInitMsg
	if err := ssh.Unmarshal(k.sentKexInit, &local); err != nil {
		return nil, err
	}
	return &local, nil
}

func (k *keyExchangeCoordinator) magics(peerKexInit []byte) *handshakeMagics {
	session := k.session
	magics := &handshakeMagics{}
	if session.role == RoleClient {
		magics.clientVersion = session.localVersion
		magics.serverVersion = session.remoteVersion
		magics.clientKexInit = k.sentKexInit
		magics.serverKexInit = peerKexInit
	} else {
		magics.clientVersion = session.remoteVersion
		magics.serverVersion = session.localVersion
		magics.clientKexInit = peerKexInit
		magics.serverKexInit = k.sentKexInit
	}
	return magics
}

// runExchange executes the negotiated key exchange algorithm as an opaque
// pluggable step producing the shared secret and exchange hash.
func (k *keyExchangeCoordinator) runExchange(
	algorithms *negotiatedAlgorithms,
	magics *handshakeMagics,
	discardFirst bool,
) (*KexResult, error) {
	session := k.session
	factory := session.registry.kexFactory(algorithms.kex)
	if factory == nil {
		return nil, protocolError("negotiated unknown key exchange algorithm %s", algorithms.kex)
	}
	conn := &kexConn{codec: session.codec, discardFirst: discardFirst}

	var result *KexResult
	var err error
	if session.role == RoleServer {
		var signer ssh.AlgorithmSigner
		signer, err = signerForAlgorithm(session.hostKeys, algorithms.hostKey)
		if err != nil {
			return nil, err
		}
		result, err = factory.New().Server(conn, session.registry.random(), magics, signer, algorithms.hostKey)
	} else {
		signatureFactory := session.registry.signatureFactory(algorithms.hostKey)
		if signatureFactory == nil {
			return nil, protocolError("negotiated unknown signature algorithm %s", algorithms.hostKey)
		}
		result, err = factory.New().Client(conn, session.registry.random(), magics, signatureFactory)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deriveStates expands the shared secret into the two direction states.
// Key material for a direction is never reused after a completed rekey: the
// expansion depends on the fresh exchange hash.
func (k *keyExchangeCoordinator) deriveStates(
	result *KexResult,
	algorithms *negotiatedAlgorithms,
) (writeState *directionState, readState *directionState, err error) {
	clientToServerWrite := k.session.role == RoleClient
	writeState, err = k.deriveState(result, algorithms.writeCipher, algorithms.writeMAC, algorithms.writeCompression, clientToServerWrite)
	if err != nil {
		return nil, nil, err
	}
	readState, err = k.deriveState(result, algorithms.readCipher, algorithms.readMAC, algorithms.readCompression, !clientToServerWrite)
	if err != nil {
		return nil, nil, err
	}
	return writeState, readState, nil
}

func (k *keyExchangeCoordinator) deriveState(
	result *KexResult,
	cipherName string,
	macName string,
	compressionName string,
	clientToServer bool,
) (*directionState, error) {
	registry := k.session.registry
	cipherFactory := registry.cipherFactory(cipherName)
	if cipherFactory == nil {
		return nil, protocolError("negotiated unknown cipher %s", cipherName)
	}
	macFactory := registry.macFactory(macName)
	if macFactory == nil {
		return nil, protocolError("negotiated unknown MAC algorithm %s", macName)
	}
	compressionFactory := registry.compressionFactory(compressionName)
	if compressionFactory == nil {
		return nil, protocolError("negotiated unknown compression algorithm %s", compressionName)
	}

	aeadFactory, isAEAD := cipherFactory.(AEADCipherFactory)
	macKeySize := macFactory.KeySize()
	if isAEAD {
		macKeySize = 0
	}
	keys := deriveDirectionKeys(
		result.Hash,
		result,
		k.session.sessionID,
		clientToServer,
		cipherFactory.IVSize(),
		cipherFactory.KeySize(),
		macKeySize,
	)

	state := &directionState{
		blockSize: cipherFactory.BlockSize(),
	}
	if state.blockSize < minBlockSize {
		state.blockSize = minBlockSize
	}
	if isAEAD {
		aead, err := aeadFactory.NewAEAD(keys.key, keys.iv)
		if err != nil {
			return nil, err
		}
		state.aead = aead
	} else {
		stream, err := cipherFactory.New(keys.key, keys.iv)
		if err != nil {
			return nil, err
		}
		state.stream = stream
		state.mac = macFactory.New(keys.macKey)
		state.etm = macFactory.EncryptThenMAC()
	}
	if compressionFactory.Name() != CompressionNone.String() {
		state.comp = compressionFactory.New()
		state.compActive = !compressionFactory.Delayed() || k.session.isAuthenticated()
	}
	return state, nil
}

// awaitPeerNewKeys reads until the peer's new-keys marker arrives, swapping
// the inbound state exactly at that point. Only transport-class messages may
// appear before it.
func (k *keyExchangeCoordinator) awaitPeerNewKeys() error {
	for {
		packet, err := k.session.codec.readPacket()
		if err != nil {
			return err
		}
		switch packet[0] {
		case msgNewKeys:
			return k.session.codec.readNewKeys()
		case msgIgnore, msgDebug:
			continue
		case msgDisconnect:
			return k.session.handleDisconnect(packet)
		default:
			return protocolError("unexpected message %d before NEWKEYS", packet[0])
		}
	}
}

// kexConn is the packet surface handed to the running key exchange
// algorithm. Reads are restricted to algorithm-specific messages; anything
// else at this point in the protocol is fatal.
type kexConn struct {
	codec        *transportCodec
	discardFirst bool
}

func (c *kexConn) writePacket(payload []byte) error {
	return c.codec.writePacket(payload)
}

func (c *kexConn) readPacket() ([]byte, error) {
	for {
		packet, err := c.codec.readPacket()
		if err != nil {
			return nil, err
		}
		switch {
		case packet[0] >= msgKexAlgoFirst && packet[0] <= msgKexAlgoLast:
			if c.discardFirst {
				// The peer guessed the wrong algorithm with
				// first-kex-packet-follows; its first packet is ignored.
				c.discardFirst = false
				continue
			}
			return packet, nil
		case packet[0] == msgIgnore || packet[0] == msgDebug:
			continue
		default:
			return nil, protocolError("unexpected message %d during key exchange", packet[0])
		}
	}
}

// marshalMpint encodes a big-endian unsigned integer as an SSH mpint.
func marshalMpint(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	var buf bytes.Buffer
	if len(b) > 0 && b[0]&0x80 != 0 {
		writeString(&buf, append([]byte{0}, b...))
	} else {
		writeString(&buf, b)
	}
	return buf.Bytes()
}
