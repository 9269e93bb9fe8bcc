package sshtransport

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// minPacketSize is the smallest maximum packet size a configuration may
	// advertise.
	minPacketSize = 4096
	// maxSupportedPacketSize bounds the advertised maximum packet size.
	maxSupportedPacketSize = 256 * 1024
	// maxFrameLength bounds the length field of any inbound frame,
	// independent of per-channel limits. Larger frames are a protocol
	// violation.
	maxFrameLength = 256 * 1024

	packetLengthSize = 4
	minPaddingSize   = 4
	maxPaddingSize   = 255
	// minBlockSize is the padding alignment floor required by RFC 4253
	// section 6 even for ciphers with smaller blocks.
	minBlockSize = 8
)

// directionState is the complete codec state for one transport direction:
// sequence counter, cipher, integrity and compression. It is owned by the
// codec and replaced as a whole at the new-keys boundary; the sequence
// counter survives the swap because it never resets outside its natural
// 32-bit wrap.
type directionState struct {
	seqNum     uint32
	stream     CipherStream
	aead       AEADCipher
	mac        PacketMAC
	etm        bool
	comp       Compressor
	compActive bool
	blockSize  int
}

func newPlaintextState() directionState {
	return directionState{blockSize: minBlockSize}
}

// transportCodec frames, encrypts and integrity-checks the byte stream in
// both directions. Writes are serialized through a mutex; reads happen only
// on the session event loop.
type transportCodec struct {
	conn   io.ReadWriteCloser
	random io.Reader

	writeMu      sync.Mutex
	write        directionState
	pendingWrite *directionState

	read        directionState
	pendingRead *directionState

	bytesRead    uint64
	bytesWritten uint64
}

func newTransportCodec(conn io.ReadWriteCloser, random io.Reader) *transportCodec {
	return &transportCodec{
		conn:   conn,
		random: random,
		write:  newPlaintextState(),
		read:   newPlaintextState(),
	}
}

// transferred returns the total byte count moved in both directions, used
// for rekey threshold checks.
func (t *transportCodec) transferred() uint64 {
	return atomic.LoadUint64(&t.bytesRead) + atomic.LoadUint64(&t.bytesWritten)
}

func (t *transportCodec) resetTransferred() {
	atomic.StoreUint64(&t.bytesRead, 0)
	atomic.StoreUint64(&t.bytesWritten, 0)
}

// stageKeys installs the state derived from a completed key exchange. The
// staged state only becomes active when the corresponding new-keys marker
// passes through the respective direction.
func (t *transportCodec) stageKeys(write *directionState, read *directionState) {
	t.writeMu.Lock()
	t.pendingWrite = write
	t.writeMu.Unlock()
	t.pendingRead = read
}

// writeNewKeys emits SSH_MSG_NEWKEYS and atomically swaps the outbound state
// at exactly that point: the marker itself is the last packet under the old
// keys.
func (t *transportCodec) writeNewKeys() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.pendingWrite == nil {
		return fmt.Errorf("no staged outbound key state")
	}
	if err := t.writePacketLocked([]byte{msgNewKeys}); err != nil {
		return err
	}
	t.pendingWrite.seqNum = t.write.seqNum
	t.write = *t.pendingWrite
	t.pendingWrite = nil
	return nil
}

// readNewKeys swaps the inbound state. The caller invokes it immediately
// after the new-keys marker was read; the next inbound packet is decoded
// with the new state. Receiving the marker without a staged state is a
// protocol violation.
func (t *transportCodec) readNewKeys() error {
	if t.pendingRead == nil {
		return protocolError("unexpected SSH_MSG_NEWKEYS")
	}
	t.pendingRead.seqNum = t.read.seqNum
	t.read = *t.pendingRead
	t.pendingRead = nil
	return nil
}

// enableDelayedCompression activates compressors negotiated in delayed mode.
// Called once when the session transitions to authenticated.
func (t *transportCodec) enableDelayedCompression() {
	t.writeMu.Lock()
	if t.write.comp != nil {
		t.write.compActive = true
	}
	if t.pendingWrite != nil && t.pendingWrite.comp != nil {
		t.pendingWrite.compActive = true
	}
	t.writeMu.Unlock()
	if t.read.comp != nil {
		t.read.compActive = true
	}
	if t.pendingRead != nil && t.pendingRead.comp != nil {
		t.pendingRead.compActive = true
	}
}

func (t *transportCodec) writePacket(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writePacketLocked(payload)
}

func (t *transportCodec) writePacketLocked(payload []byte) error {
	state := &t.write
	if state.comp != nil && state.compActive {
		compressed, err := state.comp.Compress(payload)
		if err != nil {
			return fmt.Errorf("failed to compress packet (%w)", err)
		}
		payload = compressed
	}

	lengthCovered := state.stream != nil && !state.etm && state.aead == nil
	paddingLength := packetPadding(len(payload), state.blockSize, lengthCovered)

	packet := make([]byte, packetLengthSize+1+len(payload)+paddingLength)
	length := 1 + len(payload) + paddingLength
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[packetLengthSize] = byte(paddingLength)
	copy(packet[packetLengthSize+1:], payload)
	if _, err := io.ReadFull(t.random, packet[packetLengthSize+1+len(payload):]); err != nil {
		return fmt.Errorf("failed to read padding randomness (%w)", err)
	}

	var wire []byte
	switch {
	case state.aead != nil:
		sealed, err := state.aead.Seal(state.seqNum, packet[:packetLengthSize], packet[packetLengthSize:])
		if err != nil {
			return err
		}
		wire = append(packet[:packetLengthSize], sealed...)
	case state.stream != nil && state.etm:
		state.stream.XORKeyStream(packet[packetLengthSize:], packet[packetLengthSize:])
		tag := state.mac.Sum(state.seqNum, packet)
		wire = append(packet, tag...)
	case state.stream != nil:
		tag := state.mac.Sum(state.seqNum, packet)
		state.stream.XORKeyStream(packet, packet)
		wire = append(packet, tag...)
	default:
		wire = packet
	}

	if _, err := t.conn.Write(wire); err != nil {
		return fmt.Errorf("failed to write packet (%w)", err)
	}
	state.seqNum++
	atomic.AddUint64(&t.bytesWritten, uint64(len(wire)))
	return nil
}

// packetPadding computes the padding length aligning the encrypted portion
// of the packet to the cipher block size, with the protocol-mandated minimum
// of four bytes.
func packetPadding(payloadLength int, blockSize int, lengthCovered bool) int {
	encryptedLength := 1 + payloadLength
	if lengthCovered {
		encryptedLength += packetLengthSize
	}
	padding := blockSize - encryptedLength%blockSize
	if padding < minPaddingSize {
		padding += blockSize
	}
	return padding
}

func (t *transportCodec) readPacket() ([]byte, error) {
	state := &t.read
	var plaintext []byte
	var wireLength int
	var err error
	switch {
	case state.aead != nil:
		plaintext, wireLength, err = t.readAEADPacket(state)
	case state.stream != nil && state.etm:
		plaintext, wireLength, err = t.readETMPacket(state)
	case state.stream != nil:
		plaintext, wireLength, err = t.readClassicPacket(state)
	default:
		plaintext, wireLength, err = t.readPlaintextPacket(state)
	}
	if err != nil {
		return nil, err
	}

	payload, err := stripPadding(plaintext)
	if err != nil {
		return nil, err
	}
	if state.comp != nil && state.compActive {
		payload, err = state.comp.Decompress(payload)
		if err != nil {
			return nil, protocolError("failed to decompress packet (%v)", err)
		}
	}
	state.seqNum++
	atomic.AddUint64(&t.bytesRead, uint64(wireLength))
	if len(payload) == 0 {
		return nil, protocolError("empty packet payload")
	}
	return payload, nil
}

// stripPadding validates the padding length byte and returns the payload.
func stripPadding(plaintext []byte) ([]byte, error) {
	if len(plaintext) < 1+minPaddingSize {
		return nil, protocolError("packet too short")
	}
	padding := int(plaintext[0])
	if padding < minPaddingSize || padding >= len(plaintext) {
		return nil, protocolError("invalid packet padding length %d", padding)
	}
	return plaintext[1 : len(plaintext)-padding], nil
}

// readLength reads and validates the 4-byte length prefix.
func (t *transportCodec) readLength() (uint32, []byte, error) {
	lengthBytes := make([]byte, packetLengthSize)
	if _, err := io.ReadFull(t.conn, lengthBytes); err != nil {
		return 0, nil, fmt.Errorf("failed to read packet length (%w)", err)
	}
	length := binary.BigEndian.Uint32(lengthBytes)
	if length > maxFrameLength {
		return 0, nil, protocolError("frame length %d exceeds limit", length)
	}
	if length < 1+minPaddingSize {
		return 0, nil, protocolError("frame length %d too small", length)
	}
	return length, lengthBytes, nil
}

func (t *transportCodec) readPlaintextPacket(state *directionState) ([]byte, int, error) {
	length, _, err := t.readLength()
	if err != nil {
		return nil, 0, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, 0, fmt.Errorf("failed to read packet body (%w)", err)
	}
	return body, packetLengthSize + int(length), nil
}

func (t *transportCodec) readAEADPacket(state *directionState) ([]byte, int, error) {
	length, lengthBytes, err := t.readLength()
	if err != nil {
		return nil, 0, err
	}
	body := make([]byte, int(length)+state.aead.Overhead())
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, 0, fmt.Errorf("failed to read packet body (%w)", err)
	}
	plaintext, err := state.aead.Open(state.seqNum, lengthBytes, body)
	if err != nil {
		return nil, 0, &IntegrityError{Sequence: state.seqNum}
	}
	return plaintext, packetLengthSize + len(body), nil
}

// readETMPacket verifies the integrity tag over the ciphertext before any
// decryption takes place.
func (t *transportCodec) readETMPacket(state *directionState) ([]byte, int, error) {
	length, lengthBytes, err := t.readLength()
	if err != nil {
		return nil, 0, err
	}
	macSize := state.mac.Size()
	body := make([]byte, int(length)+macSize)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, 0, fmt.Errorf("failed to read packet body (%w)", err)
	}
	ciphertext := body[:length]
	tag := body[length:]
	expected := state.mac.Sum(state.seqNum, append(append([]byte{}, lengthBytes...), ciphertext...))
	if subtle.ConstantTimeCompare(tag, expected) != 1 {
		return nil, 0, &IntegrityError{Sequence: state.seqNum}
	}
	state.stream.XORKeyStream(ciphertext, ciphertext)
	return ciphertext, packetLengthSize + len(body), nil
}

// readClassicPacket decrypts first (the length field is itself encrypted)
// and verifies the tag computed over the plaintext afterwards.
func (t *transportCodec) readClassicPacket(state *directionState) ([]byte, int, error) {
	firstBlock := make([]byte, state.blockSize)
	if _, err := io.ReadFull(t.conn, firstBlock); err != nil {
		return nil, 0, fmt.Errorf("failed to read packet (%w)", err)
	}
	state.stream.XORKeyStream(firstBlock, firstBlock)
	length := binary.BigEndian.Uint32(firstBlock)
	if length > maxFrameLength {
		return nil, 0, protocolError("frame length %d exceeds limit", length)
	}
	if length < 1+minPaddingSize {
		return nil, 0, protocolError("frame length %d too small", length)
	}
	remaining := packetLengthSize + int(length) - state.blockSize
	if remaining < 0 || remaining%state.blockSize != 0 {
		return nil, 0, protocolError("frame length %d not block aligned", length)
	}
	macSize := state.mac.Size()
	rest := make([]byte, remaining+macSize)
	if _, err := io.ReadFull(t.conn, rest); err != nil {
		return nil, 0, fmt.Errorf("failed to read packet body (%w)", err)
	}
	state.stream.XORKeyStream(rest[:remaining], rest[:remaining])

	plaintext := append(firstBlock, rest[:remaining]...)
	expected := state.mac.Sum(state.seqNum, plaintext)
	if subtle.ConstantTimeCompare(rest[remaining:], expected) != 1 {
		return nil, 0, &IntegrityError{Sequence: state.seqNum}
	}
	return plaintext[packetLengthSize:], len(plaintext) + macSize, nil
}

// lastReadSeq is the sequence number of the most recently read packet, used
// for unimplemented-message replies. Event loop only.
func (t *transportCodec) lastReadSeq() uint32 {
	return t.read.seqNum - 1
}

func (t *transportCodec) Close() error {
	return t.conn.Close()
}
