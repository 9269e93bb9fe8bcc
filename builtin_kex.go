package sshtransport

import (
	"crypto"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

// curve25519Factory implements the curve25519-sha256 key exchange (RFC
// 8731), also registered under its pre-standard libssh.org name.
type curve25519Factory struct {
	name string
}

func (f *curve25519Factory) Name() string {
	return f.name
}

func (f *curve25519Factory) New() KeyExchange {
	return &curve25519Kex{}
}

type curve25519Kex struct{}

func (k *curve25519Kex) Client(
	c kexPacketConn,
	random io.Reader,
	magics *handshakeMagics,
	signatureFactory SignatureFactory,
) (*KexResult, error) {
	var private [32]byte
	if _, err := io.ReadFull(random, private[:]); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	if err := c.writePacket(ssh.Marshal(kexECDHInitMsg{ClientPubKey: public})); err != nil {
		return nil, err
	}

	packet, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, protocolError("malformed key exchange reply (%v)", err)
	}

	secret, err := curve25519.X25519(private[:], reply.EphemeralPubKey)
	if err != nil {
		return nil, protocolError("invalid peer key exchange value (%v)", err)
	}
	result := curve25519Result(magics, reply.HostKey, public, reply.EphemeralPubKey, secret)
	result.Signature = reply.Signature
	if err := signatureFactory.Verify(reply.HostKey, result.H, reply.Signature); err != nil {
		return nil, err
	}
	return result, nil
}

func (k *curve25519Kex) Server(
	c kexPacketConn,
	random io.Reader,
	magics *handshakeMagics,
	signer ssh.AlgorithmSigner,
	algo string,
) (*KexResult, error) {
	packet, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexECDHInitMsg
	if err := ssh.Unmarshal(packet, &init); err != nil {
		return nil, protocolError("malformed key exchange init (%v)", err)
	}

	var private [32]byte
	if _, err := io.ReadFull(random, private[:]); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(private[:], init.ClientPubKey)
	if err != nil {
		return nil, protocolError("invalid peer key exchange value (%v)", err)
	}

	hostKey := signer.PublicKey().Marshal()
	result := curve25519Result(magics, hostKey, init.ClientPubKey, public, secret)
	signature, err := signer.SignWithAlgorithm(random, result.H, algo)
	if err != nil {
		return nil, fmt.Errorf("failed to sign exchange hash (%w)", err)
	}
	result.Signature = ssh.Marshal(signature)

	if err := c.writePacket(ssh.Marshal(kexECDHReplyMsg{
		HostKey:         hostKey,
		EphemeralPubKey: public,
		Signature:       result.Signature,
	})); err != nil {
		return nil, err
	}
	return result, nil
}

func curve25519Result(
	magics *handshakeMagics,
	hostKey []byte,
	clientPub []byte,
	serverPub []byte,
	secret []byte,
) *KexResult {
	sharedSecret := marshalMpint(secret)
	digest := sha256.New()
	magics.write(digest)
	writeString(digest, hostKey)
	writeString(digest, clientPub)
	writeString(digest, serverPub)
	digest.Write(sharedSecret)
	return &KexResult{
		H:       digest.Sum(nil),
		K:       sharedSecret,
		HostKey: hostKey,
		Hash:    crypto.SHA256,
	}
}

type kexDHInitMsg struct {
	X *big.Int `sshtype:"30"`
}

type kexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31"`
	Y         *big.Int
	Signature []byte
}

// dhGroup14Factory implements diffie-hellman-group14-sha256 (RFC 8268) over
// the 2048-bit MODP group from RFC 3526.
type dhGroup14Factory struct{}

func (f *dhGroup14Factory) Name() string {
	return KexDHGroup14SHA256.String()
}

func (f *dhGroup14Factory) New() KeyExchange {
	return &dhGroup14Kex{prime: group14Prime(), generator: big.NewInt(2)}
}

type dhGroup14Kex struct {
	prime     *big.Int
	generator *big.Int
}

func (k *dhGroup14Kex) validPublic(value *big.Int) bool {
	return value.Sign() > 0 && value.Cmp(k.prime) < 0
}

func (k *dhGroup14Kex) private(random io.Reader) (*big.Int, error) {
	bound := new(big.Int).Sub(k.prime, big.NewInt(2))
	private, err := randomInt(random, bound)
	if err != nil {
		return nil, err
	}
	return private.Add(private, big.NewInt(1)), nil
}

func (k *dhGroup14Kex) Client(
	c kexPacketConn,
	random io.Reader,
	magics *handshakeMagics,
	signatureFactory SignatureFactory,
) (*KexResult, error) {
	private, err := k.private(random)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).Exp(k.generator, private, k.prime)
	if err := c.writePacket(ssh.Marshal(kexDHInitMsg{X: x})); err != nil {
		return nil, err
	}

	packet, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexDHReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, protocolError("malformed key exchange reply (%v)", err)
	}
	if !k.validPublic(reply.Y) {
		return nil, protocolError("peer sent an out-of-range key exchange value")
	}

	secret := new(big.Int).Exp(reply.Y, private, k.prime)
	result := k.result(magics, reply.HostKey, x, reply.Y, secret)
	result.Signature = reply.Signature
	if err := signatureFactory.Verify(reply.HostKey, result.H, reply.Signature); err != nil {
		return nil, err
	}
	return result, nil
}

func (k *dhGroup14Kex) Server(
	c kexPacketConn,
	random io.Reader,
	magics *handshakeMagics,
	signer ssh.AlgorithmSigner,
	algo string,
) (*KexResult, error) {
	packet, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	var init kexDHInitMsg
	if err := ssh.Unmarshal(packet, &init); err != nil {
		return nil, protocolError("malformed key exchange init (%v)", err)
	}
	if !k.validPublic(init.X) {
		return nil, protocolError("peer sent an out-of-range key exchange value")
	}

	private, err := k.private(random)
	if err != nil {
		return nil, err
	}
	y := new(big.Int).Exp(k.generator, private, k.prime)
	secret := new(big.Int).Exp(init.X, private, k.prime)

	hostKey := signer.PublicKey().Marshal()
	result := k.result(magics, hostKey, init.X, y, secret)
	signature, err := signer.SignWithAlgorithm(random, result.H, algo)
	if err != nil {
		return nil, fmt.Errorf("failed to sign exchange hash (%w)", err)
	}
	result.Signature = ssh.Marshal(signature)

	if err := c.writePacket(ssh.Marshal(kexDHReplyMsg{
		HostKey:   hostKey,
		Y:         y,
		Signature: result.Signature,
	})); err != nil {
		return nil, err
	}
	return result, nil
}

func (k *dhGroup14Kex) result(
	magics *handshakeMagics,
	hostKey []byte,
	x *big.Int,
	y *big.Int,
	secret *big.Int,
) *KexResult {
	sharedSecret := marshalMpint(secret.Bytes())
	digest := sha256.New()
	magics.write(digest)
	writeString(digest, hostKey)
	digest.Write(marshalMpint(x.Bytes()))
	digest.Write(marshalMpint(y.Bytes()))
	digest.Write(sharedSecret)
	return &KexResult{
		H:       digest.Sum(nil),
		K:       sharedSecret,
		HostKey: hostKey,
		Hash:    crypto.SHA256,
	}
}

// randomInt returns a uniform random value in [0, bound).
func randomInt(random io.Reader, bound *big.Int) (*big.Int, error) {
	byteLength := (bound.BitLen() + 7) / 8
	buf := make([]byte, byteLength)
	for {
		if _, err := io.ReadFull(random, buf); err != nil {
			return nil, err
		}
		value := new(big.Int).SetBytes(buf)
		if value.Cmp(bound) < 0 {
			return value, nil
		}
	}
}

// group14Prime is the 2048-bit MODP prime from RFC 3526 section 3.
func group14Prime() *big.Int {
	prime, _ := new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
			"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
			"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
			"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
			"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
			"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
			"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
			"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
			"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
			"15728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
	return prime
}
