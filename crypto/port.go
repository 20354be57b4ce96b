// Package crypto implements CryptoPort: a small, typed facade over the
// asymmetric/symmetric primitives the protocol core needs (§4.1). It is the
// only package in this module that imports a concrete crypto suite, so the
// rest of the core stays testable against a suite swap.
package crypto

import (
	"encoding/binary"
	"errors"

	"github.com/dedis/crypto/abstract"
	"github.com/dedis/crypto/config"
	"github.com/dedis/crypto/edwards"
	"github.com/dedis/crypto/random"
)

// HashLen is the fixed digest size CryptoPort.Hash produces (§4.1).
const HashLen = 20

// Digest is a 20-byte CryptoPort hash output.
type Digest [HashLen]byte

// Errors reported by CryptoPort operations (§4.1, §7).
var (
	ErrBadSignature  = errors.New("crypto: signature does not verify")
	ErrBadCiphertext = errors.New("crypto: ciphertext MAC does not verify")
	ErrShortCipher   = errors.New("crypto: ciphertext too short")
	ErrBadKey        = errors.New("crypto: malformed key encoding")
)

// PrivateKey is an asymmetric, signing-capable private key.
type PrivateKey struct {
	Secret abstract.Scalar
}

// PublicKey is an asymmetric, signing-capable public key.
type PublicKey struct {
	Point abstract.Point
}

// MarshalBinary round-trips byte-equal per the CryptoPort contract.
func (pk PublicKey) MarshalBinary() ([]byte, error) {
	return pk.Point.MarshalBinary()
}

// UnmarshalBinary reconstructs a PublicKey produced by MarshalBinary.
func (pk *PublicKey) UnmarshalBinary(suite abstract.Suite, data []byte) error {
	pk.Point = suite.Point()
	return pk.Point.UnmarshalBinary(data)
}

// Equal reports whether two public keys encode the same point.
func (pk PublicKey) Equal(other PublicKey) bool {
	if pk.Point == nil || other.Point == nil {
		return pk.Point == other.Point
	}
	return pk.Point.Equal(other.Point)
}

// MarshalBinary round-trips byte-equal per the CryptoPort contract.
func (sk PrivateKey) MarshalBinary() ([]byte, error) {
	return sk.Secret.MarshalBinary()
}

// UnmarshalBinary reconstructs a PrivateKey produced by MarshalBinary.
func (sk *PrivateKey) UnmarshalBinary(suite abstract.Suite, data []byte) error {
	sk.Secret = suite.Scalar()
	return sk.Secret.UnmarshalBinary(data)
}

// Port is the concrete CryptoPort implementation, bound to one algebraic
// suite for the lifetime of the process (matching the teacher's
// one-suite-per-host convention in lib/sda.Host.Suite()).
type Port struct {
	suite abstract.Suite
}

// NewPort builds a Port over the module's default suite: AES-128/SHA-256
// keyed Ed25519, the same curve construction the teacher's protocol
// packages (randhound, cosi) are written against.
func NewPort() *Port {
	return &Port{suite: edwards.NewAES128SHA256Ed25519(false)}
}

// Suite exposes the underlying algebraic suite for components (notably
// blame's Chaum-Pedersen proof) that need direct group operations.
func (p *Port) Suite() abstract.Suite {
	return p.suite
}

// GenKeypair generates a fresh asymmetric keypair. bits is accepted for
// configuration-surface compatibility (§6 disposable_key_length) but this
// suite is a fixed-size elliptic-curve group; see DESIGN.md for the
// RSA/DSA-vs-group-suite decision.
func (p *Port) GenKeypair(bits int) (PrivateKey, PublicKey, error) {
	kp := config.NewKeyPair(p.suite)
	return PrivateKey{Secret: kp.Secret}, PublicKey{Point: kp.Public}, nil
}

// StrongRNG samples n uniform bytes from the OS entropy source.
func (p *Port) StrongRNG(n int) []byte {
	buf := make([]byte, n)
	random.Stream.XORKeyStream(buf, buf)
	return buf
}

// Hash computes the CryptoPort digest (the suite's hash) over the ordered concatenation
// of parts.
func (p *Port) Hash(parts ...[]byte) Digest {
	h := p.suite.Hash()
	for _, part := range parts {
		h.Write(part)
	}
	sum := h.Sum(nil)
	var d Digest
	copy(d[:], sum[:HashLen])
	return d
}

// IncrementalHasher accumulates bytes without finalizing, so the round
// state machines can commit to progressive protocol state (§4.1).
type IncrementalHasher struct {
	port *Port
	buf  []byte
}

// IncrementalHash starts a new incremental hash accumulator.
func (p *Port) IncrementalHash() *IncrementalHasher {
	return &IncrementalHasher{port: p}
}

// Update appends bytes to the accumulator.
func (ih *IncrementalHasher) Update(b []byte) {
	ih.buf = append(ih.buf, b...)
}

// Snapshot returns the digest of everything written so far, without
// preventing further Update calls.
func (ih *IncrementalHasher) Snapshot() Digest {
	return ih.port.Hash(ih.buf)
}

const randomnessLen = 32

// Encrypt performs hybrid encryption: an ElGamal-wrapped ephemeral shared
// secret seeds a symmetric stream cipher plus a keyed integrity tag over
// the message. If randomness is nil, fresh randomness is sampled and
// returned so the caller can save it for replay (§4.1, §4.6.1 blame
// replay determinism).
func (p *Port) Encrypt(pk PublicKey, msg []byte, randomness []byte) (ct []byte, usedRandomness []byte, err error) {
	if randomness == nil {
		randomness = p.StrongRNG(randomnessLen)
	}
	stream := p.suite.Cipher(randomness)
	k := p.suite.Scalar().Pick(stream)
	K := p.suite.Point().Mul(nil, k)
	S := p.suite.Point().Mul(pk.Point, k)

	sessionSeed, err := S.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	keyDigest := p.Hash(sessionSeed)

	body := make([]byte, len(msg))
	p.suite.Cipher(keyDigest[:]).XORKeyStream(body, msg)
	mac := p.Hash(keyDigest[:], body)

	Kb, err := K.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, 4+len(Kb)+len(body)+HashLen)
	var klen [4]byte
	binary.BigEndian.PutUint32(klen[:], uint32(len(Kb)))
	out = append(out, klen[:]...)
	out = append(out, Kb...)
	out = append(out, body...)
	out = append(out, mac[:]...)
	return out, randomness, nil
}

// Decrypt reverses Encrypt. It fails with ErrBadCiphertext if the
// integrity tag does not verify.
func (p *Port) Decrypt(sk PrivateKey, ct []byte) ([]byte, error) {
	if len(ct) < 4 {
		return nil, ErrShortCipher
	}
	klen := binary.BigEndian.Uint32(ct[:4])
	rest := ct[4:]
	if uint32(len(rest)) < klen+HashLen {
		return nil, ErrShortCipher
	}
	Kb := rest[:klen]
	body := rest[klen : len(rest)-HashLen]
	var mac Digest
	copy(mac[:], rest[len(rest)-HashLen:])

	K := p.suite.Point()
	if err := K.UnmarshalBinary(Kb); err != nil {
		return nil, ErrBadKey
	}
	S := p.suite.Point().Mul(K, sk.Secret)
	sessionSeed, err := S.MarshalBinary()
	if err != nil {
		return nil, err
	}
	keyDigest := p.Hash(sessionSeed)

	wantMAC := p.Hash(keyDigest[:], body)
	if wantMAC != mac {
		return nil, ErrBadCiphertext
	}

	msg := make([]byte, len(body))
	p.suite.Cipher(keyDigest[:]).XORKeyStream(msg, body)
	return msg, nil
}
