package crypto

import "github.com/dedis/crypto/abstract"

// Sign/Verify implement a Schnorr signature over the port's suite, the
// same commitment/challenge/response shape the teacher's cosi protocol
// uses for its collective signatures (protocols/cosi.Commitment/
// Challenge/Response), specialized here to a single signer.

// Sign produces a Schnorr signature over msg under sk.
func (p *Port) Sign(sk PrivateKey, msg []byte) ([]byte, error) {
	v := p.suite.Scalar().Pick(p.suite.Cipher(p.StrongRNG(randomnessLen)))
	V := p.suite.Point().Mul(nil, v)

	pub := p.suite.Point().Mul(nil, sk.Secret)
	Vb, err := V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pubB, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	e := p.scalarFromHash(Vb, pubB, msg)

	// r = v - e*sk
	r := p.suite.Scalar().Mul(e, sk.Secret)
	r = p.suite.Scalar().Sub(v, r)

	rb, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sig := append(append([]byte{}, Vb...), rb...)
	return sig, nil
}

// Verify checks a signature produced by Sign. Returns ErrBadSignature if
// it does not verify.
func (p *Port) Verify(pk PublicKey, msg, sig []byte) error {
	pointLen := p.pointLen()
	scalarLen := p.scalarLen()
	if len(sig) != pointLen+scalarLen {
		return ErrBadSignature
	}
	Vb := sig[:pointLen]
	rb := sig[pointLen:]

	V := p.suite.Point()
	if err := V.UnmarshalBinary(Vb); err != nil {
		return ErrBadSignature
	}
	r := p.suite.Scalar()
	if err := r.UnmarshalBinary(rb); err != nil {
		return ErrBadSignature
	}

	pubB, err := pk.Point.MarshalBinary()
	if err != nil {
		return ErrBadSignature
	}
	e := p.scalarFromHash(Vb, pubB, msg)

	// Check V == g^r * pk^e
	gr := p.suite.Point().Mul(nil, r)
	pke := p.suite.Point().Mul(pk.Point, e)
	rhs := p.suite.Point().Add(gr, pke)
	if !rhs.Equal(V) {
		return ErrBadSignature
	}
	return nil
}

// scalarFromHash maps the CryptoPort hash of parts onto a group scalar,
// used as the Fiat-Shamir challenge for both Schnorr signing here and the
// Chaum-Pedersen proof in dhproof.go.
func (p *Port) scalarFromHash(parts ...[]byte) abstract.Scalar {
	digest := p.Hash(parts...)
	return p.suite.Scalar().Pick(p.suite.Cipher(digest[:]))
}

// SignatureLen reports the fixed byte length of a Sign output under this
// port's suite, letting callers split a signature off the tail of a
// signed blob without a length prefix (§4.4.5's slot encoding).
func (p *Port) SignatureLen() int {
	return p.pointLen() + p.scalarLen()
}

func (p *Port) pointLen() int {
	b, _ := p.suite.Point().MarshalBinary()
	return len(b)
}

func (p *Port) scalarLen() int {
	b, _ := p.suite.Scalar().MarshalBinary()
	return len(b)
}
