package crypto

import "github.com/dedis/crypto/abstract"

// DHProof is a non-interactive Chaum-Pedersen proof that the prover knows
// the discrete log relating its own public key to a claimed
// Diffie-Hellman shared point, without revealing the secret (§4.6.2,
// bulk accusation pinpointing).
type DHProof struct {
	T1 []byte
	T2 []byte
	R  []byte
}

// ProveDH proves knowledge of `a` such that ownPub = g^a and shared =
// peerPub^a, per §4.6.2's Chaum-Pedersen variant.
func (p *Port) ProveDH(a PrivateKey, ownPub PublicKey, peerPub PublicKey, shared abstract.Point) (DHProof, error) {
	v := p.suite.Scalar().Pick(p.suite.Cipher(p.StrongRNG(randomnessLen)))
	t1 := p.suite.Point().Mul(nil, v)
	t2 := p.suite.Point().Mul(peerPub.Point, v)

	t1b, err := t1.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}
	t2b, err := t2.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}
	ownB, err := ownPub.Point.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}
	peerB, err := peerPub.Point.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}
	sharedB, err := shared.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}

	c := p.scalarFromHash(ownB, peerB, sharedB, t1b, t2b)
	r := p.suite.Scalar().Mul(c, a.Secret)
	r = p.suite.Scalar().Sub(v, r)
	rb, err := r.MarshalBinary()
	if err != nil {
		return DHProof{}, err
	}
	return DHProof{T1: t1b, T2: t2b, R: rb}, nil
}

// VerifyDH checks a DHProof against the public values every node can see:
// the prover's long-term public key, the other party's public key, and
// the claimed shared point (§4.6.2).
func (p *Port) VerifyDH(ownPub, peerPub PublicKey, shared abstract.Point, proof DHProof) error {
	t1 := p.suite.Point()
	if err := t1.UnmarshalBinary(proof.T1); err != nil {
		return ErrBadSignature
	}
	t2 := p.suite.Point()
	if err := t2.UnmarshalBinary(proof.T2); err != nil {
		return ErrBadSignature
	}
	r := p.suite.Scalar()
	if err := r.UnmarshalBinary(proof.R); err != nil {
		return ErrBadSignature
	}

	ownB, err := ownPub.Point.MarshalBinary()
	if err != nil {
		return err
	}
	peerB, err := peerPub.Point.MarshalBinary()
	if err != nil {
		return err
	}
	sharedB, err := shared.MarshalBinary()
	if err != nil {
		return err
	}
	c := p.scalarFromHash(ownB, peerB, sharedB, proof.T1, proof.T2)

	// t1 ?= g^r * ownPub^c
	gr := p.suite.Point().Mul(nil, r)
	ownC := p.suite.Point().Mul(ownPub.Point, c)
	lhs1 := p.suite.Point().Add(gr, ownC)
	if !lhs1.Equal(t1) {
		return ErrBadSignature
	}

	// t2 ?= peerPub^r * shared^c
	peerR := p.suite.Point().Mul(peerPub.Point, r)
	sharedC := p.suite.Point().Mul(shared, c)
	lhs2 := p.suite.Point().Add(peerR, sharedC)
	if !lhs2.Equal(t2) {
		return ErrBadSignature
	}
	return nil
}

// SharedPoint computes the DH shared point g^(ab) given one side's
// private scalar and the other side's public point.
func (p *Port) SharedPoint(mySK PrivateKey, peerPK PublicKey) abstract.Point {
	return p.suite.Point().Mul(peerPK.Point, mySK.Secret)
}
