package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHProofRoundTrip(t *testing.T) {
	p := NewPort()
	ask, apk, err := p.GenKeypair(0)
	require.NoError(t, err)
	bsk, bpk, err := p.GenKeypair(0)
	require.NoError(t, err)

	shared := p.SharedPoint(ask, bpk)
	// The other party computes the same shared point from its own secret.
	sharedFromB := p.SharedPoint(bsk, apk)
	require.True(t, shared.Equal(sharedFromB), "DH shared points disagree between parties")

	proof, err := p.ProveDH(ask, apk, bpk, shared)
	require.NoError(t, err)
	require.NoError(t, p.VerifyDH(apk, bpk, shared, proof), "valid DH proof rejected")
}

func TestDHProofRejectsWrongShared(t *testing.T) {
	p := NewPort()
	ask, apk, _ := p.GenKeypair(0)
	_, bpk, _ := p.GenKeypair(0)
	_, otherPub, _ := p.GenKeypair(0)

	shared := p.SharedPoint(ask, bpk)
	proof, err := p.ProveDH(ask, apk, bpk, shared)
	require.NoError(t, err)
	require.Error(t, p.VerifyDH(apk, bpk, otherPub.Point, proof), "expected verification failure against a mismatched shared point")
}
