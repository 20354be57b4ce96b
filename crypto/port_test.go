package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDeterministic(t *testing.T) {
	p := NewPort()
	_, pk, err := p.GenKeypair(1024)
	require.NoError(t, err)
	msg := []byte("this is a secret slot plaintext")

	ct1, r, err := p.Encrypt(pk, msg, nil)
	require.NoError(t, err)
	ct2, r2, err := p.Encrypt(pk, msg, r)
	require.NoError(t, err)
	require.Equal(t, r, r2, "randomness not echoed back unchanged")
	require.Equal(t, ct1, ct2, "encrypt(pk, m, r) must be deterministic (IP7)")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := NewPort()
	sk, pk, err := p.GenKeypair(1024)
	require.NoError(t, err)
	msg := []byte("round trip me")
	ct, _, err := p.Encrypt(pk, msg, nil)
	require.NoError(t, err)
	got, err := p.Decrypt(sk, ct)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestDecryptBadCiphertext(t *testing.T) {
	p := NewPort()
	sk, pk, _ := p.GenKeypair(1024)
	ct, _, _ := p.Encrypt(pk, []byte("hello"), nil)
	ct[len(ct)-1] ^= 0xFF
	_, err := p.Decrypt(sk, ct)
	require.ErrorIs(t, err, ErrBadCiphertext)
}

func TestSignVerify(t *testing.T) {
	p := NewPort()
	sk, pk, _ := p.GenKeypair(1024)
	msg := []byte("sign me")
	sig, err := p.Sign(sk, msg)
	require.NoError(t, err)
	require.NoError(t, p.Verify(pk, msg, sig), "signature should verify")
	sig[0] ^= 0xFF
	require.ErrorIs(t, p.Verify(pk, msg, sig), ErrBadSignature)
}

func TestPRNGSeedEquality(t *testing.T) {
	p := NewPort()
	seed := []byte("0123456789abcdef0123456789abcdef")

	a := p.PRNGFromSeed(seed)
	whole := a.Generate(40)

	b := p.PRNGFromSeed(seed)
	part1 := b.Generate(16)
	part2 := b.Generate(24)

	require.Equal(t, whole, append(part1, part2...), "PRNG stream must be a pure function of (seed, offset)")
}

func TestHashOrderedConcatenation(t *testing.T) {
	p := NewPort()
	d1 := p.Hash([]byte("a"), []byte("b"))
	d2 := p.Hash([]byte("ab"))
	require.Equal(t, d1, d2, "Hash must be an ordered concatenation hash")

	d3 := p.Hash([]byte("b"), []byte("a"))
	require.NotEqual(t, d1, d3, "Hash must be order-sensitive")
}

func TestIncrementalHash(t *testing.T) {
	p := NewPort()
	ih := p.IncrementalHash()
	ih.Update([]byte("foo"))
	snap1 := ih.Snapshot()
	ih.Update([]byte("bar"))
	snap2 := ih.Snapshot()

	require.Equal(t, p.Hash([]byte("foo")), snap1)
	require.Equal(t, p.Hash([]byte("foobar")), snap2)
}
