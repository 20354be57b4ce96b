package crypto

import "github.com/dedis/crypto/abstract"

// PRNG is the DC-net pad generator (§4.1, §4.4.1): a deterministic stream
// keyed by a (K, IV) seed. Two PRNGs built from equal seeds produce
// byte-equal output streams, and successive Generate calls continue the
// same stream rather than restarting it — callers must never reseed a
// PRNG mid-round (§4.4.1, §5 memory hygiene).
type PRNG struct {
	cipher abstract.Cipher
}

// PRNGFromSeed builds a deterministic byte stream from seed. The stream
// is positional: the bytes returned by a sequence of Generate calls equal
// the bytes that a single Generate call for the total length would have
// returned.
func (p *Port) PRNGFromSeed(seed []byte) *PRNG {
	return &PRNG{cipher: p.suite.Cipher(seed)}
}

// Generate draws the next n bytes from the stream.
func (r *PRNG) Generate(n int) []byte {
	buf := make([]byte, n)
	r.cipher.XORKeyStream(buf, buf)
	return buf
}

// Zero destroys the PRNG's internal key material. Pad PRNGs must be
// destroyed before BLAME to avoid leaking uncovered bits (§5).
func (r *PRNG) Zero() {
	r.cipher = nil
}
