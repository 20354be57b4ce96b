// Package bulk implements BulkRound (§4.4): the DC-net phase that turns
// the anonymous slot ownership produced by a prior shuffle into a
// variable-length anonymous broadcast channel, run as a sequence of
// commit-then-reveal phases. Grounded on the teacher's protocols/cosi
// commit/challenge/response message shapes (adapted here to per-slot
// XOR aggregation instead of signature aggregation) and the original
// source's BaseDCNetRound.cpp slot-length accounting.
package bulk

import (
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/roster"
)

// seedLen is the per-slot randomization seed prepended to every slot's
// ciphertext (§4.4.5).
const seedLen = 16

// headerLen is the next_length + accuse-bit + shuffle-me-bit prefix
// folded into every slot's plaintext region (§4.4.2, §4.4.5, §4.6.2): 4
// bytes next_length, 1 byte accuse flag, 1 byte "shuffle me" flag (the
// owner's request to start an accusation shuffle next phase).
const headerLen = 6

// Slot is one of the N DC-net channels a bulk round aggregates.
type Slot struct {
	Length  int // slot_length[s], current phase
	Open    bool
	AnonPK  crypto.PublicKey // anonymous signing key published by the shuffle
	OwnerSK *crypto.PrivateKey // non-nil only for the node that owns this slot
}

// Descriptor is the public state a shuffle publishes for one slot and
// hands off to a BulkRound (§3's "BulkDescriptor"): the slot's starting
// length and the anonymous signing/DH keys its still-unknown owner
// controls. AnonDHPK is carried for wire fidelity with §3's shape but
// this implementation derives per-(client,server) pad seeds from each
// node's long-term identity DH keypair (already exchanged via the
// roster) rather than from a fresh anonymous DH key per round, so it is
// not consulted by pad derivation — see DESIGN.md.
type Descriptor struct {
	SlotLength int
	AnonSignPK []byte
	AnonDHPK   []byte
}

// alwaysOpenRotation returns the slot index that must be open this phase
// regardless of prior traffic, rotating by phase number (§4.4.2).
func alwaysOpenRotation(numSlots, phase int) int {
	if numSlots == 0 {
		return 0
	}
	return phase % numSlots
}

// padOffset computes the per-(peer) PRNG byte offset consumed so far for
// slot s entering phase p, per §4.4.4's accounting invariant: every
// slot's length in every prior phase, plus this phase's lengths for
// every earlier slot.
func padOffset(slotLengthHistory [][]int, phase, slot int) int {
	total := 0
	for p := 0; p < phase; p++ {
		for _, l := range slotLengthHistory[p] {
			total += l
		}
	}
	for s := 0; s < slot; s++ {
		if phase < len(slotLengthHistory) {
			total += slotLengthHistory[phase][s]
		}
	}
	return total
}

// pairSeed derives the DH-based seed a node shares with a peer, used to
// construct that peer's per-round PRNG (§4.4.1, grounded on
// original_source/DiffieHellman.cpp).
func pairSeed(port *crypto.Port, mySK crypto.PrivateKey, peerPK crypto.PublicKey) []byte {
	shared := port.Suite().Point().Mul(peerPK.Point, mySK.Secret)
	sb, _ := shared.MarshalBinary()
	d := port.Hash(sb)
	return d[:]
}

// xorInto XORs src into dst at offset, extending neither slice; it
// requires len(dst) >= offset+len(src).
func xorInto(dst []byte, offset int, src []byte) {
	for i, b := range src {
		dst[offset+i] ^= b
	}
}

// DescriptorWireLen is the fixed shuffle plaintext length a
// BulkDescriptor submission is padded/truncated to (§3's "total
// serialized size is fixed"), sized generously above a protobuf-encoded
// Descriptor carrying two Ed25519 points.
const DescriptorWireLen = 128

// zeroPad copies buf into a zero-filled buffer of length, truncating if
// buf is longer (§4.4.5's randomized-region fitting).
func zeroPad(buf []byte, length int) []byte {
	out := make([]byte, length)
	copy(out, buf)
	return out
}

// serversOf and clientsOf are thin roster accessors kept local to this
// package so round.go reads naturally against "servers"/"clients"
// instead of raw roster.Roster calls.
func serversOf(ros *roster.Roster) []roster.NodeID { return ros.Servers() }
func clientsOf(ros *roster.Roster) []roster.NodeID { return ros.Clients() }
