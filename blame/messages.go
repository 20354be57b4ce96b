// Package blame implements BlameEngine (§4.6): shuffle-blame replay and
// bulk accusation pinpointing, the two paths a round takes when honest
// nodes disagree about who misbehaved. Grounded on the original source's
// ShuffleBlamer.cpp three-phase exchange (disclose → hash table → local
// replay) for §4.6.1, and on the Chaum-Pedersen DH proof of §4.6.2
// wired through crypto.ProveDH/VerifyDH.
package blame

import (
	"github.com/dedis/protobuf"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

// logEntryWire mirrors netio.LogEntry for wire transport (§4.6.1's
// "own_log").
type logEntryWire struct {
	Sender int32
	Signed []byte
}

// disclosureMsg is a node's shuffle-blame disclosure: its outer private
// key if it was a shuffle server, its full interaction log, and a
// signature binding both (§4.6.1).
type disclosureMsg struct {
	HasOuterPriv bool
	OuterPriv    []byte
	Log          []logEntryWire
	Sig          []byte
}

// hashEntry is one (discloser, hash-I-computed-of-their-disclosure) pair.
type hashEntry struct {
	Discloser int32
	Hash      []byte
}

// hashTableMsg is a node's cross-check of every disclosure it received
// (§4.6.1's "hash table").
type hashTableMsg struct {
	Entries []hashEntry
}

// shuffleBatchWire mirrors shuffle's internal batch-forwarding message
// shape closely enough to decode logged ShuffleBlob bodies without a
// blame→shuffle import (both packages independently follow the same
// wire convention, §6).
type shuffleBatchWire struct {
	Batch [][]byte
}

// keyShareWire mirrors shuffle's KEY_SHARING message shape (§4.3.1).
type keyShareWire struct {
	InnerPub []byte
	OuterPub []byte
}

// accusationMsg is a slot owner's pinpoint claim, fed as the anonymized
// plaintext of a nested accusation shuffle (§4.6.2).
type accusationMsg struct {
	Phase     int32
	SlotIndex int32
	Byte      int32
	Bit       int32
	Mask      byte
}

// AccusationWireLen is the fixed plaintext length (§3's "total
// serialized size is fixed") an accusation shuffle's slot messages carry
// regardless of whether a given node actually has an accusation to
// raise — nested ShuffleRounds, like the top-level one, pad every
// submission to one message length.
const AccusationWireLen = 64

// alibiMsg is one node's contributed-bit disclosure at an accused
// position (§4.6.2).
type alibiMsg struct {
	Phase    int32
	Byte     int32
	Bit      int32
	BitValue bool
}

// proofMsg carries a Chaum-Pedersen DH proof plus the shared point it
// proves knowledge of, between the two parties a pinpointed conflict
// names (§4.6.2).
type proofMsg struct {
	Shared []byte
	T1     []byte
	T2     []byte
	R      []byte
}

// EncodeAccusation wraps acc as a nested accusation shuffle's plaintext
// payload (§4.6.2).
func EncodeAccusation(acc Accusation) ([]byte, error) {
	return encodeMsg(wire.TypeBlameAccusation, &accusationMsg{
		Phase:     int32(acc.Phase),
		SlotIndex: int32(acc.SlotIndex),
		Byte:      int32(acc.Byte),
		Bit:       int32(acc.Bit),
		Mask:      acc.Mask,
	})
}

// DecodeAccusation recovers an Accusation from one plaintext a completed
// accusation shuffle published; ok is false for plaintexts that are not
// (or no longer, once padding is stripped oddly) a valid accusation —
// the nested shuffle pads every non-accusing member's empty submission
// to the same length, so most decoded plaintexts are expected to fail.
func DecodeAccusation(body []byte) (Accusation, bool) {
	var m accusationMsg
	if _, err := decodeMsg(body, &m); err != nil {
		return Accusation{}, false
	}
	return Accusation{
		Phase:     int(m.Phase),
		SlotIndex: int(m.SlotIndex),
		Byte:      int(m.Byte),
		Bit:       int(m.Bit),
		Mask:      m.Mask,
	}, true
}

// EncodeProof wraps a Chaum-Pedersen proof and the shared point it
// attests to for transport over TypeBlameProof (§4.6.2).
func EncodeProof(claimedShared []byte, proof crypto.DHProof) ([]byte, error) {
	return encodeMsg(wire.TypeBlameProof, &proofMsg{Shared: claimedShared, T1: proof.T1, T2: proof.T2, R: proof.R})
}

// DecodeProof recovers the claimed shared point and proof from a
// TypeBlameProof body.
func DecodeProof(body []byte) ([]byte, crypto.DHProof, bool) {
	var m proofMsg
	if _, err := decodeMsg(body, &m); err != nil {
		return nil, crypto.DHProof{}, false
	}
	return m.Shared, crypto.DHProof{T1: m.T1, T2: m.T2, R: m.R}, true
}

func encodeMsg(t wire.Type, payload interface{}) ([]byte, error) {
	body, err := protobuf.Encode(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, body...), nil
}

func decodeMsg(body []byte, out interface{}) (wire.Type, error) {
	if len(body) == 0 {
		return 0, wire.ErrTruncated
	}
	t := wire.Type(body[0])
	if err := protobuf.Decode(body[1:], out); err != nil {
		return t, err
	}
	return t, nil
}

func toWireLog(entries []netio.LogEntry) []logEntryWire {
	out := make([]logEntryWire, len(entries))
	for i, e := range entries {
		out[i] = logEntryWire{Sender: int32(e.Sender), Signed: e.Signed}
	}
	return out
}

func fromWireLog(entries []logEntryWire) []netio.LogEntry {
	out := make([]netio.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = netio.LogEntry{Sender: roster.NodeID(e.Sender), Signed: e.Signed}
	}
	return out
}
