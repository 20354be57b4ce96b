package blame

import (
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

// Accusation is one slot owner's pinpointed evidence of a flipped bit in
// its slot's on-the-wire bytes (§4.6.2). SlotIndex is carried alongside
// the wire-exact (phase, byte, bit, mask) tuple: which DC-net slot is
// corrupt is already public (every node runs the same signature check
// against the slot's anonymous key), so naming it here costs no
// anonymity and lets co-members replay the right pad offset.
type Accusation struct {
	Phase     int
	SlotIndex int
	Byte      int
	Bit       int
	Mask      byte
}

// FindEvidence searches sent (this node's own transmitted slot bytes,
// before XOR into the shared pad) against received (the slot's final
// on-the-wire bytes this phase) for a position where a 0 bit the owner
// contributed was flipped to 1, the signature the owner can act on
// (§4.6.2).
func FindEvidence(phase int, sent, received []byte) (Accusation, bool) {
	n := len(sent)
	if len(received) < n {
		n = len(received)
	}
	for i := 0; i < n; i++ {
		flipped := (^sent[i]) & received[i]
		if flipped != 0 {
			bit := 0
			for b := 0; b < 8; b++ {
				if flipped&(1<<uint(b)) != 0 {
					bit = b
					break
				}
			}
			return Accusation{Phase: phase, Byte: i, Bit: bit, Mask: 1 << uint(bit)}, true
		}
	}
	return Accusation{}, false
}

// Alibi is one co-member's disclosed contribution at an accused bit
// position (§4.6.2).
type Alibi struct {
	Member   roster.NodeID
	BitValue bool
}

// Candidate is one member's entry for PinpointConflict, which
// cross-references every alibi against the accused bit's on-the-wire
// value: exactly one (client, server) pair whose alibi
// disagrees with what their own pad should have produced is the
// conflict (§4.6.2). Callers supply each candidate's expected
// contribution (derived locally from the accused PRNG offset, §4.4.4)
// alongside their disclosed alibi.
type Candidate struct {
	Member   roster.NodeID
	Expected bool
	Disclosed bool
}

// PinpointConflict returns the first candidate whose disclosed
// contribution does not match what its PRNG stream should have produced.
func PinpointConflict(candidates []Candidate) (roster.NodeID, bool) {
	for _, c := range candidates {
		if c.Expected != c.Disclosed {
			return c.Member, true
		}
	}
	return roster.NoNode, false
}

// ResolveDHConflict runs the final step once exactly one (user, server)
// pair is pinpointed: both publish a Chaum-Pedersen proof of their
// pairwise DH secret, and this verifies each proof against claimedShared
// and reports which of the two verify (§4.6.2). It does not re-derive
// any pad bits itself.
func ResolveDHConflict(port *crypto.Port, userPK, serverPK crypto.PublicKey, userProof, serverProof crypto.DHProof, claimedShared []byte) (userOK, serverOK bool, err error) {
	sharedPoint := port.Suite().Point()
	if err := sharedPoint.UnmarshalBinary(claimedShared); err != nil {
		return false, false, err
	}
	userErr := port.VerifyDH(userPK, serverPK, sharedPoint, userProof)
	serverErr := port.VerifyDH(serverPK, userPK, sharedPoint, serverProof)
	return userErr == nil, serverErr == nil, nil
}

// RunAlibiExchange broadcasts this node's own alibi bit for acc and
// collects every other member's, per §4.6.2's "every user and server
// emits an alibi" step. expected is non-nil only for the node that
// originally raised acc (only it can compute, from its own pairwise
// PRNG streams, what each opposite-side member should have contributed);
// every other node passes nil and just contributes its bit. The returned
// node is only meaningful when found is true, which only happens for the
// accuser.
func (e *Engine) RunAlibiExchange(acc Accusation, myBitValue bool, expected map[roster.NodeID]bool) (roster.NodeID, bool, error) {
	msg := alibiMsg{Phase: int32(acc.Phase), Byte: int32(acc.Byte), Bit: int32(acc.Bit), BitValue: myBitValue}
	body, err := encodeMsg(wire.TypeBlameAlibi, &msg)
	if err != nil {
		return roster.NoNode, false, err
	}
	if err := e.net.Broadcast(body); err != nil {
		return roster.NoNode, false, err
	}

	alibis := map[roster.NodeID]bool{e.self: myBitValue}
	remaining := map[roster.NodeID]bool{}
	for _, n := range e.ros.Nodes {
		if n.ID != e.self {
			remaining[n.ID] = true
		}
	}
	for i := 0; i < maxDisclosureRounds && len(remaining) > 0; i++ {
		for id := range remaining {
			recvBody, err := e.net.Recv(id)
			if err == netio.ErrNotReady {
				continue
			}
			if err != nil {
				return roster.NoNode, false, err
			}
			var m alibiMsg
			if _, err := decodeMsg(recvBody, &m); err != nil {
				continue
			}
			alibis[id] = m.BitValue
			delete(remaining, id)
		}
	}

	if expected == nil {
		return roster.NoNode, false, nil
	}
	candidates := make([]Candidate, 0, len(expected))
	for id, exp := range expected {
		disclosed, ok := alibis[id]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Member: id, Expected: exp, Disclosed: disclosed})
	}
	id, found := PinpointConflict(candidates)
	return id, found, nil
}

// RequestProof lets the accuser ask the pinpointed server for its
// reciprocal Chaum-Pedersen proof and waits for the reply (§4.6.2's final
// tie-break). This is a direct, non-anonymous exchange: both parties are
// already named at this point.
func (e *Engine) RequestProof(server roster.NodeID, claimedShared []byte, myProof crypto.DHProof) (crypto.DHProof, bool, error) {
	body, err := EncodeProof(claimedShared, myProof)
	if err != nil {
		return crypto.DHProof{}, false, err
	}
	if err := e.net.Send(server, body); err != nil {
		return crypto.DHProof{}, false, err
	}
	for i := 0; i < maxDisclosureRounds; i++ {
		raw, err := e.net.Recv(server)
		if err == netio.ErrNotReady {
			continue
		}
		if err != nil {
			return crypto.DHProof{}, false, err
		}
		_, proof, ok := DecodeProof(raw)
		if !ok {
			continue
		}
		return proof, true, nil
	}
	return crypto.DHProof{}, false, nil
}

// AwaitProofRequest lets a server that might be the pinpointed party
// answer a proof request from whichever member turns out to be the
// accuser: it drains every sender's queue for one TypeBlameProof message,
// proves its own side of the same claimed shared secret, and replies
// directly to whoever asked.
func (e *Engine) AwaitProofRequest(mySK crypto.PrivateKey, myPK crypto.PublicKey) (bool, error) {
	remaining := map[roster.NodeID]bool{}
	for _, n := range e.ros.Nodes {
		if n.ID != e.self {
			remaining[n.ID] = true
		}
	}
	for i := 0; i < maxDisclosureRounds && len(remaining) > 0; i++ {
		for id := range remaining {
			raw, err := e.net.Recv(id)
			if err == netio.ErrNotReady {
				continue
			}
			if err != nil {
				return false, err
			}
			delete(remaining, id)
			claimedShared, _, ok := DecodeProof(raw)
			if !ok {
				continue
			}
			sharedPoint := e.port.Suite().Point()
			if err := sharedPoint.UnmarshalBinary(claimedShared); err != nil {
				continue
			}
			peer, ok := e.ros.Node(id)
			if !ok {
				continue
			}
			myProof, err := e.port.ProveDH(mySK, myPK, peer.DHPK, sharedPoint)
			if err != nil {
				return false, err
			}
			body, err := EncodeProof(claimedShared, myProof)
			if err != nil {
				return false, err
			}
			if err := e.net.Send(id, body); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}
