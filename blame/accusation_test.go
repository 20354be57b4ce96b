package blame

import (
	"testing"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/roster"
)

func TestFindEvidenceDetectsFlippedBit(t *testing.T) {
	sent := []byte{0x00, 0x0F, 0xFF}
	received := []byte{0x00, 0x1F, 0xFF} // bit 4 of byte 1 flipped 0->1
	acc, ok := FindEvidence(3, sent, received)
	if !ok {
		t.Fatal("expected evidence to be found")
	}
	if acc.Byte != 1 || acc.Bit != 4 {
		t.Fatalf("unexpected evidence location: %+v", acc)
	}
}

func TestFindEvidenceNoneWhenUnmodified(t *testing.T) {
	sent := []byte{0xAA, 0xBB}
	received := []byte{0xAA, 0xBB}
	if _, ok := FindEvidence(1, sent, received); ok {
		t.Fatal("expected no evidence on identical bytes")
	}
}

func TestPinpointConflictFindsDeviator(t *testing.T) {
	candidates := []Candidate{
		{Member: 1, Expected: true, Disclosed: true},
		{Member: 2, Expected: false, Disclosed: true},
		{Member: 3, Expected: true, Disclosed: true},
	}
	id, ok := PinpointConflict(candidates)
	if !ok || id != 2 {
		t.Fatalf("expected member 2 pinpointed, got %v ok=%v", id, ok)
	}
}

func TestResolveDHConflictAcceptsValidProofs(t *testing.T) {
	port := crypto.NewPort()
	usk, upk, _ := port.GenKeypair(0)
	ssk, spk, _ := port.GenKeypair(0)

	shared := port.SharedPoint(usk, spk)
	sharedB, _ := shared.MarshalBinary()

	userProof, err := port.ProveDH(usk, upk, spk, shared)
	if err != nil {
		t.Fatal(err)
	}
	serverShared := port.SharedPoint(ssk, upk)
	serverProof, err := port.ProveDH(ssk, spk, upk, serverShared)
	if err != nil {
		t.Fatal(err)
	}

	userOK, serverOK, err := ResolveDHConflict(port, upk, spk, userProof, serverProof, sharedB)
	if err != nil {
		t.Fatal(err)
	}
	if !userOK || !serverOK {
		t.Fatalf("expected both proofs valid, got user=%v server=%v", userOK, serverOK)
	}
}

func TestLocalReplayDetectsMissingKeyDisclosure(t *testing.T) {
	port := crypto.NewPort()
	_, spk1, _ := port.GenKeypair(0)
	node1 := roster.Node{ID: 1, SigningPK: spk1, DHPK: spk1}
	ros := &roster.Roster{Nodes: []roster.Node{node1}, Topology: roster.BuildRing([]roster.NodeID{1})}

	e := &Engine{port: port, ros: ros}
	disclosures := map[roster.NodeID]disclosure{
		1: {hasOuterPriv: false},
	}
	bad, err := e.localReplay(disclosures)
	if err != nil {
		t.Fatal(err)
	}
	if bad != 1 {
		t.Fatalf("expected node 1 implicated for missing key disclosure, got %v", bad)
	}
}
