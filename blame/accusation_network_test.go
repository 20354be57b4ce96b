package blame

import (
	"testing"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/localnet"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
)

func buildAccusationHarness(t *testing.T, n int) ([]*Engine, []*roster.Identity) {
	t.Helper()
	port := crypto.NewPort()
	fab := localnet.NewFabric()

	nodes := make([]roster.Node, n)
	idents := make([]*roster.Identity, n)
	for i := 0; i < n; i++ {
		ssk, spk, _ := port.GenKeypair(0)
		dsk, dpk, _ := port.GenKeypair(0)
		id := roster.NodeID(i + 1)
		node := roster.Node{ID: id, SigningPK: spk, DHPK: dpk}
		nodes[i] = node
		idents[i] = &roster.Identity{Node: node, SigningSK: ssk, DHSK: dsk}
	}
	ids := make([]roster.NodeID, n)
	for i, nd := range nodes {
		ids[i] = nd.ID
	}
	ros := &roster.Roster{Nodes: nodes, Topology: roster.BuildRing(ids), Leader: nodes[0].ID}

	engines := make([]*Engine, n)
	for i := 0; i < n; i++ {
		ep := fab.Endpoint(nodes[i].ID)
		net := netio.New(nodes[i].ID, idents[i], port, ros, ep)
		ep.Register(net.Deliver)
		net.StartIncoming("blame")
		engines[i] = New(port, net, ros, idents[i], nodes[i].ID)
	}
	return engines, idents
}

// TestRunAlibiExchangePinpointsDeviatingAlibi exercises the broadcast-
// and-collect half of §4.6.2: three nodes each disclose a bit, one
// disagrees with what the accuser's own PRNG replay says it should have
// been, and PinpointConflict (run inside RunAlibiExchange) names exactly
// that node.
func TestRunAlibiExchangePinpointsDeviatingAlibi(t *testing.T) {
	engines, _ := buildAccusationHarness(t, 3)
	acc := Accusation{Phase: 1, SlotIndex: 0, Byte: 2, Bit: 3, Mask: 1 << 3}

	expected := map[roster.NodeID]bool{2: true, 3: false}

	results := make([]roster.NodeID, len(engines))
	foundFlags := make([]bool, len(engines))
	errs := make([]error, len(engines))

	done := make(chan int, len(engines))
	for i, e := range engines {
		i, e := i, e
		go func() {
			var bit bool
			var exp map[roster.NodeID]bool
			switch e.self {
			case 1:
				bit = true // accuser's own bit is irrelevant to its own pinpoint
				exp = expected
			case 2:
				bit = true // matches expected: honest
			case 3:
				bit = true // expected false: deviates
			}
			id, found, err := e.RunAlibiExchange(acc, bit, exp)
			results[i], foundFlags[i], errs[i] = id, found, err
			done <- i
		}()
	}
	for range engines {
		<-done
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("engine %d: %v", i, err)
		}
	}
	if !foundFlags[0] || results[0] != roster.NodeID(3) {
		t.Fatalf("expected accuser to pinpoint node 3, got id=%v found=%v", results[0], foundFlags[0])
	}
	for i := 1; i < len(engines); i++ {
		if foundFlags[i] {
			t.Fatalf("non-accuser engine %d unexpectedly reported a pinpoint", i+1)
		}
	}
}

// TestRequestProofAwaitProofRequestRoundTrip exercises §4.6.2's final
// direct tie-break: the accuser asks the pinpointed server for its
// reciprocal proof and gets back a proof that verifies against their
// shared DH secret.
func TestRequestProofAwaitProofRequestRoundTrip(t *testing.T) {
	engines, idents := buildAccusationHarness(t, 2)
	accuser, server := engines[0], engines[1]
	accuserIdent, serverIdent := idents[0], idents[1]

	shared := accuser.port.SharedPoint(accuserIdent.DHSK, serverIdent.DHPK)
	sharedB, err := shared.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	myProof, err := accuser.port.ProveDH(accuserIdent.DHSK, accuserIdent.DHPK, serverIdent.DHPK, shared)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		proof crypto.DHProof
		got   bool
		err   error
	}
	reqDone := make(chan result, 1)
	go func() {
		proof, got, err := accuser.RequestProof(serverIdent.ID, sharedB, myProof)
		reqDone <- result{proof, got, err}
	}()

	ok, err := server.AwaitProofRequest(serverIdent.DHSK, serverIdent.DHPK)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected server to answer a proof request")
	}

	res := <-reqDone
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !res.got {
		t.Fatal("expected accuser to receive a reply proof")
	}

	userOK, serverOK, err := ResolveDHConflict(accuser.port, accuserIdent.DHPK, serverIdent.DHPK, myProof, res.proof, sharedB)
	if err != nil {
		t.Fatal(err)
	}
	if !userOK || !serverOK {
		t.Fatalf("expected both proofs to verify, got user=%v server=%v", userOK, serverOK)
	}
}

// TestEncodeDecodeAccusationRoundTrip checks the nested-shuffle wire
// encoding preserves every field, including the slot index that lets
// co-members replay the right pad offset (§4.6.2).
func TestEncodeDecodeAccusationRoundTrip(t *testing.T) {
	acc := Accusation{Phase: 4, SlotIndex: 2, Byte: 7, Bit: 1, Mask: 1 << 1}
	body, err := EncodeAccusation(acc)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) > AccusationWireLen {
		t.Fatalf("encoded accusation longer than the fixed shuffle wire length: %d > %d", len(body), AccusationWireLen)
	}
	got, ok := DecodeAccusation(body)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if got != acc {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, acc)
	}
}
