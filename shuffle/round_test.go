package shuffle

import (
	"bytes"
	"testing"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/localnet"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
)

const testMsgLen = 64

type harness struct {
	port  *crypto.Port
	ros   *roster.Roster
	ids   []*roster.Identity
	nets  []*netio.Network
	rounds []*Round
}

func buildHarness(t *testing.T, n int) *harness {
	t.Helper()
	port := crypto.NewPort()
	fab := localnet.NewFabric()

	ids := make([]*roster.Identity, n)
	nodes := make([]roster.Node, n)
	for i := 0; i < n; i++ {
		ssk, spk, err := port.GenKeypair(0)
		if err != nil {
			t.Fatal(err)
		}
		dsk, dpk, err := port.GenKeypair(0)
		if err != nil {
			t.Fatal(err)
		}
		id := roster.NodeID(i + 1)
		node := roster.Node{ID: id, SigningPK: spk, DHPK: dpk}
		nodes[i] = node
		ids[i] = &roster.Identity{Node: node, SigningSK: ssk, DHSK: dsk}
	}
	ros := &roster.Roster{Nodes: nodes, Topology: roster.BuildRing(idsOf(nodes)), Leader: nodes[0].ID}

	nets := make([]*netio.Network, n)
	rounds := make([]*Round, n)
	for i := 0; i < n; i++ {
		ep := fab.Endpoint(nodes[i].ID)
		net := netio.New(nodes[i].ID, ids[i], port, ros, ep)
		ep.Register(net.Deliver)
		nets[i] = net
		rounds[i] = New(port, net, nodes[i].ID, ros, ids[i], testMsgLen, nil)
	}
	return &harness{port: port, ros: ros, ids: ids, nets: nets, rounds: rounds}
}

func idsOf(nodes []roster.Node) []roster.NodeID {
	out := make([]roster.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func (h *harness) pollUntilDone(t *testing.T, maxRounds int) {
	t.Helper()
	for step := 0; step < maxRounds; step++ {
		allDone := true
		for _, r := range h.rounds {
			if r.Done() {
				continue
			}
			allDone = false
			if err := r.Poll(); err != nil {
				t.Fatalf("poll: %v", err)
			}
		}
		if allDone {
			return
		}
	}
	t.Fatalf("rounds did not converge within %d polling passes", maxRounds)
}

func TestShuffleAllHonestThreeNodes(t *testing.T) {
	h := buildHarness(t, 3)
	plaintexts := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for i, r := range h.rounds {
		if err := r.Submit(plaintexts[i]); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range h.rounds {
		if err := r.Start(); err != nil {
			t.Fatal(err)
		}
	}
	h.pollUntilDone(t, 200)

	for i, r := range h.rounds {
		if !r.success {
			t.Fatalf("node %d: round did not succeed, bad=%v", i, r.badMembers)
		}
		if len(r.plaintexts) != 3 {
			t.Fatalf("node %d: expected 3 plaintexts, got %d", i, len(r.plaintexts))
		}
	}

	got := map[string]bool{}
	for _, pt := range h.rounds[0].plaintexts {
		got[string(pt)] = true
	}
	for _, want := range plaintexts {
		if !got[string(want)] {
			t.Errorf("missing plaintext %q in output set", want)
		}
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	msg := []byte("hello world")
	padded, err := padPlaintext(msg, testMsgLen)
	if err != nil {
		t.Fatal(err)
	}
	if len(padded) != testMsgLen {
		t.Fatalf("expected padded length %d, got %d", testMsgLen, len(padded))
	}
	out, err := unpadPlaintext(padded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("roundtrip mismatch: got %q want %q", out, msg)
	}
}

func TestSubmitRejectsOversizePlaintext(t *testing.T) {
	h := buildHarness(t, 1)
	r := h.rounds[0]
	big := bytes.Repeat([]byte{0xAB}, testMsgLen)
	if err := r.Submit(big); err != ErrPlaintextTooLong {
		t.Fatalf("expected ErrPlaintextTooLong, got %v", err)
	}
}
