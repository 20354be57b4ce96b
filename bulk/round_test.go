package bulk

import (
	"testing"

	"github.com/dedis/dissent/blame"
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/localnet"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
)

const testSlotLen = 64

type node struct {
	id  roster.NodeID
	ident *roster.Identity
	net *netio.Network
	round *Round
}

func buildBulkHarness(t *testing.T, numServers, numClients int) (*roster.Roster, []*node, *crypto.Port) {
	t.Helper()
	port := crypto.NewPort()
	fab := localnet.NewFabric()

	total := numServers + numClients
	nodes := make([]roster.Node, total)
	idents := make([]*roster.Identity, total)
	for i := 0; i < total; i++ {
		ssk, spk, _ := port.GenKeypair(0)
		dsk, dpk, _ := port.GenKeypair(0)
		id := roster.NodeID(i + 1)
		n := roster.Node{ID: id, SigningPK: spk, DHPK: dpk}
		nodes[i] = n
		idents[i] = &roster.Identity{Node: n, SigningSK: ssk, DHSK: dsk}
	}
	servers := make([]roster.NodeID, numServers)
	for i := 0; i < numServers; i++ {
		servers[i] = nodes[i].ID
	}
	ros := &roster.Roster{Nodes: nodes, Topology: roster.BuildRing(servers), Leader: nodes[0].ID}

	// One slot per client, owned anonymously.
	anonPubs := make([]crypto.PublicKey, numClients)
	anonPrivs := make([]crypto.PrivateKey, numClients)
	for s := 0; s < numClients; s++ {
		sk, pk, _ := port.GenKeypair(0)
		anonPrivs[s] = sk
		anonPubs[s] = pk
	}

	ns := make([]*node, total)
	for i := 0; i < total; i++ {
		ep := fab.Endpoint(nodes[i].ID)
		net := netio.New(nodes[i].ID, idents[i], port, ros, ep)
		ep.Register(net.Deliver)

		assignments := make([]SlotAssignment, numClients)
		for s := 0; s < numClients; s++ {
			owns := i == numServers+s
			sk := anonPrivs[s]
			assignments[s] = SlotAssignment{AnonPK: anonPubs[s]}
			if owns {
				assignments[s].OwnerSK = &sk
			}
		}
		ns[i] = &node{id: nodes[i].ID, ident: idents[i], net: net}
		blamer := blame.New(port, net, ros, idents[i], nodes[i].ID)
		ns[i].round = New(port, net, nodes[i].ID, ros, idents[i], assignments, testSlotLen, blamer)
	}
	return ros, ns, port
}

func pollAllBulk(t *testing.T, ns []*node, maxSteps int) {
	t.Helper()
	for step := 0; step < maxSteps; step++ {
		allDone := true
		for _, n := range ns {
			if n.round.PhaseComplete() {
				continue
			}
			allDone = false
			if err := n.round.Poll(); err != nil {
				t.Fatalf("node %d poll: %v", n.id, err)
			}
		}
		if allDone {
			return
		}
	}
	t.Fatalf("bulk phase did not converge within %d steps", maxSteps)
}

func TestBulkPhaseAllHonestDelivers(t *testing.T) {
	_, ns, _ := buildBulkHarness(t, 2, 2)

	// Client at index 2 (first client) queues a message into its owned slot.
	ns[2].round.QueueBody(0, []byte("hello anon"))

	pollAllBulk(t, ns, 200)

	for _, n := range ns {
		if len(n.badMembers()) != 0 {
			t.Fatalf("node %d unexpectedly flagged bad members: %v", n.id, n.badMembers())
		}
	}

	found := false
	for _, n := range ns {
		for _, d := range n.round.Delivered() {
			if d.SlotIndex == 0 && string(d.Body) == "hello anon" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected delivered body in slot 0 across at least one node")
	}
}

func (n *node) badMembers() []roster.NodeID { return n.round.BadMembers() }
