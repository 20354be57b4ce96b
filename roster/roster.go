// Package roster implements the data model of §3: nodes, the roster they
// share, the server subgroup topology, and the Session/Round identifiers,
// lifecycle state enum and round outcome type. It mirrors the teacher's
// network.ServerIdentity / lib/sda.EntityList split between "who a peer
// is" and "the ordered group a round runs over", generalized from a
// spanning tree to Dissent's server-subgroup ring (§3, §4.3.2).
package roster

import (
	"fmt"

	"github.com/dedis/dissent/crypto"
)

// NodeID is a small integer participant identifier (§3).
type NodeID int

// Node is a participant: identified by a small integer id, carrying a
// long-term signing keypair and a long-term Diffie-Hellman keypair (§3).
// Only the public halves are shared in the roster; a node's own private
// halves live in its local Identity.
type Node struct {
	ID        NodeID
	SigningPK crypto.PublicKey
	DHPK      crypto.PublicKey
}

// Identity is the calling node's full keypair set, never shared.
type Identity struct {
	Node
	SigningSK crypto.PrivateKey
	DHSK      crypto.PrivateKey
}

// TopologyEntry is one position in the server subgroup ring (§3: "the
// subgroup order (topology: {node_id, next_id, prev_id})"). Terminal
// entries use NoNode as the sentinel matching §6's -1.
type TopologyEntry struct {
	NodeID NodeID
	NextID NodeID
	PrevID NodeID
}

// NoNode is the topology sentinel for "no next/prev" (§6's -1).
const NoNode NodeID = -1

// Roster is the full group view every honest node must agree on at round
// boundaries (§3 invariant, IP1).
type Roster struct {
	Nodes    []Node
	Topology []TopologyEntry // ordered server subgroup
	Leader   NodeID
}

// IsServer reports whether id appears in the server subgroup.
func (r *Roster) IsServer(id NodeID) bool {
	for _, t := range r.Topology {
		if t.NodeID == id {
			return true
		}
	}
	return false
}

// Servers returns the server subgroup node ids, in topology order.
func (r *Roster) Servers() []NodeID {
	out := make([]NodeID, len(r.Topology))
	for i, t := range r.Topology {
		out[i] = t.NodeID
	}
	return out
}

// Clients returns the roster minus the server subgroup (§4.4.1).
func (r *Roster) Clients() []NodeID {
	var out []NodeID
	for _, n := range r.Nodes {
		if !r.IsServer(n.ID) {
			out = append(out, n.ID)
		}
	}
	return out
}

// Node looks up a roster member by id.
func (r *Roster) Node(id NodeID) (Node, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks the §3 roster invariants: non-empty, totally-ordered,
// non-empty server subgroup.
func (r *Roster) Validate() error {
	if len(r.Nodes) == 0 {
		return fmt.Errorf("roster: empty roster")
	}
	if len(r.Topology) == 0 {
		return fmt.Errorf("roster: server subgroup must be non-empty")
	}
	seen := make(map[NodeID]bool, len(r.Topology))
	for _, t := range r.Topology {
		if seen[t.NodeID] {
			return fmt.Errorf("roster: duplicate topology entry for node %d", t.NodeID)
		}
		seen[t.NodeID] = true
	}
	return nil
}

// Remove returns a copy of the roster with id excluded from the node list
// and the server subgroup, relinking the ring so the subgroup stays
// totally ordered (§4.5 Blaming: "controller removes those ids from the
// roster"). SessionController calls this once per bad member and then
// re-enters Registering, so the ring only ever needs to stay valid, not
// preserve the evicted member's former neighbors.
func (r *Roster) Remove(id NodeID) *Roster {
	out := &Roster{Leader: r.Leader}
	for _, n := range r.Nodes {
		if n.ID != id {
			out.Nodes = append(out.Nodes, n)
		}
	}
	var servers []NodeID
	for _, t := range r.Topology {
		if t.NodeID != id {
			servers = append(servers, t.NodeID)
		}
	}
	out.Topology = BuildRing(servers)
	if out.Leader == id && len(out.Nodes) > 0 {
		out.Leader = out.Nodes[0].ID
	}
	return out
}

// BuildRing constructs a totally-ordered topology from a server id list,
// in the given order, with sentinel -1 terminals (§6 topology encoding).
func BuildRing(servers []NodeID) []TopologyEntry {
	topo := make([]TopologyEntry, len(servers))
	for i, id := range servers {
		t := TopologyEntry{NodeID: id, PrevID: NoNode, NextID: NoNode}
		if i > 0 {
			t.PrevID = servers[i-1]
		}
		if i < len(servers)-1 {
			t.NextID = servers[i+1]
		}
		topo[i] = t
	}
	return topo
}
