package blame

import (
	"bytes"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

// maxDisclosureRounds bounds the synchronous poll loop ReplayShuffle
// runs to collect every node's disclosure and hash table. Blame is a
// terminal, once-per-disagreement path (§4.6), not part of the
// steady-state cooperative tick loop, so a bounded synchronous wait here
// (rather than a Poll()-style resumption point) keeps the replay logic
// straightforward without reintroducing concurrency.
const maxDisclosureRounds = 10000

// Engine runs the blame subprotocol on behalf of one node (§4.6).
type Engine struct {
	port     *crypto.Port
	net      *netio.Network
	ros      *roster.Roster
	identity *roster.Identity
	self     roster.NodeID
}

// New constructs a blame Engine bound to one node's network view.
func New(port *crypto.Port, net *netio.Network, ros *roster.Roster, identity *roster.Identity, self roster.NodeID) *Engine {
	return &Engine{port: port, net: net, ros: ros, identity: identity, self: self}
}

// ReplayShuffle implements shuffle.BlameReplay (structurally — this
// package never imports package shuffle, avoiding a cycle, since both
// follow the same wire convention independently per §6).
func (e *Engine) ReplayShuffle(myLog []netio.LogEntry, revealedOuterSKs map[roster.NodeID]crypto.PrivateKey) (roster.NodeID, error) {
	dlog.Lvl1("node", e.self, "replaying shuffle log with", len(myLog), "entries")
	disclosures, err := e.exchangeDisclosures(myLog, revealedOuterSKs)
	if err != nil {
		dlog.Errorf("node %v disclosure exchange failed: %v", e.self, err)
		return roster.NoNode, err
	}

	if bad, found := e.checkEquivocation(disclosures); found {
		dlog.Lvl1("node", e.self, "equivocation check implicated", bad)
		return bad, nil
	}
	bad, err := e.localReplay(disclosures)
	if err == nil {
		dlog.Lvl1("node", e.self, "local replay implicated", bad)
	}
	return bad, err
}

type disclosure struct {
	hasOuterPriv bool
	outerSK      crypto.PrivateKey
	log          []netio.LogEntry
	sig          []byte
	raw          disclosureMsg
}

func (e *Engine) exchangeDisclosures(myLog []netio.LogEntry, revealedOuterSKs map[roster.NodeID]crypto.PrivateKey) (map[roster.NodeID]disclosure, error) {
	mySK, hasSK := revealedOuterSKs[e.self]
	msg := disclosureMsg{HasOuterPriv: hasSK, Log: toWireLog(myLog)}
	if hasSK {
		ob, err := mySK.Secret.MarshalBinary()
		if err != nil {
			return nil, err
		}
		msg.OuterPriv = ob
	}
	toSign := e.port.Hash(msg.OuterPriv, concatLog(msg.Log))
	sig, err := e.port.Sign(e.identity.SigningSK, toSign[:])
	if err != nil {
		return nil, err
	}
	msg.Sig = sig

	body, err := encodeMsg(wire.TypeBlameDisclosure, &msg)
	if err != nil {
		return nil, err
	}
	if err := e.net.Broadcast(body); err != nil {
		return nil, err
	}

	out := map[roster.NodeID]disclosure{
		e.self: {hasOuterPriv: hasSK, outerSK: mySK, log: myLog, sig: sig, raw: msg},
	}
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
				return nil, err
			}
			var d disclosureMsg
			if _, err := decodeMsg(recvBody, &d); err != nil {
				continue
			}
			var sk crypto.PrivateKey
			if d.HasOuterPriv {
				sc := e.port.Suite().Scalar()
				if err := sc.UnmarshalBinary(d.OuterPriv); err == nil {
					sk = crypto.PrivateKey{Secret: sc}
				}
			}
			out[id] = disclosure{hasOuterPriv: d.HasOuterPriv, outerSK: sk, log: fromWireLog(d.Log), sig: d.Sig, raw: d}
			delete(remaining, id)
		}
	}
	return out, nil
}

func concatLog(entries []logEntryWire) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e.Signed)
	}
	return buf.Bytes()
}

// checkEquivocation broadcasts and cross-checks a hash table of every
// disclosure this node received; any discloser whose reported hash
// disagrees across nodes is bad (§4.6.1).
func (e *Engine) checkEquivocation(disclosures map[roster.NodeID]disclosure) (roster.NodeID, bool) {
	mine := hashTableMsg{}
	for id, d := range disclosures {
		h := e.port.Hash(d.raw.OuterPriv, concatLog(d.raw.Log))
		mine.Entries = append(mine.Entries, hashEntry{Discloser: int32(id), Hash: h[:]})
	}
	body, err := encodeMsg(wire.TypeBlameHashTable, &mine)
	if err != nil {
		return roster.NoNode, false
	}
	if err := e.net.Broadcast(body); err != nil {
		return roster.NoNode, false
	}

	reported := map[roster.NodeID]map[roster.NodeID][]byte{}
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
				continue
			}
			var ht hashTableMsg
			if _, err := decodeMsg(recvBody, &ht); err != nil {
				continue
			}
			m := map[roster.NodeID][]byte{}
			for _, entry := range ht.Entries {
				m[roster.NodeID(entry.Discloser)] = entry.Hash
			}
			reported[id] = m
			delete(remaining, id)
		}
	}

	for discloser := range disclosures {
		var ref []byte
		for _, m := range reported {
			h, ok := m[discloser]
			if !ok {
				continue
			}
			if ref == nil {
				ref = h
				continue
			}
			if !bytes.Equal(ref, h) {
				return discloser, true
			}
		}
	}
	return roster.NoNode, false
}

// localReplay performs the deterministic per-node checks of §4.6.1 once
// no equivocation was found in the hash-table cross-check.
func (e *Engine) localReplay(disclosures map[roster.NodeID]disclosure) (roster.NodeID, error) {
	for _, t := range e.ros.Topology {
		d, ok := disclosures[t.NodeID]
		if !ok || !d.hasOuterPriv {
			return t.NodeID, nil // missing key log entry / missing disclosure
		}
		var announcedOuter keyShareWire
		found := false
		for _, entry := range d.log {
			header, rest, err := wire.DecodeHeader(entry.Signed)
			if err != nil || uint32(len(rest)) < header.Len {
				continue
			}
			body := rest[:header.Len]
			if header.From != t.NodeID {
				continue
			}
			typ, err := decodeMsg(body, &announcedOuter)
			if err != nil || typ != wire.TypeShuffleKey {
				continue
			}
			found = true
			break
		}
		if !found {
			return t.NodeID, nil
		}
		var announcedPK crypto.PublicKey
		if err := announcedPK.UnmarshalBinary(e.port.Suite(), announcedOuter.OuterPub); err != nil {
			return t.NodeID, nil
		}
		derivedPub := e.port.Suite().Point().Mul(nil, d.outerSK.Secret)
		if !derivedPub.Equal(announcedPK.Point) {
			return t.NodeID, nil // outer private does not match announced outer public
		}
	}

	for i := 0; i+1 < len(e.ros.Topology); i++ {
		a := e.ros.Topology[i].NodeID
		b := e.ros.Topology[i+1].NodeID
		sentByA, ok1 := lastShuffleBlobFrom(disclosures[a].log, a)
		recvByB, ok2 := lastShuffleBlobFrom(disclosures[b].log, a)
		if ok1 && ok2 && !bytes.Equal(sentByA, recvByB) {
			return a, nil // ciphertext modified between one server's output and the next server's input
		}
	}
	return roster.NoNode, nil
}

// lastShuffleBlobFrom finds the most recent ShuffleBlob body in log that
// the wire header attributes to sender.
func lastShuffleBlobFrom(log []netio.LogEntry, sender roster.NodeID) ([]byte, bool) {
	var last []byte
	found := false
	for _, entry := range log {
		header, rest, err := wire.DecodeHeader(entry.Signed)
		if err != nil || header.From != sender || uint32(len(rest)) < header.Len {
			continue
		}
		body := rest[:header.Len]
		if t, err := wire.MsgType(body); err != nil || t != wire.TypeShuffleBlob {
			continue
		}
		last = body
		found = true
	}
	return last, found
}
