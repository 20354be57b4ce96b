// Package shuffle implements ShuffleRound (§4.3): one permutation of N
// fixed-size ciphertexts via two-layer onion encryption, sequential
// permutation by the server subgroup, go/no-go verification, and key
// release. Grounded on the teacher's protocols/randhound (handler-style
// message processing over a crypto abstract.Suite) and the original
// source's ShuffleRound.cpp/NeffShuffleRound.hpp phase structure, adapted
// from a tree-addressed protocol instance to Dissent's flat roster +
// topology ring.
package shuffle

import (
	"bytes"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

// State is the ShuffleRound state machine's current phase (§4.3.1).
type State int

// Shuffle round states, in their defined exit order (§4.3.1).
const (
	KeySharing State = iota
	DataSubmission
	ShuffleState
	Verification
	PrivateKeySharing
	Decryption
	Blame
	Done
)

// BlameReplay is the narrow surface ShuffleRound needs from package
// blame to resolve a disagreement it cannot attribute locally (§4.6.1).
// Kept as an interface here rather than importing package blame
// directly; package bulk, which imports both, is what drives nested
// shuffle rounds for bulk accusations (§4.6.2).
type BlameReplay interface {
	ReplayShuffle(log []netio.LogEntry, revealedOuterSKs map[roster.NodeID]crypto.PrivateKey) (roster.NodeID, error)
}

// Round drives one node's participation in one shuffle (§4.3).
type Round struct {
	port     *crypto.Port
	net      *netio.Network
	self     roster.NodeID
	ros      *roster.Roster
	identity *roster.Identity
	msgLen   int
	blamer   BlameReplay

	state    State
	isServer bool
	topology []roster.TopologyEntry
	myTopoIdx int // -1 if client

	innerSK crypto.PrivateKey
	innerPK crypto.PublicKey
	outerSK crypto.PrivateKey
	outerPK crypto.PublicKey

	innerPubs map[roster.NodeID]crypto.PublicKey
	outerPubs map[roster.NodeID]crypto.PublicKey

	myPlaintext []byte
	myInnerOnion []byte // onion after the inner loop, before the outer loop (§4.3's VERIFICATION search key)

	submissions     map[roster.NodeID][]byte
	submissionOrder []roster.NodeID

	localBlameFlag bool // duplicate ciphertext seen while this node was the acting shuffler

	broadcastSet []byte // not written by any code path; batchSet holds VERIFICATION's input set
	batchSet     [][]byte

	myVote      bool
	myStateHash crypto.Digest
	votes       map[roster.NodeID]bool
	voteHashes  map[roster.NodeID]crypto.Digest

	revealedInnerSK map[roster.NodeID]crypto.PrivateKey

	badMembers map[roster.NodeID]bool
	plaintexts [][]byte
	success    bool
	done       bool
}

// New constructs a ShuffleRound participant. The server subgroup ring is
// taken from ros.Topology; msgLen is L_msg (§3).
func New(port *crypto.Port, net *netio.Network, self roster.NodeID, ros *roster.Roster, identity *roster.Identity, msgLen int, blamer BlameReplay) *Round {
	r := &Round{
		port: port, net: net, self: self, ros: ros, identity: identity, msgLen: msgLen, blamer: blamer,
		topology:        ros.Topology,
		innerPubs:       make(map[roster.NodeID]crypto.PublicKey),
		outerPubs:       make(map[roster.NodeID]crypto.PublicKey),
		submissions:     make(map[roster.NodeID][]byte),
		votes:           make(map[roster.NodeID]bool),
		voteHashes:      make(map[roster.NodeID]crypto.Digest),
		revealedInnerSK: make(map[roster.NodeID]crypto.PrivateKey),
		badMembers:      make(map[roster.NodeID]bool),
	}
	r.myTopoIdx = -1
	for i, t := range r.topology {
		if t.NodeID == self {
			r.isServer = true
			r.myTopoIdx = i
		}
	}
	return r
}

// Submit records the L_msg-constrained plaintext this node will place
// into a slot (§3). Plaintexts longer than L_msg-4 bytes are rejected
// with ErrPlaintextTooLong; shorter ones are padded to L_msg later.
func (r *Round) Submit(plaintext []byte) error {
	if len(plaintext) > r.msgLen-4 {
		return ErrPlaintextTooLong
	}
	r.myPlaintext = plaintext
	return nil
}

// Done reports whether the round has reached a terminal state.
func (r *Round) Done() bool { return r.done }

// Result returns the terminal outcome; valid only once Done() is true.
func (r *Round) Result() roster.RoundOutcome {
	return roster.RoundOutcome{Success: r.success, Plaintexts: r.plaintexts, BadMembers: keys(r.badMembers)}
}

func keys(m map[roster.NodeID]bool) []roster.NodeID {
	out := make([]roster.NodeID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Start begins KEY_SHARING: the node installs its network listener, and
// servers broadcast their fresh inner/outer keypairs (§4.3.1).
func (r *Round) Start() error {
	r.net.StartIncoming("shuffle")
	if r.isServer {
		isk, ipk, err := r.port.GenKeypair(1024)
		if err != nil {
			return err
		}
		osk, opk, err := r.port.GenKeypair(1024)
		if err != nil {
			return err
		}
		r.innerSK, r.innerPK = isk, ipk
		r.outerSK, r.outerPK = osk, opk

		ib, _ := r.innerPK.MarshalBinary()
		ob, _ := r.outerPK.MarshalBinary()
		body, err := encodeMsg(wire.TypeShuffleKey, &keyShareMsg{InnerPub: ib, OuterPub: ob})
		if err != nil {
			return err
		}
		// Record our own keys locally too, same as every other server
		// will once they receive this broadcast.
		r.innerPubs[r.self] = ipk
		r.outerPubs[r.self] = opk
		return r.net.Broadcast(body)
	}
	return nil
}

// Poll drains available messages and advances the state machine by at
// most one phase transition. The caller (session controller or a test
// harness) re-invokes Poll until Done() — the single suspension point of
// §5's cooperative model, made explicit for testability.
func (r *Round) Poll() error {
	if r.done {
		return nil
	}
	switch r.state {
	case KeySharing:
		return r.pollKeySharing()
	case DataSubmission:
		return r.pollDataSubmission()
	case ShuffleState:
		return r.pollShuffle()
	case Verification:
		return r.pollVerification()
	case PrivateKeySharing:
		return r.pollPrivateKeySharing()
	case Decryption:
		return r.runDecryption()
	case Blame:
		return r.runBlame()
	}
	return nil
}

func (r *Round) allNodeIDs() []roster.NodeID {
	out := make([]roster.NodeID, len(r.ros.Nodes))
	for i, n := range r.ros.Nodes {
		out[i] = n.ID
	}
	return out
}

func (r *Round) drain(from roster.NodeID, out interface{}) (bool, error) {
	body, err := r.net.Recv(from)
	if err == netio.ErrNotReady {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := decodeMsg(body, out); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Round) pollKeySharing() error {
	for _, id := range r.topology {
		if _, ok := r.innerPubs[id.NodeID]; ok {
			continue
		}
		var msg keyShareMsg
		got, err := r.drain(id.NodeID, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		var ipk, opk crypto.PublicKey
		if err := ipk.UnmarshalBinary(r.port.Suite(), msg.InnerPub); err != nil {
			r.badMembers[id.NodeID] = true
			continue
		}
		if err := opk.UnmarshalBinary(r.port.Suite(), msg.OuterPub); err != nil {
			r.badMembers[id.NodeID] = true
			continue
		}
		r.innerPubs[id.NodeID] = ipk
		r.outerPubs[id.NodeID] = opk
	}
	if len(r.innerPubs) == len(r.topology) {
		return r.enterDataSubmission()
	}
	return nil
}

func (r *Round) orderedPubs(m map[roster.NodeID]crypto.PublicKey) []crypto.PublicKey {
	out := make([]crypto.PublicKey, len(r.topology))
	for i, t := range r.topology {
		out[i] = m[t.NodeID]
	}
	return out
}

func (r *Round) enterDataSubmission() error {
	r.state = DataSubmission
	dlog.Lvl3("node", r.self, "entering DataSubmission")

	padded, err := padPlaintext(r.myPlaintext, r.msgLen)
	if err != nil {
		return err
	}
	innerPubsOrdered := r.orderedPubs(r.innerPubs)
	outerPubsOrdered := r.orderedPubs(r.outerPubs)

	innerOnion, err := onionEncrypt(r.port, padded, innerPubsOrdered, nil)
	if err != nil {
		return err
	}
	r.myInnerOnion = innerOnion

	ct, err := onionEncrypt(r.port, innerOnion, nil, outerPubsOrdered)
	if err != nil {
		return err
	}

	body, err := encodeMsg(wire.TypeShuffleData, &dataSubmissionMsg{Ciphertext: ct})
	if err != nil {
		return err
	}
	firstServer := r.topology[0].NodeID
	if r.self == firstServer {
		r.submissions[r.self] = ct
		r.submissionOrder = append(r.submissionOrder, r.self)
		return nil
	}
	return r.net.Send(firstServer, body)
}

func (r *Round) pollDataSubmission() error {
	if r.self != r.topology[0].NodeID {
		// Non-first-server nodes have nothing to collect; they wait for
		// the eventual broadcast in SHUFFLE/VERIFICATION.
		return r.maybeAdvanceToShuffleListener()
	}
	for _, id := range r.allNodeIDs() {
		if _, ok := r.submissions[id]; ok {
			continue
		}
		var msg dataSubmissionMsg
		got, err := r.drain(id, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		r.submissions[id] = msg.Ciphertext
		r.submissionOrder = append(r.submissionOrder, id)
	}
	if len(r.submissions) == len(r.ros.Nodes) {
		batch := make([][]byte, 0, len(r.submissionOrder))
		for _, id := range r.submissionOrder {
			batch = append(batch, r.submissions[id])
		}
		return r.actAsShuffler(batch)
	}
	return nil
}

// maybeAdvanceToShuffleListener lets non-acting nodes keep polling for the
// eventual SHUFFLE broadcast while DATA_SUBMISSION is still in progress
// elsewhere.
func (r *Round) maybeAdvanceToShuffleListener() error {
	r.state = ShuffleState
	return r.pollShuffle()
}

func hasDuplicate(batch [][]byte) bool {
	seen := make(map[string]bool, len(batch))
	for _, ct := range batch {
		if ct == nil {
			continue
		}
		key := string(ct)
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

// actAsShuffler performs this server's SHUFFLE turn on batch: peel this
// server's outer layer, permute, and forward (or broadcast, if last in
// topology) (§4.3.1, §4.3.2).
func (r *Round) actAsShuffler(batch [][]byte) error {
	r.state = ShuffleState

	if hasDuplicate(batch) {
		r.localBlameFlag = true
	}

	peeled, failed := peelOuterLayer(r.port, r.outerSK, batch)
	for _, idx := range failed {
		// The originator can't yet be named with certainty at this
		// ciphertext position (the batch may already be permuted from a
		// prior server's turn); blame's replay resolves it precisely.
		r.localBlameFlag = true
		_ = idx
	}
	var clean [][]byte
	for _, ct := range peeled {
		if ct != nil {
			clean = append(clean, ct)
		}
	}

	permuted := fisherYates(r.port, clean)

	if r.myTopoIdx == len(r.topology)-1 {
		body, err := encodeMsg(wire.TypeShuffleBlob, &shuffleBatchMsg{Batch: permuted})
		if err != nil {
			return err
		}
		r.batchSet = permuted
		return r.net.Broadcast(body)
	}
	next := r.topology[r.myTopoIdx+1].NodeID
	body, err := encodeMsg(wire.TypeShuffleBlob, &shuffleBatchMsg{Batch: permuted})
	if err != nil {
		return err
	}
	return r.net.Send(next, body)
}

// fisherYates performs a uniform random permutation using StrongRNG
// (§4.3.2). Servers must not reuse or log this permutation after
// DECRYPTION succeeds.
func fisherYates(port *crypto.Port, in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	copy(out, in)
	for i := len(out) - 1; i > 0; i-- {
		b := port.StrongRNG(4)
		j := int(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3])) % (i + 1)
		if j < 0 {
			j = -j
		}
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (r *Round) pollShuffle() error {
	if r.myTopoIdx >= 0 {
		prev := r.prevInTopology()
		if prev != roster.NoNode {
			var msg shuffleBatchMsg
			got, err := r.drain(prev, &msg)
			if err != nil {
				return err
			}
			if got {
				return r.actAsShuffler(msg.Batch)
			}
		}
	}
	// Everyone (including the last server right after it broadcasts)
	// watches for the final broadcast set.
	last := r.topology[len(r.topology)-1].NodeID
	if last == r.self && r.batchSet != nil {
		return r.enterVerification(r.batchSet)
	}
	var msg shuffleBatchMsg
	got, err := r.drain(last, &msg)
	if err != nil {
		return err
	}
	if got {
		return r.enterVerification(msg.Batch)
	}
	return nil
}

func (r *Round) prevInTopology() roster.NodeID {
	if r.myTopoIdx <= 0 {
		return roster.NoNode
	}
	return r.topology[r.myTopoIdx-1].NodeID
}

func (r *Round) enterVerification(finalSet [][]byte) error {
	r.state = Verification
	r.batchSet = finalSet
	dlog.Lvl3("node", r.self, "entering Verification over", len(finalSet), "ciphertexts")

	found := false
	for _, ct := range finalSet {
		if bytes.Equal(ct, r.myInnerOnion) {
			found = true
			break
		}
	}

	ih := r.port.IncrementalHash()
	for _, t := range r.topology {
		ib, _ := r.innerPubs[t.NodeID].MarshalBinary()
		ih.Update(ib)
	}
	for _, t := range r.topology {
		ob, _ := r.outerPubs[t.NodeID].MarshalBinary()
		ih.Update(ob)
	}
	for _, ct := range finalSet {
		ih.Update(ct)
	}
	r.myStateHash = ih.Snapshot()

	r.myVote = found && !r.localBlameFlag
	r.votes[r.self] = r.myVote
	r.voteHashes[r.self] = r.myStateHash

	body, err := encodeMsg(wire.TypeShuffleVote, &voteMsg{Go: r.myVote, StateHash: r.myStateHash[:]})
	if err != nil {
		return err
	}
	return r.net.Broadcast(body)
}

func (r *Round) pollVerification() error {
	for _, id := range r.allNodeIDs() {
		if id == r.self {
			continue
		}
		if _, ok := r.votes[id]; ok {
			continue
		}
		var msg voteMsg
		got, err := r.drain(id, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		var d crypto.Digest
		copy(d[:], msg.StateHash)
		r.votes[id] = msg.Go
		r.voteHashes[id] = d
	}
	if len(r.votes) != len(r.ros.Nodes) {
		return nil
	}
	allGo := true
	for _, v := range r.votes {
		if !v {
			allGo = false
		}
	}
	agree := true
	for _, h := range r.voteHashes {
		if h != r.myStateHash {
			agree = false
		}
	}
	if !allGo || !agree {
		r.state = Blame
		return r.runBlame()
	}
	if r.isServer {
		return r.enterPrivateKeySharing()
	}
	r.state = PrivateKeySharing
	return nil
}

func (r *Round) enterPrivateKeySharing() error {
	r.state = PrivateKeySharing
	ib, err := r.innerSK.Secret.MarshalBinary()
	if err != nil {
		return err
	}
	body, err := encodeMsg(wire.TypeShuffleInnerKey, &innerKeyMsg{InnerPriv: ib})
	if err != nil {
		return err
	}
	r.revealedInnerSK[r.self] = r.innerSK
	return r.net.Broadcast(body)
}

func (r *Round) pollPrivateKeySharing() error {
	for _, t := range r.topology {
		if _, ok := r.revealedInnerSK[t.NodeID]; ok {
			continue
		}
		var msg innerKeyMsg
		got, err := r.drain(t.NodeID, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		sc := r.port.Suite().Scalar()
		if err := sc.UnmarshalBinary(msg.InnerPriv); err != nil {
			r.badMembers[t.NodeID] = true
			continue
		}
		pub := r.port.Suite().Point().Mul(nil, sc)
		if !pub.Equal(r.innerPubs[t.NodeID].Point) {
			r.badMembers[t.NodeID] = true
			r.state = Blame
			return r.runBlame()
		}
		r.revealedInnerSK[t.NodeID] = crypto.PrivateKey{Secret: sc}
	}
	if len(r.revealedInnerSK) == len(r.topology) {
		r.state = Decryption
		return r.runDecryption()
	}
	return nil
}

func (r *Round) runDecryption() error {
	skOrder := make([]crypto.PrivateKey, len(r.topology))
	for i, t := range r.topology {
		skOrder[i] = r.revealedInnerSK[t.NodeID]
	}
	plaintexts := make([][]byte, 0, len(r.batchSet))
	for _, ct := range r.batchSet {
		pt, err := peelInnerLayers(r.port, skOrder, ct)
		if err != nil {
			r.state = Blame
			return r.runBlame()
		}
		plaintexts = append(plaintexts, pt)
	}
	r.plaintexts = plaintexts
	r.success = true
	r.done = true
	dlog.Lvl2("node", r.self, "decryption recovered", len(plaintexts), "plaintexts")
	r.zeroKeys()
	return nil
}

func (r *Round) runBlame() error {
	r.state = Blame
	dlog.Lvl1("node", r.self, "entering Blame")
	outerSKs := map[roster.NodeID]crypto.PrivateKey{r.self: r.outerSK}
	if r.blamer != nil {
		bad, err := r.blamer.ReplayShuffle(r.net.LogView(), outerSKs)
		if err == nil {
			r.badMembers[bad] = true
			dlog.Lvl1("node", r.self, "blame replay implicated", bad)
		} else {
			dlog.Errorf("node %v blame replay failed: %v", r.self, err)
		}
	}
	r.success = false
	r.done = true
	r.zeroKeys()
	return nil
}

// zeroKeys destroys per-round key material on termination (§3, §5).
func (r *Round) zeroKeys() {
	r.innerSK = crypto.PrivateKey{}
	r.outerSK = crypto.PrivateKey{}
}
