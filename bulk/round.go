package bulk

import (
	"bytes"
	"encoding/binary"

	"github.com/dedis/dissent/blame"
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/shuffle"
	"github.com/dedis/dissent/wire"
)

// PhaseState is BulkRound's sub-state within one DC-net phase (§4.4.3).
type PhaseState int

// Phase states, in their defined exit order.
const (
	ClientCiphertext PhaseState = iota
	ServerClientList
	ServerCommit
	ServerCiphertext
	ServerValidation
	PushCleartext
	PhaseDone
)

// SlotAssignment is one slot's public state plus (for at most one node)
// its private ownership, exactly what a prior ShuffleRound publishes
// (§4.3, §4.4.2): an anonymous signing key, and — known only to the
// owner — the matching private half.
type SlotAssignment struct {
	AnonPK  crypto.PublicKey
	OwnerSK *crypto.PrivateKey // nil unless this node owns the slot
}

// Delivered is one body this node received out of an open slot during a
// phase, handed to the session controller's sink (§4.5).
type Delivered struct {
	SlotIndex int
	Body      []byte
}

// Round drives one node's participation across a sequence of DC-net
// phases sharing one slot assignment (§4.4, "multiple phases...in
// sequence", the RepeatingBulkRound-style reuse documented alongside
// this package).
type Round struct {
	port     *crypto.Port
	net      *netio.Network
	self     roster.NodeID
	ros      *roster.Roster
	identity *roster.Identity

	servers []roster.NodeID
	clients []roster.NodeID
	isServer bool

	slots []Slot

	clientServerPRNG map[roster.NodeID]*crypto.PRNG // this client's PRNG per server, or this server's PRNG per client
	history          [][]int                        // slot_length history, one row per completed phase

	phase int
	state PhaseState

	// Per-phase scratch, reset by startPhase.
	submissions  map[roster.NodeID][]byte // server: client ciphertexts received this phase
	clientLists  map[roster.NodeID][]roster.NodeID
	commits      map[roster.NodeID][]byte
	serverCipher map[roster.NodeID][]byte
	sigs         map[roster.NodeID][]byte
	onlineClients map[roster.NodeID]bool
	myCiphertext []byte
	assignedClients map[roster.NodeID][]roster.NodeID // server only: clients assigned to me this phase

	cleartext []byte
	delivered []Delivered
	badMembers map[roster.NodeID]bool
	corruptSlots map[int]bool

	pendingBodies map[int][]byte

	blamer             *blame.Engine
	ownerSent          map[int][]byte          // this node's own last transmitted slot bytes, for FindEvidence
	pendingAccusations map[int]blame.Accusation // slots this node (as owner) is about to raise
	shuffleMeNext      map[int]bool             // slots whose next header must carry the shuffle-me bit

	done bool
}

// New constructs a BulkRound participant. initialLen is slot_length[0][*];
// every slot starts at the same length. blamer drives the §4.6.2
// accusation chain when a slot is flagged corrupt.
func New(port *crypto.Port, net *netio.Network, self roster.NodeID, ros *roster.Roster, identity *roster.Identity, assignments []SlotAssignment, initialLen int, blamer *blame.Engine) *Round {
	r := &Round{
		port: port, net: net, self: self, ros: ros, identity: identity,
		servers:            serversOf(ros),
		clients:             clientsOf(ros),
		clientServerPRNG:    make(map[roster.NodeID]*crypto.PRNG),
		badMembers:          make(map[roster.NodeID]bool),
		corruptSlots:        make(map[int]bool),
		blamer:              blamer,
		ownerSent:           make(map[int][]byte),
		pendingAccusations:  make(map[int]blame.Accusation),
		shuffleMeNext:       make(map[int]bool),
	}
	r.isServer = ros.IsServer(self)
	r.slots = make([]Slot, len(assignments))
	for i, a := range assignments {
		r.slots[i] = Slot{Length: initialLen, Open: false, AnonPK: a.AnonPK, OwnerSK: a.OwnerSK}
	}
	r.applyAlwaysOpen(0)

	if r.isServer {
		for _, n := range r.ros.Nodes {
			if n.ID == r.self || ros.IsServer(n.ID) {
				continue
			}
			seed := pairSeed(port, identity.DHSK, n.DHPK)
			r.clientServerPRNG[n.ID] = port.PRNGFromSeed(seed)
		}
	} else {
		for _, sid := range r.servers {
			node, _ := ros.Node(sid)
			seed := pairSeed(port, identity.DHSK, node.DHPK)
			r.clientServerPRNG[sid] = port.PRNGFromSeed(seed)
		}
	}
	net.StartIncoming("bulk")
	r.startPhase()
	return r
}

// applyAlwaysOpen derives every slot's Open bit purely from state every
// honest node agrees on (its current Length, per §4.4.4's accounting
// invariant) plus the rotating always-open slot, so no node's local
// ownership knowledge can desynchronize the shared Open vector (§4.4.2).
func (r *Round) applyAlwaysOpen(phase int) {
	always := alwaysOpenRotation(len(r.slots), phase)
	for i := range r.slots {
		if i == always && r.slots[i].Length == 0 {
			r.slots[i].Length = seedLen + headerLen
		}
		r.slots[i].Open = r.slots[i].Length > 0
	}
}

func (r *Round) assignedServer(client roster.NodeID) roster.NodeID {
	idx := 0
	for i, c := range r.clients {
		if c == client {
			idx = i
			break
		}
	}
	return r.servers[idx%len(r.servers)]
}

func (r *Round) startPhase() {
	r.state = ClientCiphertext
	dlog.Lvl3("node", r.self, "starting bulk phase", r.phase, "over", len(r.slots), "slots")
	r.submissions = make(map[roster.NodeID][]byte)
	r.clientLists = make(map[roster.NodeID][]roster.NodeID)
	r.commits = make(map[roster.NodeID][]byte)
	r.serverCipher = make(map[roster.NodeID][]byte)
	r.sigs = make(map[roster.NodeID][]byte)
	r.onlineClients = make(map[roster.NodeID]bool)
	r.myCiphertext = nil
	r.delivered = nil

	width := 0
	for _, s := range r.slots {
		width += s.Length
	}
	r.cleartext = make([]byte, width)

	lengths := make([]int, len(r.slots))
	for i, s := range r.slots {
		lengths[i] = s.Length
	}
	if r.phase >= len(r.history) {
		r.history = append(r.history, lengths)
	}

	if r.isServer {
		r.assignedClients = make(map[roster.NodeID][]roster.NodeID)
		for _, c := range r.clients {
			srv := r.assignedServer(c)
			r.assignedClients[srv] = append(r.assignedClients[srv], c)
		}
	}
}

// offsetFor returns the PRNG byte offset slot had consumed entering
// phase, per §4.4.4's accounting invariant. Accusation resolution is the
// one place this implementation needs that offset made explicit, rather
// than implicit in the sequence of prng.Generate calls: replaying a
// pairwise PRNG stream to re-derive a disputed bit (§4.6.2) requires
// seeking to an arbitrary past phase, not just advancing in step with
// the live round.
func (r *Round) offsetFor(phase, slot int) int {
	return padOffset(r.history, phase, slot)
}

// buildClientSubmission computes this client's full ciphertext across
// every open slot (§4.4.3 step 1).
func (r *Round) buildClientSubmission() ([]byte, error) {
	width := 0
	for _, s := range r.slots {
		width += s.Length
	}
	out := make([]byte, width)
	pos := 0
	for i, s := range r.slots {
		if !s.Open {
			continue
		}
		pad := make([]byte, s.Length)
		for _, srvID := range r.servers {
			prng := r.clientServerPRNG[srvID]
			chunk := prng.Generate(s.Length)
			xorInto(pad, 0, chunk)
		}
		if s.OwnerSK != nil {
			slotBytes, err := r.encodeSlot(i, s)
			if err != nil {
				return nil, err
			}
			r.ownerSent[i] = slotBytes
			xorInto(pad, 0, slotBytes)
		}
		copy(out[pos:pos+s.Length], pad)
		pos += s.Length
	}
	return out, nil
}

// encodeSlot builds one owned slot's transmitted bytes: seed ‖
// randomize(next_length ‖ accuse ‖ shuffle_me ‖ body ‖ signature)
// (§4.4.5). shuffleMeNext[idx] requests an accusation shuffle be raised
// once this transmission lands (§4.6.2).
func (r *Round) encodeSlot(idx int, s Slot) ([]byte, error) {
	body := r.pendingBodyForSlot(idx)
	nextLen := s.Length // always the current length; there is no resize input
	accuse := byte(0)
	if r.corruptSlots[idx] {
		accuse = 1
	}
	shuffleMe := byte(0)
	if r.shuffleMeNext[idx] {
		shuffleMe = 1
		delete(r.shuffleMeNext, idx)
	}

	header := make([]byte, headerLen)
	binary.BigEndian.PutUint32(header[:4], uint32(nextLen))
	header[4] = accuse
	header[5] = shuffleMe

	signable := append(append([]byte{}, header...), body...)
	sig, err := r.port.Sign(*s.OwnerSK, signable)
	if err != nil {
		return nil, err
	}
	payload := append(append([]byte{}, signable...), sig...)

	if s.Length < seedLen {
		return nil, ErrSlotTooShort
	}
	seed := r.port.StrongRNG(seedLen)
	cipher := r.port.Suite().Cipher(seed)
	avail := s.Length - seedLen
	fitted := zeroPad(payload, avail)
	randomized := make([]byte, avail)
	cipher.XORKeyStream(randomized, fitted)

	out := make([]byte, s.Length)
	copy(out[:seedLen], seed)
	copy(out[seedLen:], randomized)
	return out, nil
}

// pendingBodyForSlot returns the application body this node wants to
// push through its owned slot this phase. The session layer installs
// actual content via QueueBody; absent that, slots transmit silence.
func (r *Round) pendingBodyForSlot(idx int) []byte {
	if b, ok := r.pendingBodies[idx]; ok {
		delete(r.pendingBodies, idx)
		return b
	}
	return nil
}

// QueueBody schedules body to be transmitted through the local node's
// owned slot on its next open phase (§4.5's GetData pull, adapted to a
// push queue the round drains at submission time).
func (r *Round) QueueBody(slotIdx int, body []byte) {
	if r.pendingBodies == nil {
		r.pendingBodies = make(map[int][]byte)
	}
	r.pendingBodies[slotIdx] = body
}

func (r *Round) decodeSlot(idx int, raw []byte) (body []byte, nextLen int, accuse bool, shuffleMe bool, ok bool) {
	s := r.slots[idx]
	if len(raw) < seedLen {
		return nil, 0, false, false, false
	}
	seed := raw[:seedLen]
	randomized := raw[seedLen:]
	cipher := r.port.Suite().Cipher(seed)
	payload := make([]byte, len(randomized))
	cipher.XORKeyStream(payload, randomized)
	if len(payload) < headerLen {
		return nil, 0, false, false, false
	}
	header := payload[:headerLen]
	nextLen = int(binary.BigEndian.Uint32(header[:4]))
	accuse = header[4] != 0
	shuffleMe = header[5] != 0
	rest := payload[headerLen:]
	sigLen := r.port.SignatureLen()
	if len(rest) < sigLen {
		return nil, 0, false, false, false
	}
	body = rest[:len(rest)-sigLen]
	sig := rest[len(rest)-sigLen:]
	signable := append(append([]byte{}, header...), body...)
	if err := r.port.Verify(s.AnonPK, signable, sig); err != nil {
		return nil, nextLen, accuse, shuffleMe, false
	}
	return body, nextLen, accuse, shuffleMe, true
}

// Poll advances the bulk round by draining whatever messages are ready
// for the current sub-phase. Call repeatedly (alongside shuffle.Round's
// Poll, demultiplexed by the session controller) until PhaseComplete.
func (r *Round) Poll() error {
	if r.done {
		return nil
	}
	switch r.state {
	case ClientCiphertext:
		return r.pollClientCiphertext()
	case ServerClientList:
		return r.pollServerClientList()
	case ServerCommit:
		return r.pollServerCommit()
	case ServerCiphertext:
		return r.pollServerCiphertext()
	case ServerValidation:
		return r.pollServerValidation()
	case PushCleartext:
		return r.pollPushCleartext()
	}
	return nil
}

// PhaseComplete reports whether the current DC-net phase has finished
// (successfully or by blame); the session controller should then call
// NextPhase to continue the bulk round (§4.4, repeating-phase reuse).
func (r *Round) PhaseComplete() bool { return r.state == PhaseDone }

// NextPhase rotates always-open slots and starts the next phase.
func (r *Round) NextPhase() {
	r.phase++
	r.applyAlwaysOpen(r.phase)
	r.startPhase()
}

// Delivered returns the bodies recovered from open slots this phase.
func (r *Round) Delivered() []Delivered { return r.delivered }

// BadMembers returns every node id this round has locally implicated.
func (r *Round) BadMembers() []roster.NodeID {
	out := make([]roster.NodeID, 0, len(r.badMembers))
	for id := range r.badMembers {
		out = append(out, id)
	}
	return out
}

func (r *Round) pollClientCiphertext() error {
	if !r.isServer {
		if r.myCiphertext == nil {
			ct, err := r.buildClientSubmission()
			if err != nil {
				return err
			}
			r.myCiphertext = ct
			body, err := encodeMsg(wire.TypeBulkClientCiphertext, &clientCiphertextMsg{Phase: uint32(r.phase), Ciphertext: ct})
			if err != nil {
				return err
			}
			if err := r.net.Send(r.assignedServer(r.self), body); err != nil {
				return err
			}
		}
		r.state = ServerClientList
		return nil
	}

	for _, c := range r.assignedClients[r.self] {
		if _, ok := r.submissions[c]; ok {
			continue
		}
		var msg clientCiphertextMsg
		got, err := drain(r.net, c, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		r.submissions[c] = msg.Ciphertext
		r.onlineClients[c] = true
	}
	// CLIENT_SUBMISSION_WINDOW is modeled by the caller advancing the
	// round's scheduler; here we proceed once every assigned client has
	// either submitted or been externally marked offline via
	// ExcludeClient (§4.4.4).
	for _, c := range r.assignedClients[r.self] {
		if !r.onlineClients[c] {
			if _, excluded := r.submissions[c]; excluded {
				continue
			}
			return nil // still waiting
		}
	}
	return r.broadcastClientList()
}

// ExcludeClient marks client as not submitting this phase (its assigned
// server still advances its RNG in lockstep, §4.4.4).
func (r *Round) ExcludeClient(client roster.NodeID) {
	r.onlineClients[client] = false
	r.submissions[client] = nil
}

func drain(net *netio.Network, from roster.NodeID, out interface{}) (bool, error) {
	body, err := net.Recv(from)
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

func (r *Round) broadcastClientList() error {
	list := make([]roster.NodeID, 0, len(r.assignedClients[r.self]))
	for _, c := range r.assignedClients[r.self] {
		if r.onlineClients[c] {
			list = append(list, c)
		}
	}
	r.clientLists[r.self] = list
	ids := make([]int32, len(list))
	for i, id := range list {
		ids[i] = int32(id)
	}
	body, err := encodeMsg(wire.TypeBulkServerClientList, &serverClientListMsg{Phase: uint32(r.phase), Clients: ids})
	if err != nil {
		return err
	}
	r.state = ServerClientList
	return r.net.Broadcast(body)
}

func (r *Round) pollServerClientList() error {
	if !r.isServer {
		r.state = ServerCommit
		return nil
	}
	for _, sid := range r.servers {
		if _, ok := r.clientLists[sid]; ok {
			continue
		}
		var msg serverClientListMsg
		got, err := drain(r.net, sid, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		list := make([]roster.NodeID, len(msg.Clients))
		for i, id := range msg.Clients {
			list[i] = roster.NodeID(id)
		}
		r.clientLists[sid] = list
	}
	if len(r.clientLists) != len(r.servers) {
		return nil
	}
	seen := make(map[roster.NodeID]roster.NodeID)
	for srv, list := range r.clientLists {
		for _, c := range list {
			if prior, ok := seen[c]; ok && prior != srv {
				r.badMembers[c] = true
			}
			seen[c] = srv
		}
	}
	return r.computeServerCommit()
}

func (r *Round) computeServerCommit() error {
	width := len(r.cleartext)
	ct := make([]byte, width)
	for _, c := range r.clients {
		prng, ok := r.clientServerPRNG[c]
		if !ok {
			continue
		}
		onList := false
		for _, x := range r.clientLists[r.self] {
			if x == c {
				onList = true
			}
		}
		pos := 0
		for _, s := range r.slots {
			if !s.Open {
				continue
			}
			adv := prng.Generate(s.Length)
			if onList {
				xorInto(ct, pos, adv)
			}
			pos += s.Length
		}
	}
	r.serverCipher[r.self] = ct
	digest := r.port.Hash(ct)
	body, err := encodeMsg(wire.TypeBulkServerCommit, &serverCommitMsg{Phase: uint32(r.phase), Commit: digest[:]})
	if err != nil {
		return err
	}
	r.commits[r.self] = digest[:]
	r.state = ServerCommit
	return r.net.Broadcast(body)
}

func (r *Round) pollServerCommit() error {
	if !r.isServer {
		r.state = ServerCiphertext
		return nil
	}
	for _, sid := range r.servers {
		if _, ok := r.commits[sid]; ok {
			continue
		}
		var msg serverCommitMsg
		got, err := drain(r.net, sid, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		r.commits[sid] = msg.Commit
	}
	if len(r.commits) != len(r.servers) {
		return nil
	}
	body, err := encodeMsg(wire.TypeBulkServerCiphertext, &serverCiphertextMsg{Phase: uint32(r.phase), Ciphertext: r.serverCipher[r.self]})
	if err != nil {
		return err
	}
	r.state = ServerCiphertext
	return r.net.Broadcast(body)
}

func (r *Round) pollServerCiphertext() error {
	if !r.isServer {
		r.state = ServerValidation
		return nil
	}
	for _, sid := range r.servers {
		if _, ok := r.serverCipher[sid]; ok {
			continue
		}
		var msg serverCiphertextMsg
		got, err := drain(r.net, sid, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		digest := r.port.Hash(msg.Ciphertext)
		if !bytes.Equal(digest[:], r.commits[sid]) {
			r.badMembers[sid] = true
			continue
		}
		r.serverCipher[sid] = msg.Ciphertext
	}
	if len(r.serverCipher) != len(r.servers) {
		return nil
	}
	for i := range r.cleartext {
		r.cleartext[i] = 0
	}
	for _, c := range r.submissions {
		if c == nil {
			continue
		}
		xorInto(r.cleartext, 0, c)
	}
	for _, ct := range r.serverCipher {
		xorInto(r.cleartext, 0, ct)
	}
	sig, err := r.port.Sign(r.identity.SigningSK, r.cleartext)
	if err != nil {
		return err
	}
	r.sigs[r.self] = sig
	body, err := encodeMsg(wire.TypeBulkServerSig, &serverSigMsg{Phase: uint32(r.phase), Signature: sig})
	if err != nil {
		return err
	}
	r.state = ServerValidation
	return r.net.Broadcast(body)
}

func (r *Round) pollServerValidation() error {
	if !r.isServer {
		r.state = PushCleartext
		return nil
	}
	for _, sid := range r.servers {
		if _, ok := r.sigs[sid]; ok {
			continue
		}
		var msg serverSigMsg
		got, err := drain(r.net, sid, &msg)
		if err != nil {
			return err
		}
		if !got {
			continue
		}
		node, _ := r.ros.Node(sid)
		if err := r.port.Verify(node.SigningPK, r.cleartext, msg.Signature); err != nil {
			r.badMembers[sid] = true
			continue
		}
		r.sigs[sid] = msg.Signature
	}
	if len(r.sigs) != len(r.servers) {
		return nil
	}
	sigList := make([][]byte, 0, len(r.servers))
	for _, sid := range r.servers {
		sigList = append(sigList, r.sigs[sid])
	}
	for _, c := range r.assignedClients[r.self] {
		body, err := encodeMsg(wire.TypeBulkCleartext, &pushCleartextMsg{Phase: uint32(r.phase), Cleartext: r.cleartext, Signatures: sigList})
		if err != nil {
			return err
		}
		if err := r.net.Send(c, body); err != nil {
			return err
		}
	}
	r.state = PushCleartext
	return r.finishPhase()
}

func (r *Round) pollPushCleartext() error {
	if r.isServer {
		// Servers already finished in pollServerValidation.
		return nil
	}
	srv := r.assignedServer(r.self)
	var msg pushCleartextMsg
	got, err := drain(r.net, srv, &msg)
	if err != nil {
		return err
	}
	if !got {
		return nil
	}
	for _, sid := range r.servers {
		node, _ := r.ros.Node(sid)
		ok := false
		for _, sig := range msg.Signatures {
			if r.port.Verify(node.SigningPK, msg.Cleartext, sig) == nil {
				ok = true
				break
			}
		}
		if !ok {
			return ErrCleartextUnverified
		}
	}
	r.cleartext = msg.Cleartext
	return r.finishPhase()
}

func (r *Round) finishPhase() error {
	pos := 0
	nextLens := make([]int, len(r.slots))
	var triggered []int
	for i, s := range r.slots {
		nextLens[i] = s.Length
		if !s.Open {
			continue
		}
		raw := r.cleartext[pos : pos+s.Length]
		pos += s.Length
		body, nextLen, accuse, shuffleMe, ok := r.decodeSlot(i, raw)
		if !ok {
			if s.OwnerSK != nil {
				// Owner is online (it's us) and detected its own slot
				// corrupted: find the flipped bit and flag this slot to
				// raise an accusation shuffle next phase (§4.6.2).
				r.corruptSlots[i] = true
				if sent, have := r.ownerSent[i]; have {
					if acc, found := blame.FindEvidence(r.phase, sent, raw); found {
						acc.SlotIndex = i
						r.pendingAccusations[i] = acc
						r.shuffleMeNext[i] = true
					}
				}
			}
			continue
		}
		if nextLen > 0 {
			nextLens[i] = nextLen
		}
		if accuse {
			r.corruptSlots[i] = true
		}
		if shuffleMe {
			triggered = append(triggered, i)
		}
		if len(body) > 0 {
			r.delivered = append(r.delivered, Delivered{SlotIndex: i, Body: body})
		}
	}
	for i := range r.slots {
		r.slots[i].Length = nextLens[i]
	}
	r.state = PhaseDone
	if len(r.corruptSlots) > 0 {
		dlog.Lvl1("node", r.self, "phase", r.phase, "flagged", len(r.corruptSlots), "corrupt slots")
	}
	dlog.Lvl2("node", r.self, "phase", r.phase, "delivered", len(r.delivered), "bodies")
	if len(triggered) > 0 {
		return r.runAccusationShuffle(triggered)
	}
	return nil
}

// runAccusationShuffle drives §4.6.2's pinpoint chain: owners whose
// slots were flagged this phase feed their Accusation through a nested
// ShuffleRound over the same roster, anonymizing which node raised it;
// every published Accusation then runs the alibi/pinpoint/proof steps.
// Non-accusing nodes still participate in the nested shuffle (an empty
// submission, same convention the top-level round uses for "nothing to
// send") so the batch size — and therefore anonymity set — doesn't leak
// who's accusing.
func (r *Round) runAccusationShuffle(triggered []int) error {
	var payload []byte
	var mine blame.Accusation
	haveMine := false
	for _, idx := range triggered {
		acc, ok := r.pendingAccusations[idx]
		if !ok {
			continue
		}
		body, err := blame.EncodeAccusation(acc)
		if err != nil {
			return err
		}
		payload = body
		mine = acc
		haveMine = true
		delete(r.pendingAccusations, idx)
		break // one accusation per nested shuffle keeps pinpointing tractable
	}

	sh := shuffle.New(r.port, r.net, r.self, r.ros, r.identity, blame.AccusationWireLen, r.blamer)
	if err := sh.Submit(payload); err != nil {
		return err
	}
	if err := sh.Start(); err != nil {
		return err
	}
	for !sh.Done() {
		if err := sh.Poll(); err != nil {
			return err
		}
	}
	outcome := sh.Result()
	if !outcome.Success {
		for _, bad := range outcome.BadMembers {
			r.badMembers[bad] = true
		}
		return nil
	}

	for _, pt := range outcome.Plaintexts {
		acc, ok := blame.DecodeAccusation(pt)
		if !ok {
			continue
		}
		isMine := haveMine && acc == mine
		if err := r.resolveAccusation(acc, isMine); err != nil {
			return err
		}
	}
	return nil
}

// resolveAccusation runs one published Accusation's alibi exchange
// (§4.6.2) and, for the node that actually raised it, the DH tie-break
// that names the deviating server.
func (r *Round) resolveAccusation(acc blame.Accusation, isMine bool) error {
	if acc.SlotIndex < 0 || acc.SlotIndex >= len(r.slots) {
		return nil
	}
	var myBit bool
	if r.isServer {
		myBit = r.myAlibiBit(acc)
	}
	var expected map[roster.NodeID]bool
	if isMine {
		expected = r.expectedServerBits(acc)
	}
	pinpointed, found, err := r.blamer.RunAlibiExchange(acc, myBit, expected)
	if err != nil {
		return err
	}
	if isMine && found {
		dlog.Lvl1("node", r.self, "accusation alibis pinpoint server", pinpointed)
		return r.requestAndResolve(pinpointed)
	}
	if r.isServer {
		// Might be the pinpointed server; stand by for the accuser's
		// direct proof request.
		_, err := r.blamer.AwaitProofRequest(r.identity.DHSK, r.identity.DHPK)
		return err
	}
	return nil
}

// expectedServerBits replays this node's own pairwise PRNG with every
// server to the accused bit position, giving the accuser (and only the
// accuser — no one else shares these pairwise secrets) the reference
// values alibis are checked against (§4.6.2, §4.4.4).
func (r *Round) expectedServerBits(acc blame.Accusation) map[roster.NodeID]bool {
	offset := r.offsetFor(acc.Phase, acc.SlotIndex) + acc.Byte
	out := make(map[roster.NodeID]bool, len(r.servers))
	for _, sid := range r.servers {
		node, ok := r.ros.Node(sid)
		if !ok {
			continue
		}
		seed := pairSeed(r.port, r.identity.DHSK, node.DHPK)
		out[sid] = replayBit(r.port, seed, offset, acc.Bit)
	}
	return out
}

// myAlibiBit replays every client this server shares a pairwise PRNG
// with and XORs their contributions at the accused position, the bit a
// server honestly discloses as its own alibi (§4.6.2).
func (r *Round) myAlibiBit(acc blame.Accusation) bool {
	offset := r.offsetFor(acc.Phase, acc.SlotIndex) + acc.Byte
	bit := false
	for _, cid := range r.clients {
		node, ok := r.ros.Node(cid)
		if !ok {
			continue
		}
		seed := pairSeed(r.port, r.identity.DHSK, node.DHPK)
		if replayBit(r.port, seed, offset, acc.Bit) {
			bit = !bit
		}
	}
	return bit
}

// replayBit reseeds a fresh PRNG from seed and draws bytes up through
// offset, returning the bit at (offset, bitIndex) — the deterministic
// pad-offset replay §4.4.4/§4.6.2 require, independent of any live
// round's PRNG cursor.
func replayBit(port *crypto.Port, seed []byte, offset, bitIndex int) bool {
	prng := port.PRNGFromSeed(seed)
	buf := prng.Generate(offset + 1)
	return buf[offset]&(1<<uint(bitIndex)) != 0
}

// requestAndResolve runs the final §4.6.2 step: the accuser and the
// pinpointed server each publish a Chaum-Pedersen proof of their
// pairwise DH secret, and whichever proof fails to verify names the
// deviator.
func (r *Round) requestAndResolve(server roster.NodeID) error {
	node, ok := r.ros.Node(server)
	if !ok {
		return nil
	}
	shared := r.port.SharedPoint(r.identity.DHSK, node.DHPK)
	sharedB, err := shared.MarshalBinary()
	if err != nil {
		return err
	}
	myProof, err := r.port.ProveDH(r.identity.DHSK, r.identity.DHPK, node.DHPK, shared)
	if err != nil {
		return err
	}
	serverProof, got, err := r.blamer.RequestProof(server, sharedB, myProof)
	if err != nil || !got {
		return err
	}
	userOK, serverOK, err := blame.ResolveDHConflict(r.port, r.identity.DHPK, node.DHPK, myProof, serverProof, sharedB)
	if err != nil {
		return err
	}
	switch {
	case !serverOK:
		r.badMembers[server] = true
	case !userOK:
		r.badMembers[r.self] = true
	}
	dlog.Lvl1("node", r.self, "resolved bulk accusation against server", server, "serverOK=", serverOK, "userOK=", userOK)
	return nil
}
