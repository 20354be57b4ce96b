// Package session implements SessionController (§4.5): the single
// top-level state machine that admits peers, sequences rounds, and
// demultiplexes shuffle/bulk/blame messages for one node. Grounded on
// the teacher's lib/sda.Host/Node split between "who's in the group" and
// "what's running now", adapted from its tree-based protocol instances
// to Dissent's flat roster and round-by-round restart-on-blame model.
package session

import (
	"github.com/dedis/dissent/blame"
	"github.com/dedis/dissent/bulk"
	"github.com/dedis/dissent/config"
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/sched"
	"github.com/dedis/dissent/shuffle"
)

// MinRoundSize and PeerJoinDelay bound Registering (§4.5); callers
// supply their own policy via Controller fields, these are just the
// zero-value fallbacks.
const (
	defaultMinRoundSize  = 3
	defaultPeerJoinDelay = 0
)

// Controller drives one node's lifecycle across Offline → Registering →
// RoundActive → {RoundActive, Blaming, Finished} (§4.5).
type Controller struct {
	port     *crypto.Port
	net      *netio.Network
	identity *roster.Identity
	self     roster.NodeID
	sched    sched.Scheduler

	ros          *roster.Roster
	MinRoundSize int
	PeerJoinDelay sched.Token

	// ProtocolVersion selects whether a round stops at the shuffle
	// (ShuffleOnly) or feeds a successful shuffle's BulkDescriptors into
	// a follow-on BulkRound (V1ShuffleBulk), §6.
	ProtocolVersion config.ProtocolVersion

	state        roster.SessionState
	sessionID    roster.SessionID
	roundCounter uint64

	sendQueue    [][]byte
	committed    int // prefix of sendQueue tentatively consumed by the active round

	bulkMsgLen      int
	anonSK          crypto.PrivateKey
	anonPK          crypto.PublicKey
	haveAnonKeypair bool

	shuffleRound *shuffle.Round
	bulkRound    *bulk.Round
	blamer       *blame.Engine

	outcomes []roster.RoundOutcome
	sink     func(plaintext []byte)
}

// New constructs a Controller in the Offline state.
func New(port *crypto.Port, net *netio.Network, identity *roster.Identity, self roster.NodeID, ros *roster.Roster, scheduler sched.Scheduler, sink func([]byte)) *Controller {
	return &Controller{
		port: port, net: net, identity: identity, self: self, sched: scheduler,
		ros: ros, MinRoundSize: defaultMinRoundSize,
		state: roster.Offline, sink: sink,
		ProtocolVersion: config.ShuffleOnly,
		blamer:          blame.New(port, net, ros, identity, self),
	}
}

// Send enqueues application bytes for anonymous delivery; bytes are
// pulled into rounds FIFO (§4.5).
func (c *Controller) Send(body []byte) {
	c.sendQueue = append(c.sendQueue, body)
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() roster.SessionState { return c.state }

// BeginRegistering moves Offline → Registering once the caller (the
// leader, in practice) is ready to admit peers (§4.5).
func (c *Controller) BeginRegistering(sid roster.SessionID) {
	c.sessionID = sid
	c.state = roster.Registering
	dlog.Lvl2("node", c.self, "entering Registering for session", sid)
}

// ReadyForRound reports whether Registering's admission gate is
// satisfied: at least MinRoundSize members in the roster (the
// PeerJoinDelay component is the caller's scheduler concern, not
// re-modeled here).
func (c *Controller) ReadyForRound() bool {
	return c.state == roster.Registering && len(c.ros.Nodes) >= c.MinRoundSize
}

// BeginRound instantiates the round for round_counter and transitions to
// RoundActive, installing the shuffle round that opens §4.4's "multiple
// phases in sequence": under ShuffleOnly the shuffle's own plaintexts
// are the round's output; under V1ShuffleBulk they are instead
// BulkDescriptors, and pollRoundActive installs the follow-on BulkRound
// once that shuffle succeeds (§4.4, "RepeatingBulkRound"-style reuse).
// msgLen is the bulk round's eventual slot length; the shuffle itself
// always carries a fixed-size payload (the raw message under
// ShuffleOnly, a BulkDescriptor under V1ShuffleBulk).
func (c *Controller) BeginRound(msgLen int) roster.RoundID {
	rid := roster.NewRoundID(c.port, c.sessionID, c.roundCounter)
	c.net.ResetSession(uint32(c.roundCounter))
	c.bulkMsgLen = msgLen
	c.haveAnonKeypair = false
	submitLen := msgLen
	if c.ProtocolVersion == config.V1ShuffleBulk {
		submitLen = bulk.DescriptorWireLen
	}
	c.shuffleRound = shuffle.New(c.port, c.net, c.self, c.ros, c.identity, submitLen, c.blamer)
	c.bulkRound = nil
	c.state = roster.RoundActive
	c.committed = 0
	dlog.Lvl1("node", c.self, "beginning round", c.roundCounter, "with", len(c.ros.Nodes), "members")
	return rid
}

// QueueShuffleSubmission feeds this round's shuffle submission (§4.5's
// send-queue trimming rule: data is only tentatively removed until the
// round succeeds). Under V1ShuffleBulk the submission is a freshly
// generated anonymous BulkDescriptor rather than a send-queue item; the
// application bytes themselves wait for the follow-on bulk round's
// QueueBody once this node learns which slot it owns.
func (c *Controller) QueueShuffleSubmission() error {
	if c.ProtocolVersion == config.V1ShuffleBulk {
		return c.submitBulkDescriptor()
	}
	if len(c.sendQueue) == 0 {
		return c.shuffleRound.Submit(nil)
	}
	c.committed = 1
	return c.shuffleRound.Submit(c.sendQueue[0])
}

// submitBulkDescriptor generates this round's disposable anonymous
// signing keypair and submits the BulkDescriptor publishing it (§3); the
// private half stays local until the shuffle's plaintexts come back and
// this node recognizes its own public half among them.
func (c *Controller) submitBulkDescriptor() error {
	sk, pk, err := c.port.GenKeypair(0)
	if err != nil {
		return err
	}
	c.anonSK = sk
	c.anonPK = pk
	c.haveAnonKeypair = true

	signPK, err := pk.MarshalBinary()
	if err != nil {
		return err
	}
	dhPK, err := c.identity.DHPK.MarshalBinary()
	if err != nil {
		return err
	}
	body, err := bulk.EncodeDescriptor(bulk.Descriptor{
		SlotLength: c.bulkMsgLen,
		AnonSignPK: signPK,
		AnonDHPK:   dhPK,
	})
	if err != nil {
		return err
	}
	return c.shuffleRound.Submit(body)
}

// Poll advances whichever sub-round is active and demultiplexes
// completion into bulk-round startup, blame, or Finished (§4.5).
func (c *Controller) Poll() error {
	switch c.state {
	case roster.RoundActive:
		return c.pollRoundActive()
	case roster.Blaming:
		return c.pollBlaming()
	}
	return nil
}

func (c *Controller) pollRoundActive() error {
	if c.shuffleRound != nil && !c.shuffleRound.Done() {
		return c.shuffleRound.Poll()
	}
	if c.shuffleRound != nil && c.shuffleRound.Done() {
		outcome := c.shuffleRound.Result()
		if !outcome.Success {
			dlog.Lvl1("node", c.self, "shuffle round failed, implicating", outcome.BadMembers)
			return c.enterBlaming(outcome.BadMembers)
		}
		dlog.Lvl2("node", c.self, "shuffle round succeeded, recovered", len(outcome.Plaintexts), "messages")
		c.outcomes = append(c.outcomes, outcome)
		c.shuffleRound = nil
		if c.ProtocolVersion == config.V1ShuffleBulk {
			assignments, initialLen, ownedSlot := c.parseBulkDescriptors(outcome.Plaintexts)
			c.StartBulk(assignments, initialLen)
			if ownedSlot >= 0 && len(c.sendQueue) > 0 {
				c.committed = 1
				c.bulkRound.QueueBody(ownedSlot, c.sendQueue[0])
			}
			return nil
		}
		for _, pt := range outcome.Plaintexts {
			if c.sink != nil {
				c.sink(pt)
			}
		}
		c.trimSendQueue()
		return nil
	}
	if c.bulkRound != nil {
		if err := c.bulkRound.Poll(); err != nil {
			return err
		}
		if c.bulkRound.PhaseComplete() {
			for _, d := range c.bulkRound.Delivered() {
				if c.sink != nil {
					c.sink(d.Body)
				}
			}
			if bad := c.bulkRound.BadMembers(); len(bad) > 0 {
				dlog.Lvl1("node", c.self, "bulk phase implicated", bad)
				return c.enterBlaming(bad)
			}
			c.trimSendQueue()
			c.roundCounter++
			c.advanceOrWait()
		}
	}
	return nil
}

// StartBulk installs a BulkRound over the slot assignments a completed
// shuffle published, beginning the repeated-phase DC-net portion of the
// round (§4.4).
func (c *Controller) StartBulk(assignments []bulk.SlotAssignment, initialSlotLen int) {
	c.bulkRound = bulk.New(c.port, c.net, c.self, c.ros, c.identity, assignments, initialSlotLen, c.blamer)
}

// parseBulkDescriptors decodes a completed shuffle's plaintexts as
// BulkDescriptors (§3) and recognizes which slot, if any, this node
// owns: the one whose anonymous signing key matches the disposable
// keypair it generated in submitBulkDescriptor. initialLen falls back to
// bulkMsgLen if no descriptor carries a usable slot_length; ownedSlot is
// -1 if this node's descriptor did not survive (or it submitted none).
func (c *Controller) parseBulkDescriptors(plaintexts [][]byte) (assignments []bulk.SlotAssignment, initialLen int, ownedSlot int) {
	assignments = make([]bulk.SlotAssignment, 0, len(plaintexts))
	initialLen = c.bulkMsgLen
	ownedSlot = -1
	for _, pt := range plaintexts {
		d, ok := bulk.DecodeDescriptor(pt)
		if !ok {
			continue
		}
		var anonPK crypto.PublicKey
		if err := anonPK.UnmarshalBinary(c.port.Suite(), d.AnonSignPK); err != nil {
			continue
		}
		a := bulk.SlotAssignment{AnonPK: anonPK}
		if c.haveAnonKeypair && anonPK.Equal(c.anonPK) {
			sk := c.anonSK
			a.OwnerSK = &sk
			ownedSlot = len(assignments)
		}
		if d.SlotLength > 0 {
			initialLen = d.SlotLength
		}
		assignments = append(assignments, a)
	}
	return assignments, initialLen, ownedSlot
}

func (c *Controller) enterBlaming(bad []roster.NodeID) error {
	c.state = roster.Blaming
	for _, id := range bad {
		dlog.Lvl1("node", c.self, "removing implicated member", id, "from roster")
		c.ros = c.ros.Remove(id)
	}
	c.restoreSendQueue()
	return nil
}

func (c *Controller) pollBlaming() error {
	c.state = roster.Registering
	return nil
}

// restoreSendQueue undoes the tentative trim per §4.5: a failed round
// must not lose user bytes.
func (c *Controller) restoreSendQueue() {
	c.committed = 0
}

func (c *Controller) trimSendQueue() {
	if c.committed > 0 && c.committed <= len(c.sendQueue) {
		c.sendQueue = c.sendQueue[c.committed:]
	}
	c.committed = 0
}

// advanceOrWait takes no action and returns nothing: it neither schedules
// the next round nor reports whether data is still pending (§4.5). The
// controller stays in RoundActive until the caller calls BeginRound again.
func (c *Controller) advanceOrWait() {
	if len(c.sendQueue) > c.committed {
		return // caller should call BeginRound again promptly
	}
}

// Finish moves the controller to its terminal state (§4.5): all round
// references are dropped.
func (c *Controller) Finish() {
	c.state = roster.Finished
	c.shuffleRound = nil
	c.bulkRound = nil
}
