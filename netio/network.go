// Package netio implements Network (§4.2): signed, session-numbered
// point-to-point and broadcast transmission between participants, with
// per-peer receive queues and blame logging. It is deliberately a purely
// logical layer — the concrete transport is injected, matching §1's
// "Transport/connection management...out of scope" and the teacher's
// separation of lib/sda.Host (logical dispatch) from its TCP-specific
// network.Router.
package netio

import (
	"errors"
	"sync"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

// Transport is the narrow injected surface a host program implements to
// actually move bytes between processes (§1: transport is out of scope
// for the core). Network only ever calls Deliver; how bytes reach the
// peer — TCP, a test channel, anything — is the host's concern.
type Transport interface {
	Deliver(to roster.NodeID, raw []byte) error
}

// ErrNotReady is the "not ready" sentinel recv returns when no verified
// packet from src is queued (§4.2).
var ErrNotReady = errors.New("netio: no packet ready")

// LogEntry is one append-only record in the blame log (§3 Log, §4.2
// log_view).
type LogEntry struct {
	Sender roster.NodeID
	Signed []byte // header ‖ body ‖ signature, exactly as verified
}

// Network is one session+round scope of the logical network layer.
type Network struct {
	mu sync.Mutex

	self      roster.NodeID
	identity  *roster.Identity
	port      *crypto.Port
	ros       *roster.Roster
	transport Transport

	nonce uint32

	sendChain crypto.Digest // this node's own running hash, advanced on each send

	recvChain map[roster.NodeID]crypto.Digest // last accepted running hash per sender
	queues    map[roster.NodeID][]wire.Envelope
	faulty    map[roster.NodeID]bool

	listening   bool
	listenLabel string
	buffered    []queuedPacket

	log []LogEntry
}

type queuedPacket struct {
	env wire.Envelope
	raw []byte
}

// New builds a Network bound to one node's identity, the current roster,
// and an injected transport.
func New(self roster.NodeID, identity *roster.Identity, port *crypto.Port, ros *roster.Roster, t Transport) *Network {
	return &Network{
		self:      self,
		identity:  identity,
		port:      port,
		ros:       ros,
		transport: t,
		recvChain: make(map[roster.NodeID]crypto.Digest),
		queues:    make(map[roster.NodeID][]wire.Envelope),
		faulty:    make(map[roster.NodeID]bool),
	}
}

// ResetSession installs a fresh session tag and discards any queued state
// from a prior round (§4.2).
func (n *Network) ResetSession(nonce uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce = nonce
	n.sendChain = crypto.Digest{}
	n.recvChain = make(map[roster.NodeID]crypto.Digest)
	n.queues = make(map[roster.NodeID][]wire.Envelope)
	n.faulty = make(map[roster.NodeID]bool)
	n.listening = false
	n.buffered = nil
	n.log = nil
}

// SetRoster updates the roster used to resolve peer keys (called by
// SessionController at round boundaries, never mid-round; §5).
func (n *Network) SetRoster(ros *roster.Roster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ros = ros
}

// Send wraps bytes with the §6 header, signs the whole packet under the
// sender's long-term key, and hands it to the transport.
func (n *Network) Send(dst roster.NodeID, body []byte) error {
	n.mu.Lock()
	_, raw, err := n.frameLocked(dst, body)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.appendLog(n.self, raw)
	return n.transport.Deliver(dst, raw)
}

// Broadcast sends to every other participant as a single logical call: it
// advances the sender's running hash exactly once and reuses that value
// for every recipient's copy (§4.2's "a logical single call").
func (n *Network) Broadcast(body []byte) error {
	n.mu.Lock()
	_, raw, err := n.frameLocked(Broadcast, body)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.appendLog(n.self, raw)
	var firstErr error
	for _, node := range n.ros.Nodes {
		if node.ID == n.self {
			continue
		}
		if err := n.transport.Deliver(node.ID, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast's wire "to" sentinel, re-exported for callers framing their
// own diagnostics.
const Broadcast = wire.Broadcast

func (n *Network) frameLocked(dst roster.NodeID, body []byte) (wire.Envelope, []byte, error) {
	ih := n.port.IncrementalHash()
	ih.Update(n.sendChain[:])
	ih.Update(body)
	n.sendChain = ih.Snapshot()

	header := wire.Header{
		Nonce:       n.nonce,
		RunningHash: n.sendChain,
		From:        n.self,
		To:          dst,
		Len:         uint32(len(body)),
	}
	env := wire.Envelope{Header: header, Body: body}
	signable := env.Bytes()
	sig, err := n.port.Sign(n.identity.SigningSK, signable)
	if err != nil {
		return wire.Envelope{}, nil, err
	}
	raw := append(append([]byte{}, signable...), sig...)
	return env, raw, nil
}

// Deliver is called by the host transport when raw bytes arrive from the
// wire. It verifies the signature, nonce, and running-hash chain; packets
// failing any check are dropped and their sender is recorded as faulty,
// per §4.2's invariants (this is surfaced to the caller via IsFaulty, not
// written into the blame log).
func (n *Network) Deliver(raw []byte) error {
	header, body, err := wire.DecodeHeader(raw)
	if err != nil {
		return err
	}
	if uint32(len(body)) < header.Len {
		return wire.ErrTruncated
	}
	rest := body[header.Len:]
	msgBody := body[:header.Len]

	n.mu.Lock()
	defer n.mu.Unlock()

	sender, ok := n.ros.Node(header.From)
	if !ok {
		return errors.New("netio: unknown sender")
	}
	env := wire.Envelope{Header: header, Body: msgBody}
	signable := env.Bytes()

	if err := n.port.Verify(sender.SigningPK, signable, rest); err != nil {
		n.faulty[header.From] = true
		return nil
	}
	if header.Nonce != n.nonce {
		n.faulty[header.From] = true
		return nil
	}
	prev := n.recvChain[header.From]
	ih := n.port.IncrementalHash()
	ih.Update(prev[:])
	ih.Update(msgBody)
	want := ih.Snapshot()
	if want != header.RunningHash {
		n.faulty[header.From] = true
		return nil
	}
	n.recvChain[header.From] = header.RunningHash

	n.appendLogLocked(header.From, raw)

	qp := queuedPacket{env: env, raw: raw}
	if n.listening {
		n.queues[header.From] = append(n.queues[header.From], env)
	} else {
		n.buffered = append(n.buffered, qp)
	}
	return nil
}

// Recv is non-blocking: it returns the next verified packet from src, or
// ErrNotReady.
func (n *Network) Recv(src roster.NodeID) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queues[src]
	if len(q) == 0 {
		return nil, ErrNotReady
	}
	env := q[0]
	n.queues[src] = q[1:]
	return env.Body, nil
}

// StartIncoming installs a listener for phaseLabel: buffered packets
// received while no listener was installed are drained into the normal
// per-sender queues (§4.2).
func (n *Network) StartIncoming(phaseLabel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listening = true
	n.listenLabel = phaseLabel
	for _, qp := range n.buffered {
		n.queues[qp.env.Header.From] = append(n.queues[qp.env.Header.From], qp.env)
	}
	n.buffered = nil
}

// StopIncoming removes the listener; subsequently received packets are
// buffered instead of queued (§4.2).
func (n *Network) StopIncoming() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listening = false
	n.listenLabel = ""
}

// IsFaulty reports whether id's packets have failed verification at
// least once this round.
func (n *Network) IsFaulty(id roster.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.faulty[id]
}

// LogView returns a snapshot of all verified messages in the current
// round, in arrival order (§4.2, used only by blame).
func (n *Network) LogView() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LogEntry, len(n.log))
	copy(out, n.log)
	return out
}

func (n *Network) appendLog(sender roster.NodeID, raw []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appendLogLocked(sender, raw)
}

func (n *Network) appendLogLocked(sender roster.NodeID, raw []byte) {
	n.log = append(n.log, LogEntry{Sender: sender, Signed: append([]byte{}, raw...)})
}
