// Command dissentd loads a node's §6 TOML configuration, wires its
// identity and roster into the core packages, and runs the session
// controller's event loop over a plain TCP transport. It is the thin
// host program the core's injected Transport/Scheduler seams exist for
// — grounded on the teacher's conode-style "load config, build host,
// run" wiring, trimmed to this module's flat roster.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/dedis/dissent/config"
	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/sched"
	"github.com/dedis/dissent/session"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dissentd <config.toml>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		dlog.Errorf("dissentd: %v", err)
		os.Exit(1)
	}
}

func decodePrivateKey(port *crypto.Port, b64 string) (crypto.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return crypto.PrivateKey{}, err
	}
	var sk crypto.PrivateKey
	if err := sk.UnmarshalBinary(port.Suite(), raw); err != nil {
		return crypto.PrivateKey{}, err
	}
	return sk, nil
}

func decodePublicKey(port *crypto.Port, b64 string) (crypto.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	var pk crypto.PublicKey
	if err := pk.UnmarshalBinary(port.Suite(), raw); err != nil {
		return crypto.PublicKey{}, err
	}
	return pk, nil
}

func run(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Load(data)
	if err != nil {
		return err
	}

	port := crypto.NewPort()
	self := roster.NodeID(cfg.MyNodeID)

	mySigningSK, err := decodePrivateKey(port, cfg.SigningSK)
	if err != nil {
		return fmt.Errorf("decode signing_sk: %w", err)
	}
	myDHSK, err := decodePrivateKey(port, cfg.DHSK)
	if err != nil {
		return fmt.Errorf("decode dh_sk: %w", err)
	}

	nodes := make([]roster.Node, 0, len(cfg.Nodes))
	addrs := make(map[roster.NodeID]string, len(cfg.Nodes))
	var myNode roster.Node
	for id, nc := range cfg.Nodes {
		signingPK, err := decodePublicKey(port, nc.SigningPK)
		if err != nil {
			return fmt.Errorf("decode signing_pk for node %d: %w", id, err)
		}
		dhPK, err := decodePublicKey(port, nc.DHPK)
		if err != nil {
			return fmt.Errorf("decode dh_pk for node %d: %w", id, err)
		}
		n := roster.Node{ID: roster.NodeID(id), SigningPK: signingPK, DHPK: dhPK}
		nodes = append(nodes, n)
		addrs[n.ID] = fmt.Sprintf("%s:%d", nc.Addr, nc.Port)
		if n.ID == self {
			myNode = n
		}
	}

	ros := &roster.Roster{
		Nodes:    nodes,
		Topology: cfg.RosterTopology(),
		Leader:   nodes[0].ID,
	}
	if err := ros.Validate(); err != nil {
		return err
	}

	identity := &roster.Identity{Node: myNode, SigningSK: mySigningSK, DHSK: myDHSK}

	var net *netio.Network
	transport := newTCPTransport(addrs, func(raw []byte) error {
		return net.Deliver(raw)
	})
	net = netio.New(self, identity, port, ros, transport)

	laddr := addrs[self]
	if err := transport.Listen(laddr); err != nil {
		return err
	}

	scheduler := sched.NewReal(4)

	ctrl := session.New(port, net, identity, self, ros, scheduler, func(plaintext []byte) {
		dlog.Lvl1("node", self, "delivered plaintext:", string(plaintext))
	})
	ctrl.ProtocolVersion = cfg.ProtocolVersion

	var sid roster.SessionID
	copy(sid[:], port.StrongRNG(crypto.HashLen))
	ctrl.BeginRegistering(sid)

	dlog.Lvl1("node", self, "listening on", laddr)

	for {
		if ctrl.State() == roster.Registering && ctrl.ReadyForRound() {
			ctrl.BeginRound(cfg.ShuffleMsgLength)
			if err := ctrl.QueueShuffleSubmission(); err != nil {
				dlog.Errorf("dissentd: submit: %v", err)
			}
		}
		if err := ctrl.Poll(); err != nil {
			dlog.Errorf("dissentd: poll: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
