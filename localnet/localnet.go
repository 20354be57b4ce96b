// Package localnet is the ambient test transport: an in-memory channel
// fabric standing in for the real transport §1 keeps out of scope,
// modeled after the teacher's lib/sda.SetupHostsMock / LocalTest pattern
// of wiring N hosts together without real sockets.
package localnet

import (
	"fmt"
	"sync"

	"github.com/dedis/dissent/roster"
)

// Fabric wires a fixed set of node ids together; each node's Endpoint
// implements netio.Transport and delivers synchronously into the
// destination's registered sink.
type Fabric struct {
	mu    sync.Mutex
	sinks map[roster.NodeID]func(raw []byte) error
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{sinks: make(map[roster.NodeID]func(raw []byte) error)}
}

// Endpoint is one node's view of the fabric: a netio.Transport that
// delivers into whatever sink that node later registers.
type Endpoint struct {
	fabric *Fabric
	self   roster.NodeID
}

// Endpoint returns (creating if needed) the Transport for id.
func (f *Fabric) Endpoint(id roster.NodeID) *Endpoint {
	return &Endpoint{fabric: f, self: id}
}

// Register installs the function that receives raw bytes addressed to
// this endpoint's node — typically (*netio.Network).Deliver.
func (e *Endpoint) Register(sink func(raw []byte) error) {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()
	e.fabric.sinks[e.self] = sink
}

// Deliver implements netio.Transport by looking up the destination's sink
// and calling it synchronously (single-threaded cooperative model, §5).
func (e *Endpoint) Deliver(to roster.NodeID, raw []byte) error {
	e.fabric.mu.Lock()
	sink, ok := e.fabric.sinks[to]
	e.fabric.mu.Unlock()
	if !ok {
		return fmt.Errorf("localnet: no registered node %d", to)
	}
	return sink(raw)
}
