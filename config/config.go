// Package config implements the §6 configuration surface: a structured,
// enumerated configuration that Load decodes from TOML and a host program
// hands to the core (PEM and CLI handling are not part of this package).
// Grounded on the teacher's
// lib/app / deploy TOML-based configuration idiom
// (github.com/BurntSushi/toml).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dedis/dissent/roster"
)

// ProtocolVersion selects which rounds a session runs (§6).
type ProtocolVersion string

// Protocol versions named in §6.
const (
	ShuffleOnly      ProtocolVersion = "SHUFFLE_ONLY"
	V1ShuffleBulk    ProtocolVersion = "V1_SHUFFLE_BULK"
	V2NeffCSDCNet    ProtocolVersion = "V2_NEFF_CSDCNET"
)

// NodeConfig is one entry of the §6 `nodes` map. SigningPK and DHPK are
// both base64-encoded public key bytes; §3 gives every node a separate
// long-term signing keypair and long-term DH keypair.
type NodeConfig struct {
	Addr      string `toml:"addr"`
	Port      int    `toml:"port"`
	SigningPK string `toml:"signing_pk"`
	DHPK      string `toml:"dh_pk"`
}

// TopologyEntry mirrors roster.TopologyEntry for TOML decoding.
type TopologyEntry struct {
	NodeID int `toml:"node_id"`
	NextID int `toml:"next_id"`
	PrevID int `toml:"prev_id"`
}

// Config is the full §6 configuration surface.
type Config struct {
	MyNodeID            int                   `toml:"my_node_id"`
	SigningSK           string                `toml:"signing_sk"`
	DHSK                string                `toml:"dh_sk"`
	Nodes               map[int]NodeConfig    `toml:"nodes"`
	DisposableKeyLength int                   `toml:"disposable_key_length"`
	ShuffleMsgLength    int                   `toml:"shuffle_msg_length"`
	Topology            []TopologyEntry       `toml:"topology"`
	MyPosition          string                `toml:"my_position"` // index into Topology, or "client"
	ProtocolVersion     ProtocolVersion       `toml:"protocol_version"`
	WaitBetweenRoundsMS int                   `toml:"wait_between_rounds"`
}

// NumNodes is derived: must equal the size of Nodes (§6).
func (c *Config) NumNodes() int { return len(c.Nodes) }

// Load decodes a Config from TOML bytes and validates its derived field.
func Load(data []byte) (*Config, error) {
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the §6 invariants this package can check without a
// loaded keypair: it fills the default disposable key length (1024) when
// unset, and requires shuffle_msg_length > 4 and a non-empty nodes map.
func (c *Config) Validate() error {
	if c.DisposableKeyLength == 0 {
		c.DisposableKeyLength = 1024
	}
	if c.ShuffleMsgLength <= 4 {
		return fmt.Errorf("config: shuffle_msg_length must be > 4 (length-prefix overhead)")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: nodes must be non-empty")
	}
	return nil
}

// RosterTopology builds the roster.Roster topology from the configured
// entries (the per-node signing/DH public keys are decoded and attached
// separately by the host, from each NodeConfig; this only carries
// structure).
func (c *Config) RosterTopology() []roster.TopologyEntry {
	out := make([]roster.TopologyEntry, len(c.Topology))
	for i, t := range c.Topology {
		out[i] = roster.TopologyEntry{
			NodeID: roster.NodeID(t.NodeID),
			NextID: roster.NodeID(t.NextID),
			PrevID: roster.NodeID(t.PrevID),
		}
	}
	return out
}
