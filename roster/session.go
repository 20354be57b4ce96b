package roster

import (
	"encoding/binary"

	"github.com/dedis/dissent/crypto"
)

// SessionState is the SessionController state enum (§3, §4.5).
type SessionState int

// Session states (§3).
const (
	Offline SessionState = iota
	Registering
	RoundActive
	Blaming
	Finished
)

func (s SessionState) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Registering:
		return "Registering"
	case RoundActive:
		return "RoundActive"
	case Blaming:
		return "Blaming"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// SessionID is the long-lived session nonce (§3).
type SessionID [crypto.HashLen]byte

// RoundID is an immutable round identifier: hash(session_id ‖
// round_counter) (§3).
type RoundID [crypto.HashLen]byte

// NewRoundID computes a Round's immutable identifier.
func NewRoundID(port *crypto.Port, sid SessionID, counter uint64) RoundID {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	return RoundID(port.Hash(sid[:], ctr[:]))
}

// RoundOutcome is the terminal result of a Round: either Success with the
// delivered plaintexts (in the output permutation's order) or Failure
// with the identified bad members (§3, §6 exit semantics).
type RoundOutcome struct {
	Success     bool
	Plaintexts  [][]byte
	BadMembers  []NodeID
}
