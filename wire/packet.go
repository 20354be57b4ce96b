// Package wire implements the §6 wire-exact packet framing shared by
// shuffle, bulk, and blame messages, grounded on the teacher's
// network.Packet / network.RegisterPacketType convention (header +
// typed body + signature), adapted from the teacher's tree-addressed
// framing to Dissent's flat roster addressing.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/dedis/dissent/roster"
)

// Type is the message type tag drawn from a single enum shared by
// shuffle, bulk, and blame states (§6).
type Type byte

// Message types (§4.3-§4.6). The exact numeric values are this
// implementation's choice (not specified byte-exact by spec.md beyond
// "first byte of body"); they only need to be stable within one build.
const (
	TypeShuffleKey Type = iota + 1
	TypeShuffleData
	TypeShuffleBlob
	TypeShuffleVote
	TypeShuffleInnerKey
	TypeBulkClientCiphertext
	TypeBulkServerClientList
	TypeBulkServerCommit
	TypeBulkServerCiphertext
	TypeBulkServerSig
	TypeBulkCleartext
	TypeBlameDisclosure
	TypeBlameHashTable
	TypeBlameAccusation
	TypeBlameAlibi
	TypeBlameProof
)

// Broadcast is the wire sentinel for "to" meaning every other participant
// (§6: "to: u32 or 0 for broadcast").
const Broadcast roster.NodeID = 0

// Header is the fixed, wire-exact prefix of every peer-to-peer payload
// (§6): nonce, running hash, from, to, length. The running hash chains
// over body bytes in send order from the given sender and does NOT cover
// the recipient id — this implementation's resolution of the Open
// Question in §9 ("whether the running-hash chain covers the recipient
// id"); see DESIGN.md.
type Header struct {
	Nonce      uint32
	RunningHash [20]byte
	From       roster.NodeID
	To         roster.NodeID
	Len        uint32
}

// ErrTruncated is returned when a buffer is too short to contain a valid
// header or body.
var ErrTruncated = errors.New("wire: truncated packet")

const headerLen = 4 + 20 + 4 + 4 + 4

// EncodeHeader serializes h using big-endian 32-bit integer lengths (§6).
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Nonce)
	copy(buf[4:24], h.RunningHash[:])
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.From))
	binary.BigEndian.PutUint32(buf[28:32], uint32(h.To))
	binary.BigEndian.PutUint32(buf[32:36], h.Len)
	return buf
}

// DecodeHeader parses a Header from the front of buf, returning the
// remaining bytes.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < headerLen {
		return Header{}, nil, ErrTruncated
	}
	var h Header
	h.Nonce = binary.BigEndian.Uint32(buf[0:4])
	copy(h.RunningHash[:], buf[4:24])
	h.From = roster.NodeID(binary.BigEndian.Uint32(buf[24:28]))
	h.To = roster.NodeID(binary.BigEndian.Uint32(buf[28:32]))
	h.Len = binary.BigEndian.Uint32(buf[32:36])
	return h, buf[headerLen:], nil
}

// Envelope is a fully-framed packet ready for signing: header ‖ body. The
// signature in the final wire form covers exactly these bytes (§6).
type Envelope struct {
	Header Header
	Body   []byte // body[0] is the Type tag (§6)
}

// Bytes returns the header‖body bytes that get signed and transmitted.
func (e Envelope) Bytes() []byte {
	h := EncodeHeader(e.Header)
	return append(h, e.Body...)
}

// MsgType extracts the leading type tag from a body.
func MsgType(body []byte) (Type, error) {
	if len(body) == 0 {
		return 0, ErrTruncated
	}
	return Type(body[0]), nil
}
