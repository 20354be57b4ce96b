package bulk

import (
	"github.com/dedis/protobuf"
)

// descriptorWire is Descriptor's wire shape, plain protobuf with no
// wire.Type tag: a BulkDescriptor travels as an ordinary shuffle
// plaintext, indistinguishable on the wire from any other submission
// (§3).
type descriptorWire struct {
	SlotLength int32
	AnonSignPK []byte
	AnonDHPK   []byte
}

// EncodeDescriptor serializes d as a shuffle submission (§3).
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	return protobuf.Encode(&descriptorWire{
		SlotLength: int32(d.SlotLength),
		AnonSignPK: d.AnonSignPK,
		AnonDHPK:   d.AnonDHPK,
	})
}

// DecodeDescriptor recovers a Descriptor from one plaintext a completed
// shuffle published. A non-descriptor plaintext (or padding) decodes
// with ok false.
func DecodeDescriptor(body []byte) (Descriptor, bool) {
	var w descriptorWire
	if err := protobuf.Decode(body, &w); err != nil {
		return Descriptor{}, false
	}
	return Descriptor{
		SlotLength: int(w.SlotLength),
		AnonSignPK: w.AnonSignPK,
		AnonDHPK:   w.AnonDHPK,
	}, true
}
