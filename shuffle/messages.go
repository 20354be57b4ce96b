package shuffle

import (
	"github.com/dedis/protobuf"

	"github.com/dedis/dissent/wire"
)

// keyShareMsg is broadcast by each server in KEY_SHARING (§4.3.1).
type keyShareMsg struct {
	InnerPub []byte
	OuterPub []byte
}

// dataSubmissionMsg is the onion-encrypted submission sent to the first
// server in DATA_SUBMISSION (§4.3.1).
type dataSubmissionMsg struct {
	Ciphertext []byte
}

// shuffleBatchMsg carries a permuted batch from one shuffling server to
// the next, and (from the last server) the broadcast verification set
// (§4.3.1 SHUFFLE).
type shuffleBatchMsg struct {
	Batch [][]byte
}

// voteMsg is the GO/NO_GO vote of VERIFICATION (§4.3.1).
type voteMsg struct {
	Go        bool
	StateHash []byte
}

// innerKeyMsg reveals one server's inner private key in
// PRIVATE_KEY_SHARING (§4.3.1).
type innerKeyMsg struct {
	InnerPriv []byte
}

func encodeMsg(t wire.Type, payload interface{}) ([]byte, error) {
	body, err := protobuf.Encode(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, body...), nil
}

func decodeMsg(body []byte, out interface{}) (wire.Type, error) {
	if len(body) == 0 {
		return 0, wire.ErrTruncated
	}
	t := wire.Type(body[0])
	if err := protobuf.Decode(body[1:], out); err != nil {
		return t, err
	}
	return t, nil
}
