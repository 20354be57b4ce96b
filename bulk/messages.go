package bulk

import (
	"github.com/dedis/protobuf"

	"github.com/dedis/dissent/wire"
)

// clientCiphertextMsg is a client's CLIENT_CIPHERTEXT submission to its
// assigned server (§4.4.3 step 1).
type clientCiphertextMsg struct {
	Phase      uint32
	Ciphertext []byte
}

// serverClientListMsg is one server's CLIENT_CIPHERTEXT roll call,
// broadcast to every other server (§4.4.3 step 2).
type serverClientListMsg struct {
	Phase   uint32
	Clients []int32
}

// serverCommitMsg is a server's commitment to its own SERVER_COMMIT
// ciphertext (§4.4.3 step 3).
type serverCommitMsg struct {
	Phase  uint32
	Commit []byte
}

// serverCiphertextMsg reveals the committed ciphertext (§4.4.3 step 4).
type serverCiphertextMsg struct {
	Phase      uint32
	Ciphertext []byte
}

// serverSigMsg carries one server's signature over the derived cleartext
// (§4.4.3 step 5).
type serverSigMsg struct {
	Phase     uint32
	Signature []byte
}

// pushCleartextMsg is PUSH_CLEARTEXT: a server forwarding the agreed
// cleartext and every server's signature over it to its clients
// (§4.4.3 step 6).
type pushCleartextMsg struct {
	Phase      uint32
	Cleartext  []byte
	Signatures [][]byte
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
