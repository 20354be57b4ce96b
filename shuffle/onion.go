package shuffle

import (
	"encoding/binary"

	"github.com/dedis/dissent/crypto"
)

// padPlaintext lays a submission out per §3: [length:u32][payload up to
// L_msg-4 bytes, zero-padded].
func padPlaintext(msg []byte, msgLen int) ([]byte, error) {
	if len(msg) > msgLen-4 {
		return nil, ErrPlaintextTooLong
	}
	out := make([]byte, msgLen)
	binary.BigEndian.PutUint32(out[:4], uint32(len(msg)))
	copy(out[4:], msg)
	return out, nil
}

func unpadPlaintext(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, ErrPlaintextTooLong
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if int(n) > len(buf)-4 {
		return nil, ErrPlaintextTooLong
	}
	return buf[4 : 4+n], nil
}

// onionEncrypt wraps ct successively under innerPubs then outerPubs, both
// iterated in *reverse* topology order (§4.3.2: "mandatory"). The caller
// supplies keys already in topology order; this function reverses them.
func onionEncrypt(port *crypto.Port, plaintext []byte, innerPubs, outerPubs []crypto.PublicKey) ([]byte, error) {
	ct := plaintext
	for i := len(innerPubs) - 1; i >= 0; i-- {
		next, _, err := port.Encrypt(innerPubs[i], ct, nil)
		if err != nil {
			return nil, err
		}
		ct = next
	}
	for i := len(outerPubs) - 1; i >= 0; i-- {
		next, _, err := port.Encrypt(outerPubs[i], ct, nil)
		if err != nil {
			return nil, err
		}
		ct = next
	}
	return ct, nil
}

// peelOuterLayer removes one server's outer encryption layer from every
// ciphertext in the batch (§4.3.1 SHUFFLE). A decryption failure marks
// that ciphertext's originator as bad per §4.3.2 (the caller tracks
// originator identity alongside the batch).
func peelOuterLayer(port *crypto.Port, sk crypto.PrivateKey, batch [][]byte) ([][]byte, []int) {
	out := make([][]byte, len(batch))
	var failed []int
	for i, ct := range batch {
		pt, err := port.Decrypt(sk, ct)
		if err != nil {
			failed = append(failed, i)
			out[i] = nil
			continue
		}
		out[i] = pt
	}
	return out, failed
}

// peelInnerLayers removes every server's inner encryption layer from a
// single ciphertext, applying revealed private keys in topology order
// (§4.3.1 DECRYPTION).
func peelInnerLayers(port *crypto.Port, innerSKsInTopologyOrder []crypto.PrivateKey, ct []byte) ([]byte, error) {
	cur := ct
	for _, sk := range innerSKsInTopologyOrder {
		pt, err := port.Decrypt(sk, cur)
		if err != nil {
			return nil, err
		}
		cur = pt
	}
	return unpadPlaintext(cur)
}
