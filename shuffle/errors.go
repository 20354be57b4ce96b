package shuffle

import "errors"

// Errors surfaced by ShuffleRound (§4.3.3, §7).
var (
	ErrPlaintextTooLong = errors.New("shuffle: plaintext exceeds L_msg-4 bytes")
	ErrWrongLength      = errors.New("shuffle: submission is not exactly L_msg bytes")
	ErrAlreadyDone      = errors.New("shuffle: round already terminated")
)
