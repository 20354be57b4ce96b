package bulk

import "errors"

// Errors surfaced by BulkRound (§4.4.6, §7).
var (
	ErrSlotTooShort        = errors.New("bulk: slot length shorter than the randomization seed")
	ErrCleartextUnverified = errors.New("bulk: a server signature over the phase cleartext did not verify")
)
