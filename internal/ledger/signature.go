package ledger

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// signatureBytes bounds stored signatures to 32 hex characters so the partial
// index on (agent_id, request_signature) stays narrow.
const signatureBytes = 16

// NormalizeSignature maps an arbitrary caller-supplied request signature to a
// fixed-width digest. Identical inputs always collapse to the same value,
// which is all duplicate-loop detection needs. Empty input stays empty so
// unsigned events never group with each other.
func NormalizeSignature(s string) string {
	if s == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:signatureBytes])
}
