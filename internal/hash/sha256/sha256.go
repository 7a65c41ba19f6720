// Package sha256 fingerprints archived upstream pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements procurement.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher whose digests are truncated to length hex characters.
// A length <= 0 or beyond the full digest keeps all 64 characters.
func New(length int) *Hasher {
	if length <= 0 || length > hex.EncodedLen(sha256.Size) {
		length = hex.EncodedLen(sha256.Size)
	}
	return &Hasher{length: length}
}

// Hash returns the (possibly truncated) hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
