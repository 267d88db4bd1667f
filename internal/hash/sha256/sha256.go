// Package sha256 fingerprints archived listing snapshots so a later run can
// tell whether the source data changed.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes snapshot bytes with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
