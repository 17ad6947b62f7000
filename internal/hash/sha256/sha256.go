// Package sha256 names page snapshots by the SHA-256 of their content.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests page bodies. Runs of whitespace are collapsed first, so a
// page that was only re-indented keeps its snapshot name.
type Hasher struct {
	// Length truncates the hex digest when positive.
	Length int
}

// New returns a hasher producing full 64 character digests.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of the whitespace-normalised body.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(bytes.Join(bytes.Fields(data), []byte{' '}))
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
