// Package sha256 computes content digests for page snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements crawler.Hasher. A non-zero length truncates the hex
// digest, which keeps blob object names short.
type Hasher struct {
	length int
}

// New returns a Hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a Hasher producing the first n hex characters.
func NewTruncated(n int) (*Hasher, error) {
	if n <= 0 || n > hex.EncodedLen(sha256.Size) {
		return nil, fmt.Errorf("digest length %d out of range (1-%d)", n, hex.EncodedLen(sha256.Size))
	}
	return &Hasher{length: n}, nil
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 {
		digest = digest[:h.length]
	}
	return digest, nil
}
