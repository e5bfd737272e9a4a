// Package sha256 derives cache fingerprints with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// keyVersion prefixes every digest. Bump it when the stored entry format
// changes so stale entries stop matching.
const keyVersion = "pagesnap/v1"

// Hasher turns a normalized request into a hex cache key.
type Hasher struct {
	namespace []byte
}

var _ capture.Hasher = (*Hasher)(nil)

// New returns a hasher namespaced by the current key version.
func New() *Hasher {
	return &Hasher{namespace: append([]byte(keyVersion), 0)}
}

// Hash returns the lowercase hex digest of namespace || data.
func (h *Hasher) Hash(data []byte) (string, error) {
	d := sha256.New()
	_, _ = d.Write(h.namespace)
	_, _ = d.Write(data)
	return hex.EncodeToString(d.Sum(nil)), nil
}
