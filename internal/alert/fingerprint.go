package alert

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the correlation key for an occurrence. It is a pure
// function of (resource, ruleKey, sourceID): repeated firings of the same
// underlying condition always collapse to the same key regardless of
// timestamp or payload noise.
func Fingerprint(resource, ruleKey, sourceID string) string {
	h := sha256.New()
	h.Write([]byte(resource))
	h.Write([]byte{0x1f})
	h.Write([]byte(ruleKey))
	h.Write([]byte{0x1f})
	h.Write([]byte(sourceID))
	return hex.EncodeToString(h.Sum(nil))
}
