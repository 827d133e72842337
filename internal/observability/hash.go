package observability

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashForLog returns a short stable digest of a sensitive value
// (fingerprints, raw keys) so logs stay correlatable without exposing
// the value itself.
func HashForLog(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}
