package manifest

import (
	"crypto/sha256"
	"encoding/hex"
)

// IntegrityPrefix is the algorithm tag carried by every integrity hash.
const IntegrityPrefix = "sha256:"

// HashBytes computes the integrity hash of raw artifact bytes in the form
// recorded in manifests: "sha256:" followed by the lowercase hex digest.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return IntegrityPrefix + hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether data hashes to the expected integrity
// string.
func VerifyIntegrity(data []byte, want string) bool {
	return HashBytes(data) == want
}
