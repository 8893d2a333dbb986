// Package sha256 digests worker secrets before they leave the process.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 digest of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Key namespaces the digest of secret under prefix, so caches can index a
// token without storing it.
func Key(prefix, secret string) string {
	return prefix + Digest(secret)
}
