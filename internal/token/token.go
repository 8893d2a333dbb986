// Package token generates worker secrets.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DefaultBytes is the entropy of a generated token before hex encoding.
const DefaultBytes = 32

// Generator produces hex-encoded random tokens.
type Generator struct {
	size int
}

// New returns a Generator emitting tokens with size bytes of entropy.
// Non-positive sizes fall back to DefaultBytes.
func New(size int) *Generator {
	if size <= 0 {
		size = DefaultBytes
	}
	return &Generator{size: size}
}

// NewToken returns a fresh token read from crypto/rand.
func (g *Generator) NewToken() (string, error) {
	buf := make([]byte, g.size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
