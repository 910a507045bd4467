package crypto

import (
	"crypto/rand"
	"fmt"
)

// RandomBytes fills a fresh buffer of the given length from the system
// CSPRNG. Used for AEAD nonces and certificate serial material.
func RandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}
