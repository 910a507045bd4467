package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// Base64URL encodes data as base64url without padding, the encoding every
// ACME field uses (RFC 8555 section 5).
func Base64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode reverses Base64URL.
func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// SHA256Sum returns the SHA-256 digest of data.
func SHA256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
