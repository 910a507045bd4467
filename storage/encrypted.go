package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/caasmo/certinpieces/acme"
	certcrypto "github.com/caasmo/certinpieces/crypto"
)

const encryptionKeySize = 32

// Encrypted wraps another Backend with AES-256-GCM encryption at rest.
// Stored values are nonce || ciphertext || tag; a fresh random nonce is
// drawn for every write. Keys and the key namespace stay in plaintext.
type Encrypted struct {
	inner Backend
	aead  cipher.AEAD
}

// NewEncrypted builds the decorator. key must be exactly 32 bytes.
func NewEncrypted(inner Backend, key []byte) (*Encrypted, error) {
	if len(key) != encryptionKeySize {
		return nil, acme.Errorf(acme.KindConfiguration,
			"encryption key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "initializing cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "initializing GCM", err)
	}
	return &Encrypted{inner: inner, aead: aead}, nil
}

func (e *Encrypted) Store(ctx context.Context, key string, value []byte) error {
	nonce, err := certcrypto.RandomBytes(e.aead.NonceSize())
	if err != nil {
		return acme.NewError(acme.KindCrypto, "generating nonce", err)
	}
	sealed := e.aead.Seal(nonce, nonce, value, nil)
	return e.inner.Store(ctx, key, sealed)
}

func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := e.aead.NonceSize()
	// A ciphertext shorter than nonce plus tag is corruption, not absence.
	if len(sealed) < ns+e.aead.Overhead() {
		return nil, acme.Errorf(acme.KindCrypto, "value for %q is too short to be a sealed blob", key)
	}
	plain, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, fmt.Sprintf("decrypting %q", key), err)
	}
	return plain, nil
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.List(ctx, prefix)
}
