package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyAlgorithm selects the algorithm used when generating a new key pair.
type KeyAlgorithm string

const (
	// KeyAlgorithmEd25519 is the preferred algorithm for ACME account keys.
	KeyAlgorithmEd25519 KeyAlgorithm = "ed25519"
	// KeyAlgorithmECDSAP256 is used for certificate keys and as a fallback
	// for CAs that do not accept EdDSA account keys.
	KeyAlgorithmECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

const pemBlockPrivateKey = "PRIVATE KEY"

// GenerateKeyPair creates a new private key with the given algorithm.
func GenerateKeyPair(alg KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case KeyAlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to generate ed25519 key: %w", err)
		}
		return priv, nil
	case KeyAlgorithmECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to generate ecdsa key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported key algorithm: %q", alg)
	}
}

// MarshalKeyPEM serializes a private key as a PKCS#8 PEM block.
func MarshalKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockPrivateKey, Bytes: der}), nil
}

// ParseKeyPEM parses a PKCS#8 PEM private key written by MarshalKeyPEM.
// It accepts the SEC1 "EC PRIVATE KEY" form as well, for keys imported
// from other tooling.
func ParseKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found in key data")
	}

	switch block.Type {
	case pemBlockPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to parse PKCS#8 key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("crypto: key type %T is not a signer", key)
		}
		return signer, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to parse EC key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported PEM block type: %q", block.Type)
	}
}
