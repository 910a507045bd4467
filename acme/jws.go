package acme

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// staticNonce feeds a single already-fetched nonce into go-jose. The nonce
// manager owns acquisition; the signer only consumes.
type staticNonce string

func (s staticNonce) Nonce() (string, error) { return string(s), nil }

func joseAlgorithm(key stdcrypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		default:
			return "", Errorf(KindCrypto, "unsupported ECDSA curve: %s", k.Curve.Params().Name)
		}
	default:
		return "", Errorf(KindCrypto, "unsupported account key type: %T", key)
	}
}

// signJWS produces a flattened-JSON JWS over payload for the given target
// URL. With kid set the protected header carries the account URL; with kid
// empty the full JWK is embedded (only valid for newAccount and the inner
// key-change JWS). An empty nonce omits the header, as required for the
// inner key-change JWS.
//
// A nil payload produces the empty payload of a POST-as-GET request; use an
// empty JSON object ({}) to trigger challenge validation.
func signJWS(key stdcrypto.Signer, kid, nonce, url string, payload []byte) (string, error) {
	alg, err := joseAlgorithm(key)
	if err != nil {
		return "", err
	}

	opts := &jose.SignerOptions{}
	opts.WithHeader("url", url)
	if nonce != "" {
		opts.NonceSource = staticNonce(nonce)
	}

	signingKey := jose.SigningKey{Algorithm: alg, Key: key}
	if kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(alg)}
	} else {
		opts.EmbedJWK = true
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return "", NewError(KindCrypto, "failed to build JWS signer", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return "", NewError(KindCrypto, fmt.Sprintf("failed to sign request for %s", url), err)
	}
	return signed.FullSerialize(), nil
}
