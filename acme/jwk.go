package acme

import (
	stdcrypto "crypto"

	"github.com/go-jose/go-jose/v4"

	certcrypto "github.com/caasmo/certinpieces/crypto"
)

// JWKThumbprint computes the RFC 7638 SHA-256 thumbprint of a public key,
// base64url-encoded without padding. go-jose canonicalizes the required JWK
// members in lexicographic order, which is exactly what the RFC demands.
func JWKThumbprint(pub stdcrypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	digest, err := jwk.Thumbprint(stdcrypto.SHA256)
	if err != nil {
		return "", NewError(KindCrypto, "failed to compute JWK thumbprint", err)
	}
	return certcrypto.Base64URL(digest), nil
}

// KeyAuthorization derives the proof string for a challenge token:
// token "." thumbprint(account public key). The CA compares this against
// what the solver presents to the outside world.
func KeyAuthorization(token string, accountKey stdcrypto.Signer) (string, error) {
	if token == "" {
		return "", Errorf(KindInvalidInput, "empty challenge token")
	}
	thumb, err := JWKThumbprint(accountKey.Public())
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// DNS01RecordValue computes the TXT record payload for a DNS-01 challenge:
// base64url(SHA-256(key authorization)).
func DNS01RecordValue(keyAuthorization string) string {
	return certcrypto.Base64URL(certcrypto.SHA256Sum([]byte(keyAuthorization)))
}
