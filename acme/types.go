// Package acme implements the client side of RFC 8555: directory discovery,
// nonce management, JWS-signed requests, and the account and order state
// machines. Higher-level issuance workflows live in the root package.
package acme

import "time"

// Order, authorization and challenge statuses as defined by RFC 8555
// sections 7.1.3, 7.1.4 and 8.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Challenge types this module knows how to solve.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeDNS01     = "dns-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// Directory is the ACME directory document (RFC 8555 section 7.1.1). It is
// fetched once and cached for the process lifetime.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`

	Meta struct {
		TermsOfService          string   `json:"termsOfService,omitempty"`
		Website                 string   `json:"website,omitempty"`
		CAAIdentities           []string `json:"caaIdentities,omitempty"`
		ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
	} `json:"meta,omitempty"`
}

// Identifier names a subject of an order: a DNS name or an IP literal.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DNSIdentifier builds a "dns" identifier for a domain.
func DNSIdentifier(domain string) Identifier {
	return Identifier{Type: "dns", Value: domain}
}

// Account is the server-side account object. URL is the Location the server
// assigned on registration and doubles as the JWS "kid" for every
// subsequent request.
type Account struct {
	URL                  string   `json:"-"`
	Status               string   `json:"status,omitempty"`
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	Orders               string   `json:"orders,omitempty"`
}

// Order tracks a certificate request through the pending → ready →
// processing → valid state machine (RFC 8555 section 7.1.6). URL is the
// Location header from order creation; it is not part of the wire object.
type Order struct {
	URL            string       `json:"-"`
	Status         string       `json:"status"`
	Expires        time.Time    `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations,omitempty"`
	Finalize       string       `json:"finalize,omitempty"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
}

// Authorization is the per-identifier proof-of-control object. The server
// accepts it as soon as any one of its challenges reaches "valid".
type Authorization struct {
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Expires    time.Time   `json:"expires,omitempty"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is one mechanism offered by the CA to validate an
// authorization. The key authorization is derived from Token and the
// account key's thumbprint; it is never part of the wire object.
type Challenge struct {
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Status    string    `json:"status,omitempty"`
	Validated time.Time `json:"validated,omitempty"`
	Error     *Problem  `json:"error,omitempty"`
}

// RevocationReason is the RFC 5280 CRLReason code sent with a revocation
// request.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)
