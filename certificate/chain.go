// Package certificate parses and inspects issued PEM chains and checks
// revocation status over OCSP.
package certificate

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caasmo/certinpieces/acme"
)

// Chain is a parsed certificate chain: the end-entity certificate first,
// then any intermediates in the order they appeared in the PEM.
type Chain struct {
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
}

// ParseChain decodes a PEM chain. The first CERTIFICATE block is the leaf.
// Non-certificate blocks are skipped; an input with no certificate at all
// is a KindCertificate error, never a panic.
func ParseChain(pemBytes []byte) (*Chain, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, acme.NewError(acme.KindCertificate,
				fmt.Sprintf("parsing certificate %d in chain", len(certs)), err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, acme.Errorf(acme.KindCertificate, "no certificates found in PEM input")
	}
	return &Chain{Leaf: certs[0], Intermediates: certs[1:]}, nil
}

// CommonName returns the leaf's subject common name.
func (c *Chain) CommonName() string {
	return c.Leaf.Subject.CommonName
}

// DNSNames returns the leaf's DNS subject alternative names.
func (c *Chain) DNSNames() []string {
	return c.Leaf.DNSNames
}

// IPAddresses returns the leaf's IP subject alternative names.
func (c *Chain) IPAddresses() []net.IP {
	return c.Leaf.IPAddresses
}

// OCSPServers returns the leaf's OCSP responder URLs, which may be empty.
func (c *Chain) OCSPServers() []string {
	return c.Leaf.OCSPServer
}

// NotAfter returns the leaf's expiry.
func (c *Chain) NotAfter() time.Time {
	return c.Leaf.NotAfter
}

// Covers reports whether the leaf's SANs include every given domain,
// either literally or through a wildcard entry.
func (c *Chain) Covers(domains []string) bool {
	for _, d := range domains {
		if !matchesAny(c.Leaf.DNSNames, d) {
			return false
		}
	}
	return true
}

func matchesAny(sans []string, domain string) bool {
	for _, san := range sans {
		if san == domain {
			return true
		}
		// A wildcard SAN matches exactly one additional label.
		if strings.HasPrefix(san, "*.") {
			suffix := san[1:]
			if strings.HasSuffix(domain, suffix) {
				label := domain[:len(domain)-len(suffix)]
				if label != "" && !strings.Contains(label, ".") {
					return true
				}
			}
		}
	}
	return false
}

// Verify checks the validity windows of every certificate in the chain
// against now. It does not build a path to a trusted root; the issuing CA
// already did that.
func (c *Chain) Verify(now time.Time) error {
	all := append([]*x509.Certificate{c.Leaf}, c.Intermediates...)
	for i, cert := range all {
		if now.Before(cert.NotBefore) {
			return acme.Errorf(acme.KindCertificate,
				"certificate %d (%s) is not valid until %s", i, cert.Subject.CommonName, cert.NotBefore)
		}
		if now.After(cert.NotAfter) {
			return acme.Errorf(acme.KindCertificate,
				"certificate %d (%s) expired at %s", i, cert.Subject.CommonName, cert.NotAfter)
		}
	}
	return nil
}
