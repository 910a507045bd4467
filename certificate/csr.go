package certificate

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"

	"github.com/caasmo/certinpieces/acme"
)

// CreateCSR builds a DER-encoded certificate signing request for exactly
// the given identifiers. Values that parse as IP addresses go into the IP
// SAN list, everything else into DNS SANs; the first DNS name doubles as
// the subject common name.
func CreateCSR(key stdcrypto.Signer, identifiers []string) ([]byte, error) {
	if len(identifiers) == 0 {
		return nil, acme.Errorf(acme.KindInvalidInput, "CSR needs at least one identifier")
	}

	var dnsNames []string
	var ips []net.IP
	for _, id := range identifiers {
		if ip := net.ParseIP(id); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dnsNames = append(dnsNames, id)
	}

	tmpl := &x509.CertificateRequest{
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}
	if len(dnsNames) > 0 {
		tmpl.Subject = pkix.Name{CommonName: dnsNames[0]}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "creating certificate request", err)
	}
	return der, nil
}
