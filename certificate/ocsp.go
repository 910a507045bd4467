package certificate

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/caasmo/certinpieces/acme"
	"github.com/caasmo/certinpieces/transport"
)

const contentTypeOCSP = "application/ocsp-request"

// RevocationStatus is the outcome of an OCSP check.
type RevocationStatus int

const (
	// StatusGood means the responder vouched for the certificate.
	StatusGood RevocationStatus = iota
	// StatusRevoked means the responder reported the certificate revoked.
	StatusRevoked
	// StatusUnknown covers responder "unknown" answers and any failure to
	// reach or parse the responder. Treated as a soft condition.
	StatusUnknown
)

func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// VerifyDeep runs Verify and then checks the leaf against its OCSP
// responders. A revoked answer is a hard KindCertificate error. A
// responder that is unreachable, answers garbage, or says unknown only
// logs a warning: issuance must not be blocked by responder flakiness.
func (c *Chain) VerifyDeep(ctx context.Context, client *transport.Client, logger *slog.Logger) error {
	if err := c.Verify(time.Now()); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	status, err := c.CheckOCSP(ctx, client)
	if err != nil {
		logger.Warn("ocsp check inconclusive", "cn", c.CommonName(), "error", err)
		return nil
	}
	switch status {
	case StatusRevoked:
		return acme.Errorf(acme.KindCertificate, "certificate %s is revoked", c.CommonName())
	case StatusUnknown:
		logger.Warn("ocsp responder does not know the certificate", "cn", c.CommonName())
	}
	return nil
}

// CheckOCSP queries the leaf's OCSP responders in order and returns the
// first definitive answer. Requires at least one intermediate to act as
// issuer; a chain without one yields StatusUnknown.
func (c *Chain) CheckOCSP(ctx context.Context, client *transport.Client) (RevocationStatus, error) {
	if len(c.Leaf.OCSPServer) == 0 {
		return StatusUnknown, acme.Errorf(acme.KindCertificate, "certificate carries no OCSP responder URL")
	}
	if len(c.Intermediates) == 0 {
		return StatusUnknown, acme.Errorf(acme.KindCertificate, "no issuer certificate available for OCSP request")
	}
	issuer := c.Intermediates[0]

	req, err := ocsp.CreateRequest(c.Leaf, issuer, nil)
	if err != nil {
		return StatusUnknown, acme.NewError(acme.KindCrypto, "building OCSP request", err)
	}

	var lastErr error
	for _, server := range c.Leaf.OCSPServer {
		status, err := postOCSP(ctx, client, server, req, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		return status, nil
	}
	return StatusUnknown, fmt.Errorf("all OCSP responders failed: %w", lastErr)
}

func postOCSP(ctx context.Context, client *transport.Client, server string, req []byte, issuer *x509.Certificate) (RevocationStatus, error) {
	resp, err := client.Post(ctx, server, contentTypeOCSP, req)
	if err != nil {
		return StatusUnknown, fmt.Errorf("querying %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("responder %s answered status %d", server, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return StatusUnknown, fmt.Errorf("reading response from %s: %w", server, err)
	}
	parsed, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return StatusUnknown, fmt.Errorf("parsing response from %s: %w", server, err)
	}

	switch parsed.Status {
	case ocsp.Good:
		return StatusGood, nil
	case ocsp.Revoked:
		return StatusRevoked, nil
	default:
		return StatusUnknown, nil
	}
}
