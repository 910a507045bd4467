package acme

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/idna"

	certcrypto "github.com/caasmo/certinpieces/crypto"
	"github.com/caasmo/certinpieces/transport"
)

const (
	// pollFallback is the wait between order polls when the server sends
	// no Retry-After header.
	pollFallback = 2 * time.Second
	// pollMaxAttempts bounds a single Poll call.
	pollMaxAttempts = 30
)

// OrderManager drives the order state machine: creation, authorization and
// challenge access, polling, finalization and certificate download.
type OrderManager struct {
	poster *poster
	dir    *DirectoryCache
	logger *slog.Logger
}

type newOrderRequest struct {
	Identifiers []Identifier `json:"identifiers"`
}

// NormalizeDomain lowercases and IDNA-encodes a domain, preserving a
// leading wildcard label.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return "", Errorf(KindInvalidInput, "empty domain")
	}
	wildcard := strings.HasPrefix(domain, "*.")
	base := domain
	if wildcard {
		base = domain[2:]
	}
	ascii, err := idna.Lookup.ToASCII(base)
	if err != nil {
		return "", NewError(KindInvalidInput, "invalid domain "+domain, err)
	}
	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}

// Create places a new order for the given domains. Domains are normalized
// first; duplicates are collapsed. The returned order carries its URL from
// the Location header.
func (m *OrderManager) Create(ctx context.Context, domains []string) (*Order, error) {
	if len(domains) == 0 {
		return nil, Errorf(KindInvalidInput, "order needs at least one domain")
	}

	dir, err := m.dir.Get(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(domains))
	identifiers := make([]Identifier, 0, len(domains))
	for _, d := range domains {
		norm, err := NormalizeDomain(d)
		if err != nil {
			return nil, err
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		identifiers = append(identifiers, DNSIdentifier(norm))
	}

	payload, err := json.Marshal(newOrderRequest{Identifiers: identifiers})
	if err != nil {
		return nil, NewError(KindInvalidInput, "encoding order request", err)
	}

	resp, err := m.poster.post(ctx, dir.NewOrder, payload, false)
	if err != nil {
		return nil, err
	}

	orderURL := resp.Header.Get("Location")
	var order Order
	if err := decodeJSON(resp, &order); err != nil {
		return nil, err
	}
	if orderURL == "" {
		return nil, Errorf(KindProtocol, "newOrder response missing Location header")
	}
	order.URL = orderURL

	m.logger.Info("order created", "url", orderURL, "status", order.Status, "identifiers", len(identifiers))
	return &order, nil
}

// Get refetches an order by URL.
func (m *OrderManager) Get(ctx context.Context, orderURL string) (*Order, error) {
	resp, err := m.poster.postAsGet(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := decodeJSON(resp, &order); err != nil {
		return nil, err
	}
	order.URL = orderURL
	return &order, nil
}

// GetAuthorization fetches one authorization object.
func (m *OrderManager) GetAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	resp, err := m.poster.postAsGet(ctx, authzURL)
	if err != nil {
		return nil, err
	}
	var authz Authorization
	if err := decodeJSON(resp, &authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

// PollAuthorization refetches an authorization until it leaves pending,
// honoring Retry-After between attempts. An authorization going invalid
// fails immediately with the failed challenge's problem attached; the
// error is fatal.
func (m *OrderManager) PollAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	for attempt := 1; attempt <= pollMaxAttempts; attempt++ {
		resp, err := m.poster.postAsGet(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		retryAfter := transport.RetryAfter(resp.Header)

		var authz Authorization
		if err := decodeJSON(resp, &authz); err != nil {
			return nil, err
		}

		switch authz.Status {
		case StatusInvalid:
			e := Errorf(KindOrder, "authorization for %s went invalid", authz.Identifier.Value)
			e.OrderStatus = StatusInvalid
			for _, ch := range authz.Challenges {
				if ch.Error != nil {
					e.Problem = ch.Error
					break
				}
			}
			return nil, e
		case StatusPending:
		default:
			return &authz, nil
		}

		delay := retryAfter
		if delay <= 0 {
			delay = pollFallback
		}
		m.logger.Debug("authorization still pending, waiting",
			"url", authzURL, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(KindTimeout, "polling authorization "+authzURL, ctx.Err())
		}
	}
	return nil, Errorf(KindTimeout, "authorization %s did not settle after %d polls", authzURL, pollMaxAttempts)
}

// DeactivateAuthorization tells the server to stop considering an
// authorization, releasing its identifier.
func (m *OrderManager) DeactivateAuthorization(ctx context.Context, authzURL string) error {
	payload := []byte(`{"status":"deactivated"}`)
	resp, err := m.poster.post(ctx, authzURL, payload, false)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// RespondChallenge signals the server that a challenge is ready to be
// validated. The protocol requires an empty JSON object as payload.
func (m *OrderManager) RespondChallenge(ctx context.Context, challengeURL string) (*Challenge, error) {
	resp, err := m.poster.post(ctx, challengeURL, []byte("{}"), false)
	if err != nil {
		return nil, err
	}
	var ch Challenge
	if err := decodeJSON(resp, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Poll refetches the order until it reaches one of the target statuses,
// honoring Retry-After between attempts. An order going invalid fails
// immediately with the server's problem attached; the error is fatal.
func (m *OrderManager) Poll(ctx context.Context, orderURL string, targets ...string) (*Order, error) {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	for attempt := 1; attempt <= pollMaxAttempts; attempt++ {
		resp, err := m.poster.postAsGet(ctx, orderURL)
		if err != nil {
			return nil, err
		}
		retryAfter := transport.RetryAfter(resp.Header)

		var order Order
		if err := decodeJSON(resp, &order); err != nil {
			return nil, err
		}
		order.URL = orderURL

		if order.Status == StatusInvalid {
			e := Errorf(KindOrder, "order %s went invalid", orderURL)
			e.OrderStatus = StatusInvalid
			e.Problem = order.Error
			return nil, e
		}
		if want[order.Status] {
			return &order, nil
		}

		delay := retryAfter
		if delay <= 0 {
			delay = pollFallback
		}
		m.logger.Debug("order not ready, waiting",
			"url", orderURL, "status", order.Status, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(KindTimeout, "polling order "+orderURL, ctx.Err())
		}
	}
	return nil, Errorf(KindTimeout, "order %s did not settle after %d polls", orderURL, pollMaxAttempts)
}

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// Finalize submits the CSR (DER, base64url per the protocol) to the
// order's finalize endpoint.
func (m *OrderManager) Finalize(ctx context.Context, finalizeURL string, csrDER []byte) (*Order, error) {
	payload, err := json.Marshal(finalizeRequest{CSR: certcrypto.Base64URL(csrDER)})
	if err != nil {
		return nil, NewError(KindInvalidInput, "encoding finalize request", err)
	}
	resp, err := m.poster.post(ctx, finalizeURL, payload, false)
	if err != nil {
		return nil, err
	}
	orderURL := resp.Header.Get("Location")
	var order Order
	if err := decodeJSON(resp, &order); err != nil {
		return nil, err
	}
	if orderURL != "" {
		order.URL = orderURL
	}
	return &order, nil
}

// DownloadCertificate fetches the issued PEM chain.
func (m *OrderManager) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	resp, err := m.poster.postAsGet(ctx, certURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	pemChain, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, NewError(KindTransport, "reading certificate body", err)
	}
	if len(pemChain) == 0 {
		return nil, Errorf(KindCertificate, "certificate endpoint %s returned an empty body", certURL)
	}
	return pemChain, nil
}

type revokeRequest struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason,omitempty"`
}

// RevokeCertificate revokes a certificate given its DER encoding. reason
// may be nil to omit the RFC 5280 reason code.
func (m *OrderManager) RevokeCertificate(ctx context.Context, certDER []byte, reason *RevocationReason) error {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return err
	}
	req := revokeRequest{Certificate: certcrypto.Base64URL(certDER)}
	if reason != nil {
		r := int(*reason)
		req.Reason = &r
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return NewError(KindInvalidInput, "encoding revocation request", err)
	}
	resp, err := m.poster.post(ctx, dir.RevokeCert, payload, false)
	if err != nil {
		return err
	}
	drainClose(resp)
	m.logger.Info("certificate revoked")
	return nil
}
