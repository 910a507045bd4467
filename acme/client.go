package acme

import (
	"context"
	stdcrypto "crypto"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caasmo/certinpieces/transport"
)

const contentTypeJOSE = "application/jose+json"

// Client bundles the protocol building blocks against one ACME server. It
// is safe for concurrent use once the account is registered.
type Client struct {
	Transport *transport.Client
	Directory *DirectoryCache
	Nonces    *NoncePool
	Accounts  *AccountManager
	Orders    *OrderManager

	poster *poster
	logger *slog.Logger
}

// NewClient wires the managers in dependency order. accountKey signs every
// request; register (or recover) the account before placing orders.
func NewClient(httpClient *transport.Client, directoryURL string, accountKey stdcrypto.Signer, logger *slog.Logger) (*Client, error) {
	if accountKey == nil {
		return nil, Errorf(KindConfiguration, "account key is required")
	}
	if directoryURL == "" {
		return nil, Errorf(KindConfiguration, "directory URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "acme")

	dir := NewDirectoryCache(httpClient, directoryURL)
	nonces := NewNoncePool(NewNonceManager(httpClient, dir), 2, 6)
	p := &poster{http: httpClient, nonces: nonces, key: accountKey, logger: logger}

	c := &Client{
		Transport: httpClient,
		Directory: dir,
		Nonces:    nonces,
		poster:    p,
		logger:    logger,
	}
	c.Accounts = &AccountManager{poster: p, dir: dir, logger: logger.With("manager", "account")}
	c.Orders = &OrderManager{poster: p, dir: dir, logger: logger.With("manager", "order")}
	return c, nil
}

// AccountKey returns the signer currently used for requests. After a key
// rollover this is the new key.
func (c *Client) AccountKey() stdcrypto.Signer { return c.poster.Key() }

// KID returns the account URL used as the JWS key identifier, empty before
// registration.
func (c *Client) KID() string { return c.poster.KID() }

// SetKID installs a previously persisted account URL so the client can
// resume an existing account without re-registering.
func (c *Client) SetKID(kid string) { c.poster.setKID(kid) }

// poster signs payloads into JWS and POSTs them, handling nonce lifecycle
// and the single badNonce replay the protocol allows.
type poster struct {
	http   *transport.Client
	nonces *NoncePool
	logger *slog.Logger

	mu  sync.Mutex
	key stdcrypto.Signer
	kid string
}

func (p *poster) Key() stdcrypto.Signer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

func (p *poster) setKey(key stdcrypto.Signer) {
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()
}

func (p *poster) KID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kid
}

func (p *poster) setKID(kid string) {
	p.mu.Lock()
	p.kid = kid
	p.mu.Unlock()
}

// post signs payload and POSTs it to url. With useJWK the full public key
// is embedded in the protected header instead of the account URL; that is
// only correct for newAccount and the inner rollover JWS. A nil payload
// produces a POST-as-GET.
//
// Responses with a badNonce problem clear the nonce pool and are retried
// exactly once with a fresh nonce.
func (p *poster) post(ctx context.Context, url string, payload []byte, useJWK bool) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		nonce, err := p.nonces.Get(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		key, kid := p.key, p.kid
		p.mu.Unlock()
		if useJWK {
			kid = ""
		} else if kid == "" {
			return nil, Errorf(KindAccount, "no account registered: key identifier is empty")
		}

		body, err := signJWS(key, kid, nonce, url, payload)
		if err != nil {
			return nil, NewError(KindCrypto, "signing request", err)
		}

		resp, err := p.http.Post(ctx, url, contentTypeJOSE, []byte(body))
		if err != nil {
			return nil, NewError(KindTransport, fmt.Sprintf("posting to %s", url), err)
		}
		p.nonces.Cache(resp.Header.Get(replayNonceHeader))

		if resp.StatusCode < 400 {
			return resp, nil
		}

		problem := parseProblem(resp)
		retryAfter := transport.RetryAfter(resp.Header)
		drainClose(resp)

		if problem != nil && problem.IsBadNonce() && attempt == 0 {
			p.logger.Debug("stale nonce rejected, replaying request", "url", url)
			p.nonces.Clear()
			continue
		}
		return nil, problemError(problem, resp.StatusCode, retryAfter, url)
	}
}

// postAsGet fetches a resource with an empty-payload JWS (RFC 8555
// section 6.3).
func (p *poster) postAsGet(ctx context.Context, url string) (*http.Response, error) {
	return p.post(ctx, url, nil, false)
}

func parseProblem(resp *http.Response) *Problem {
	var problem Problem
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&problem); err != nil || problem.Type == "" {
		return nil
	}
	if problem.Status == 0 {
		problem.Status = resp.StatusCode
	}
	return &problem
}

func problemError(problem *Problem, status int, retryAfter time.Duration, url string) error {
	if problem == nil {
		return Errorf(KindProtocol, "request to %s failed with status %d", url, status)
	}
	kind := KindProtocol
	switch {
	case problem.Type == ProblemRateLimited:
		kind = KindRateLimited
	case problem.Type == ProblemAccountDoesNotExist:
		kind = KindAccount
	case status >= 500:
		kind = KindTransport
	}
	e := NewError(kind, fmt.Sprintf("request to %s rejected", url), nil)
	e.Problem = problem
	e.RetryAfter = retryAfter
	return e
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<22)).Decode(v); err != nil {
		return NewError(KindProtocol, "decoding response body", err)
	}
	return nil
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
