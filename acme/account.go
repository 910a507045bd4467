package acme

import (
	"context"
	stdcrypto "crypto"
	"encoding/json"
	"log/slog"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"
)

// AccountManager drives the RFC 8555 account resource: registration,
// contact updates, deactivation and key rollover.
type AccountManager struct {
	poster *poster
	dir    *DirectoryCache
	logger *slog.Logger
}

type accountRequest struct {
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	Contact              []string `json:"contact,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
	Status               string   `json:"status,omitempty"`
}

// Register creates an account for the client's key, or returns the
// existing one if the key is already registered (the server answers 200
// instead of 201 in that case). The account URL from the Location header
// becomes the key identifier for all subsequent requests.
func (m *AccountManager) Register(ctx context.Context, contacts []string, tosAgreed bool) (*Account, error) {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(accountRequest{
		TermsOfServiceAgreed: tosAgreed,
		Contact:              contacts,
	})
	if err != nil {
		return nil, NewError(KindInvalidInput, "encoding account request", err)
	}

	resp, err := m.poster.post(ctx, dir.NewAccount, payload, true)
	if err != nil {
		return nil, err
	}

	kid := resp.Header.Get("Location")
	if kid == "" {
		drainClose(resp)
		return nil, Errorf(KindProtocol, "newAccount response missing Location header")
	}

	var account Account
	if err := decodeJSON(resp, &account); err != nil {
		return nil, err
	}
	account.URL = kid
	m.poster.setKID(kid)

	switch resp.StatusCode {
	case http.StatusCreated:
		m.logger.Info("account registered", "url", kid)
	case http.StatusOK:
		m.logger.Info("existing account recovered", "url", kid)
	}
	return &account, nil
}

// Lookup finds the account for the client's key without creating one. A
// server that does not know the key answers with accountDoesNotExist,
// which surfaces as a KindAccount error.
func (m *AccountManager) Lookup(ctx context.Context) (*Account, error) {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(accountRequest{OnlyReturnExisting: true})
	if err != nil {
		return nil, NewError(KindInvalidInput, "encoding account lookup", err)
	}

	resp, err := m.poster.post(ctx, dir.NewAccount, payload, true)
	if err != nil {
		return nil, err
	}

	kid := resp.Header.Get("Location")
	var account Account
	if err := decodeJSON(resp, &account); err != nil {
		return nil, err
	}
	account.URL = kid
	if kid != "" {
		m.poster.setKID(kid)
	}
	return &account, nil
}

// Get fetches the current account object with a POST-as-GET.
func (m *AccountManager) Get(ctx context.Context) (*Account, error) {
	kid := m.poster.KID()
	if kid == "" {
		return nil, Errorf(KindAccount, "no account registered")
	}
	resp, err := m.poster.postAsGet(ctx, kid)
	if err != nil {
		return nil, err
	}
	var account Account
	if err := decodeJSON(resp, &account); err != nil {
		return nil, err
	}
	account.URL = kid
	return &account, nil
}

// Update replaces the account's contact list.
func (m *AccountManager) Update(ctx context.Context, contacts []string) (*Account, error) {
	kid := m.poster.KID()
	if kid == "" {
		return nil, Errorf(KindAccount, "no account registered")
	}
	payload, err := json.Marshal(accountRequest{Contact: contacts})
	if err != nil {
		return nil, NewError(KindInvalidInput, "encoding account update", err)
	}
	resp, err := m.poster.post(ctx, kid, payload, false)
	if err != nil {
		return nil, err
	}
	var account Account
	if err := decodeJSON(resp, &account); err != nil {
		return nil, err
	}
	account.URL = kid
	return &account, nil
}

// Deactivate permanently disables the account. The server refuses all
// further requests signed by its key.
func (m *AccountManager) Deactivate(ctx context.Context) error {
	kid := m.poster.KID()
	if kid == "" {
		return Errorf(KindAccount, "no account registered")
	}
	payload, err := json.Marshal(accountRequest{Status: StatusDeactivated})
	if err != nil {
		return NewError(KindInvalidInput, "encoding account deactivation", err)
	}
	resp, err := m.poster.post(ctx, kid, payload, false)
	if err != nil {
		return err
	}
	drainClose(resp)
	m.logger.Info("account deactivated", "url", kid)
	return nil
}

type keyChangePayload struct {
	Account string          `json:"account"`
	OldKey  json.RawMessage `json:"oldKey"`
}

// KeyRollover switches the account to newKey (RFC 8555 section 7.3.5).
// The inner JWS is signed by the new key with its public JWK embedded and
// no nonce; the outer JWS is a normal kid-authenticated request signed by
// the old key. On success the client signs with newKey from then on.
func (m *AccountManager) KeyRollover(ctx context.Context, newKey stdcrypto.Signer) error {
	kid := m.poster.KID()
	if kid == "" {
		return Errorf(KindAccount, "no account registered")
	}
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return err
	}

	oldJWK := jose.JSONWebKey{Key: m.poster.Key().Public()}
	oldKeyJSON, err := oldJWK.MarshalJSON()
	if err != nil {
		return NewError(KindCrypto, "encoding old account key", err)
	}

	inner, err := json.Marshal(keyChangePayload{Account: kid, OldKey: oldKeyJSON})
	if err != nil {
		return NewError(KindInvalidInput, "encoding key change payload", err)
	}
	innerJWS, err := signJWS(newKey, "", "", dir.KeyChange, inner)
	if err != nil {
		return NewError(KindCrypto, "signing inner key change", err)
	}

	resp, err := m.poster.post(ctx, dir.KeyChange, []byte(innerJWS), false)
	if err != nil {
		return err
	}
	drainClose(resp)

	m.poster.setKey(newKey)
	m.logger.Info("account key rolled over", "url", kid)
	return nil
}
