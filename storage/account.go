package storage

import (
	"context"
	stdcrypto "crypto"
	"encoding/json"

	"github.com/caasmo/certinpieces/acme"
	certcrypto "github.com/caasmo/certinpieces/crypto"
)

const (
	accountKeyKey  = "account_key"
	accountMetaKey = "account_meta"
)

type accountMeta struct {
	URL      string   `json:"url"`
	Contacts []string `json:"contacts,omitempty"`
}

// SaveAccountKey persists the ACME account key as PKCS#8 PEM under a fixed
// key so a restart can resume the same account.
func SaveAccountKey(ctx context.Context, backend Backend, key stdcrypto.Signer) error {
	pemBytes, err := certcrypto.MarshalKeyPEM(key)
	if err != nil {
		return acme.NewError(acme.KindCrypto, "encoding account key", err)
	}
	if err := backend.Store(ctx, accountKeyKey, pemBytes); err != nil {
		return acme.NewError(acme.KindStorage, "saving account key", err)
	}
	return nil
}

// LoadAccountKey returns the persisted account key, or a KindNotFound
// error when none has been saved yet.
func LoadAccountKey(ctx context.Context, backend Backend) (stdcrypto.Signer, error) {
	pemBytes, err := backend.Load(ctx, accountKeyKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, acme.NewError(acme.KindNotFound, "no account key stored", err)
		}
		return nil, acme.NewError(acme.KindStorage, "loading account key", err)
	}
	key, err := certcrypto.ParseKeyPEM(pemBytes)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "parsing stored account key", err)
	}
	return key, nil
}

// SaveAccountURL records the registered account URL and contacts.
func SaveAccountURL(ctx context.Context, backend Backend, url string, contacts []string) error {
	data, err := json.Marshal(accountMeta{URL: url, Contacts: contacts})
	if err != nil {
		return acme.NewError(acme.KindStorage, "encoding account metadata", err)
	}
	if err := backend.Store(ctx, accountMetaKey, data); err != nil {
		return acme.NewError(acme.KindStorage, "saving account metadata", err)
	}
	return nil
}

// LoadAccountURL returns the persisted account URL, empty when absent.
func LoadAccountURL(ctx context.Context, backend Backend) (string, error) {
	data, err := backend.Load(ctx, accountMetaKey)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", acme.NewError(acme.KindStorage, "loading account metadata", err)
	}
	var meta accountMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", acme.NewError(acme.KindStorage, "decoding account metadata", err)
	}
	return meta.URL, nil
}
