package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caasmo/certinpieces/acme"
)

const certKeyPrefix = "cert:"

// CertificateBundle is everything needed to serve TLS for a set of
// domains: the full PEM chain, its private key, and bookkeeping.
type CertificateBundle struct {
	CertificatePEM string    `json:"certificate_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	Domains        []string  `json:"domains"`
	IssuedAt       time.Time `json:"issued_at,omitempty"`
}

// CertificateStore persists bundles on any Backend. A bundle's identity is
// its sorted domain set, so lookups are order-insensitive.
type CertificateStore struct {
	backend Backend
}

func NewCertificateStore(backend Backend) *CertificateStore {
	return &CertificateStore{backend: backend}
}

// BundleKey derives the storage key for a domain set: the prefix plus the
// lowercased domains, sorted and comma-joined.
func BundleKey(domains []string) string {
	normalized := make([]string, len(domains))
	for i, d := range domains {
		normalized[i] = strings.ToLower(strings.TrimSpace(d))
	}
	sort.Strings(normalized)
	return certKeyPrefix + strings.Join(normalized, ",")
}

func (s *CertificateStore) Save(ctx context.Context, bundle *CertificateBundle) error {
	if len(bundle.Domains) == 0 {
		return acme.Errorf(acme.KindInvalidInput, "certificate bundle has no domains")
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return acme.NewError(acme.KindStorage, "encoding certificate bundle", err)
	}
	if err := s.backend.Store(ctx, BundleKey(bundle.Domains), data); err != nil {
		return acme.NewError(acme.KindStorage, "saving certificate bundle", err)
	}
	return nil
}

// Load returns the bundle for the domain set, or a KindNotFound error.
func (s *CertificateStore) Load(ctx context.Context, domains []string) (*CertificateBundle, error) {
	data, err := s.backend.Load(ctx, BundleKey(domains))
	if err != nil {
		if IsNotFound(err) {
			return nil, acme.NewError(acme.KindNotFound,
				fmt.Sprintf("no certificate for %s", strings.Join(domains, ", ")), err)
		}
		return nil, acme.NewError(acme.KindStorage, "loading certificate bundle", err)
	}
	var bundle CertificateBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, acme.NewError(acme.KindStorage, "decoding certificate bundle", err)
	}
	return &bundle, nil
}

func (s *CertificateStore) Delete(ctx context.Context, domains []string) error {
	if err := s.backend.Delete(ctx, BundleKey(domains)); err != nil {
		if IsNotFound(err) {
			return acme.NewError(acme.KindNotFound,
				fmt.Sprintf("no certificate for %s", strings.Join(domains, ", ")), err)
		}
		return acme.NewError(acme.KindStorage, "deleting certificate bundle", err)
	}
	return nil
}

// List returns the domain sets of every stored bundle.
func (s *CertificateStore) List(ctx context.Context) ([][]string, error) {
	keys, err := s.backend.List(ctx, certKeyPrefix)
	if err != nil {
		return nil, acme.NewError(acme.KindStorage, "listing certificate bundles", err)
	}
	sets := make([][]string, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, strings.Split(strings.TrimPrefix(k, certKeyPrefix), ","))
	}
	return sets, nil
}
