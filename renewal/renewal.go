// Package renewal decides when certificates need reissuing and runs the
// renewals, either on a simple periodic sweep or through a prioritized,
// bounded-concurrency queue.
package renewal

import (
	"context"
	"log/slog"
	"time"

	"github.com/caasmo/certinpieces/certificate"
	"github.com/caasmo/certinpieces/storage"
)

// Renewer performs one renewal for a domain set, persisting and returning
// the fresh certificate bundle.
type Renewer interface {
	Renew(ctx context.Context, domains []string) (*storage.CertificateBundle, error)
}

// RenewerFunc adapts a function to the Renewer interface.
type RenewerFunc func(ctx context.Context, domains []string) (*storage.CertificateBundle, error)

func (f RenewerFunc) Renew(ctx context.Context, domains []string) (*storage.CertificateBundle, error) {
	return f(ctx, domains)
}

// Hook observes the renewal lifecycle. AfterRenewal receives the fresh
// bundle so consumers can hot-reload TLS or fan out notifications. Hooks
// run on the worker's goroutine.
type Hook interface {
	BeforeRenewal(ctx context.Context, domains []string)
	AfterRenewal(ctx context.Context, domains []string, bundle *storage.CertificateBundle)
	OnError(ctx context.Context, domains []string, err error)
}

// NeedsRenewal reports whether the bundle should be reissued now. A
// missing bundle, an unparseable certificate, or a certificate inside the
// renewBefore window of its expiry all mean renew. renewBefore of zero
// means renew only at actual expiry.
func NeedsRenewal(bundle *storage.CertificateBundle, renewBefore time.Duration, now time.Time, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if bundle == nil || bundle.CertificatePEM == "" {
		return true
	}

	chain, err := certificate.ParseChain([]byte(bundle.CertificatePEM))
	if err != nil {
		logger.Warn("stored certificate is unparseable, forcing renewal",
			"domains", bundle.Domains, "error", err)
		return true
	}

	threshold := chain.NotAfter().Add(-renewBefore)
	return !now.Before(threshold)
}
