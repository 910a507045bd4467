package certinpieces

import (
	"context"
	"log/slog"
	"time"

	"github.com/caasmo/certinpieces/acme"
	"github.com/caasmo/certinpieces/certificate"
	"github.com/caasmo/certinpieces/challenge"
	certcrypto "github.com/caasmo/certinpieces/crypto"
	"github.com/caasmo/certinpieces/storage"
	"github.com/caasmo/certinpieces/transport"
)

// Provisioner runs the full issuance flow for a domain set: order,
// challenges, finalization, download, verification and persistence. It
// satisfies renewal.Renewer so the schedulers can drive it directly.
type Provisioner struct {
	client    *acme.Client
	registry  *challenge.Registry
	store     *storage.CertificateStore
	transport *transport.Client
	logger    *slog.Logger

	// DeepVerify additionally checks the fresh chain against OCSP.
	DeepVerify bool
}

func NewProvisioner(client *acme.Client, registry *challenge.Registry, store *storage.CertificateStore, tc *transport.Client, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		client:    client,
		registry:  registry,
		store:     store,
		transport: tc,
		logger:    logger.With("component", "provisioner"),
	}
}

// Renew obtains a fresh certificate for the domain set, persists it and
// returns the bundle.
func (p *Provisioner) Renew(ctx context.Context, domains []string) (*storage.CertificateBundle, error) {
	return p.Obtain(ctx, domains)
}

// Obtain walks one order from creation to a stored bundle and returns it.
// Every solver that staged challenge material is cleaned up on every exit
// path, including cancellation; cleanup failures are logged and never mask
// the primary error.
func (p *Provisioner) Obtain(ctx context.Context, domains []string) (bundle *storage.CertificateBundle, err error) {
	logger := p.logger.With("domains", domains)
	logger.Info("starting issuance")

	order, err := p.client.Orders.Create(ctx, domains)
	if err != nil {
		return nil, err
	}

	prepared := make(map[challenge.Solver]bool)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		for solver := range prepared {
			if cerr := solver.Cleanup(cleanupCtx); cerr != nil {
				logger.Warn("challenge cleanup failed", "type", solver.Type(), "error", cerr)
			}
		}
	}()

	if order.Status == acme.StatusPending {
		if err := p.solveAuthorizations(ctx, order, prepared, logger); err != nil {
			return nil, err
		}
		order, err = p.client.Orders.Poll(ctx, order.URL, acme.StatusReady, acme.StatusValid)
		if err != nil {
			return nil, err
		}
	}

	// The CSR must cover exactly the order's identifier set, which can
	// differ in order and case from the input.
	identifiers := make([]string, len(order.Identifiers))
	for i, ident := range order.Identifiers {
		identifiers[i] = ident.Value
	}

	certKey, err := certcrypto.GenerateKeyPair(certcrypto.KeyAlgorithmECDSAP256)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "generating certificate key", err)
	}
	csr, err := certificate.CreateCSR(certKey, identifiers)
	if err != nil {
		return nil, err
	}

	if order.Status != acme.StatusValid {
		orderURL := order.URL
		order, err = p.client.Orders.Finalize(ctx, order.Finalize, csr)
		if err != nil {
			return nil, err
		}
		// The finalize response may omit the Location header; keep polling
		// the order we already know.
		if order.URL == "" {
			order.URL = orderURL
		}
		order, err = p.client.Orders.Poll(ctx, order.URL, acme.StatusValid)
		if err != nil {
			return nil, err
		}
	}
	if order.Certificate == "" {
		return nil, acme.Errorf(acme.KindOrder, "valid order carries no certificate URL")
	}

	pemChain, err := p.client.Orders.DownloadCertificate(ctx, order.Certificate)
	if err != nil {
		return nil, err
	}

	chain, err := certificate.ParseChain(pemChain)
	if err != nil {
		return nil, err
	}
	if err := chain.Verify(time.Now()); err != nil {
		return nil, err
	}
	if !chain.Covers(identifiers) {
		return nil, acme.Errorf(acme.KindCertificate,
			"issued certificate does not cover all requested identifiers")
	}
	if p.DeepVerify {
		if err := chain.VerifyDeep(ctx, p.transport, logger); err != nil {
			return nil, err
		}
	}

	keyPEM, err := certcrypto.MarshalKeyPEM(certKey)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "encoding certificate key", err)
	}

	bundle = &storage.CertificateBundle{
		CertificatePEM: string(pemChain),
		PrivateKeyPEM:  string(keyPEM),
		Domains:        identifiers,
		IssuedAt:       time.Now().UTC(),
	}
	if err := p.store.Save(ctx, bundle); err != nil {
		return nil, err
	}

	logger.Info("issuance complete", "not_after", chain.NotAfter())
	return bundle, nil
}

// solveAuthorizations works through the order's authorizations one at a
// time: each is prepared, presented, responded to and polled out of
// pending before the next is touched.
func (p *Provisioner) solveAuthorizations(ctx context.Context, order *acme.Order, prepared map[challenge.Solver]bool, logger *slog.Logger) error {
	accountKey := p.client.AccountKey()

	for _, authzURL := range order.Authorizations {
		authz, err := p.client.Orders.GetAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		if authz.Status == acme.StatusValid {
			logger.Debug("authorization already valid", "identifier", authz.Identifier.Value)
			continue
		}
		if authz.Status != acme.StatusPending {
			e := acme.Errorf(acme.KindChallenge,
				"authorization for %s is %s", authz.Identifier.Value, authz.Status)
			return e
		}

		ch, solver, err := p.registry.Select(authz)
		if err != nil {
			return err
		}
		keyAuth, err := acme.KeyAuthorization(ch.Token, accountKey)
		if err != nil {
			return err
		}

		identifier := authz.Identifier
		if authz.Wildcard {
			identifier.Value = "*." + identifier.Value
		}
		prepared[solver] = true
		if err := solver.Prepare(ctx, ch, identifier, keyAuth); err != nil {
			return err
		}
		if err := solver.Present(ctx); err != nil {
			return err
		}
		if err := solver.Verify(ctx, ch, identifier, keyAuth); err != nil {
			return err
		}
		if _, err := p.client.Orders.RespondChallenge(ctx, ch.URL); err != nil {
			return err
		}
		logger.Info("challenge submitted", "identifier", identifier.Value, "type", ch.Type)

		if _, err := p.client.Orders.PollAuthorization(ctx, authzURL); err != nil {
			return err
		}
		logger.Info("authorization settled", "identifier", identifier.Value)
	}
	return nil
}
