// Package certinpieces wires the pieces into a running certificate
// manager: config, storage, the ACME client, challenge solvers and the
// renewal scheduler.
package certinpieces

import (
	"context"
	stdcrypto "crypto"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/caasmo/certinpieces/acme"
	"github.com/caasmo/certinpieces/certificate"
	"github.com/caasmo/certinpieces/challenge"
	"github.com/caasmo/certinpieces/config"
	certcrypto "github.com/caasmo/certinpieces/crypto"
	"github.com/caasmo/certinpieces/renewal"
	"github.com/caasmo/certinpieces/storage"
	"github.com/caasmo/certinpieces/transport"
)

// App is the assembled certificate manager.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	transport   *transport.Client
	backend     storage.Backend
	certStore   *storage.CertificateStore
	client      *acme.Client
	registry    *challenge.Registry
	provisioner *Provisioner
	scheduler   *renewal.Scheduler
	queue       *renewal.QueueScheduler

	dnsProvider challenge.DNSProvider
	httpClient  *http.Client
	hooks       []renewal.Hook
}

// New builds an App from configuration and options. Network traffic only
// starts with EnsureAccount or Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	a.transport = transport.NewClient(a.httpClient, transport.Options{
		Timeout:            cfg.Transport.Timeout.Duration,
		MaxAttempts:        cfg.Transport.MaxAttempts,
		InitialBackoff:     cfg.Transport.InitialBackoff.Duration,
		MaxBackoff:         cfg.Transport.MaxBackoff.Duration,
		RateBurst:          cfg.Transport.RateBurst,
		RatePerSecond:      cfg.Transport.RatePerSecond,
		MaxInflightPerHost: cfg.Transport.MaxInflight,
	}, a.logger)
	a.transport.Use(&transport.LoggingMiddleware{Logger: a.logger})

	if a.backend == nil {
		backend, err := a.buildBackend()
		if err != nil {
			return nil, err
		}
		a.backend = backend
	}
	a.certStore = storage.NewCertificateStore(a.backend)

	if a.registry == nil {
		registry, err := a.buildRegistry()
		if err != nil {
			return nil, err
		}
		a.registry = registry
	}
	return a, nil
}

func (a *App) buildBackend() (storage.Backend, error) {
	var backend storage.Backend
	var err error
	switch a.cfg.Storage.Backend {
	case "memory":
		backend = storage.NewMemory()
	case "file":
		backend, err = storage.NewFile(a.cfg.Storage.Path)
	case "sqlite":
		pool, perr := NewSQLitePool(a.cfg.Storage.SQLitePath)
		if perr != nil {
			return nil, perr
		}
		backend, err = storage.NewSQLite(context.Background(), pool)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Storage.RedisAddr,
			Password: a.cfg.Storage.RedisPassword,
			DB:       a.cfg.Storage.RedisDB,
		})
		backend, err = storage.NewRedis(client, a.cfg.Storage.RedisNamespace)
	default:
		err = fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	if path := a.cfg.Storage.EncryptionKeyFile; path != "" {
		key, err := readEncryptionKey(path)
		if err != nil {
			return nil, err
		}
		backend, err = storage.NewEncrypted(backend, key)
		if err != nil {
			return nil, err
		}
	}
	return backend, nil
}

func (a *App) buildRegistry() (*challenge.Registry, error) {
	registry := challenge.NewRegistry()
	if a.cfg.Solvers.HTTP01.Enabled {
		registry.Register(challenge.NewHTTP01(a.cfg.Solvers.HTTP01.Addr, a.logger))
	}
	if a.cfg.Solvers.DNS01.Enabled {
		if a.dnsProvider == nil {
			return nil, fmt.Errorf("dns01 solver is enabled but no DNS provider is configured; use WithDNSProvider")
		}
		cache, err := challenge.NewDNSCache(a.cfg.Solvers.DNS01.CacheTTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("building DNS cache: %w", err)
		}
		registry.Register(challenge.NewDNS01(a.dnsProvider, challenge.DNS01Options{
			Resolver:           a.cfg.Solvers.DNS01.Resolver,
			PropagationTimeout: a.cfg.Solvers.DNS01.PropagationTimeout.Duration,
			PollInterval:       a.cfg.Solvers.DNS01.PollInterval.Duration,
		}, cache, a.logger))
	}
	if a.cfg.Solvers.TLSALPN.Enabled {
		registry.Register(challenge.NewTLSALPN01(a.cfg.Solvers.TLSALPN.Addr, a.logger))
	}
	return registry, nil
}

// EnsureAccount loads or creates the ACME account: the key comes from
// storage or is freshly generated and persisted, then the account is
// recovered or registered at the CA.
func (a *App) EnsureAccount(ctx context.Context) error {
	key, err := storage.LoadAccountKey(ctx, a.backend)
	if err != nil {
		if acme.KindOf(err) != acme.KindNotFound {
			return err
		}
		key, err = certcrypto.GenerateKeyPair(certcrypto.KeyAlgorithm(a.cfg.ACME.KeyAlgorithm))
		if err != nil {
			return err
		}
		if err := storage.SaveAccountKey(ctx, a.backend, key); err != nil {
			return err
		}
		a.logger.Info("generated new account key", "algorithm", a.cfg.ACME.KeyAlgorithm)
	}

	if err := a.buildClient(key); err != nil {
		return err
	}

	if url, _ := storage.LoadAccountURL(ctx, a.backend); url != "" {
		a.client.SetKID(url)
		a.logger.Info("resumed existing account", "url", url)
		return nil
	}

	account, err := a.client.Accounts.Register(ctx, a.cfg.ACME.Contacts, a.cfg.ACME.TOSAgreed)
	if err != nil {
		return err
	}
	if err := storage.SaveAccountURL(ctx, a.backend, account.URL, a.cfg.ACME.Contacts); err != nil {
		return err
	}
	return nil
}

func (a *App) buildClient(key stdcrypto.Signer) error {
	directoryURL, err := a.cfg.DirectoryURL()
	if err != nil {
		return err
	}
	client, err := acme.NewClient(a.transport, directoryURL, key, a.logger)
	if err != nil {
		return err
	}
	a.client = client
	a.provisioner = NewProvisioner(client, a.registry, a.certStore, a.transport, a.logger)
	return nil
}

// RolloverAccountKey generates a fresh account key, switches the account
// to it and persists it.
func (a *App) RolloverAccountKey(ctx context.Context) error {
	if a.client == nil {
		return acme.Errorf(acme.KindAccount, "no account established; call EnsureAccount first")
	}
	newKey, err := certcrypto.GenerateKeyPair(certcrypto.KeyAlgorithm(a.cfg.ACME.KeyAlgorithm))
	if err != nil {
		return err
	}
	if err := a.client.Accounts.KeyRollover(ctx, newKey); err != nil {
		return err
	}
	return storage.SaveAccountKey(ctx, a.backend, newKey)
}

// Obtain issues and stores a certificate for the domain set right now.
func (a *App) Obtain(ctx context.Context, domains []string) (*storage.CertificateBundle, error) {
	if a.provisioner == nil {
		return nil, acme.Errorf(acme.KindAccount, "no account established; call EnsureAccount first")
	}
	return a.provisioner.Obtain(ctx, domains)
}

// Revoke revokes the stored certificate for the domain set and removes
// the bundle from the store.
func (a *App) Revoke(ctx context.Context, domains []string, reason *acme.RevocationReason) error {
	if a.client == nil {
		return acme.Errorf(acme.KindAccount, "no account established; call EnsureAccount first")
	}
	bundle, err := a.certStore.Load(ctx, domains)
	if err != nil {
		return err
	}
	chain, err := certificate.ParseChain([]byte(bundle.CertificatePEM))
	if err != nil {
		return err
	}
	if err := a.client.Orders.RevokeCertificate(ctx, chain.Leaf.Raw, reason); err != nil {
		return err
	}
	return a.certStore.Delete(ctx, domains)
}

// CertificateStore exposes the bundle store for serving TLS.
func (a *App) CertificateStore() *storage.CertificateStore { return a.certStore }

// Client exposes the protocol client for operations like revocation.
func (a *App) Client() *acme.Client { return a.client }

// Start establishes the account, seeds the store with the configured
// domain sets and launches the renewal scheduler. It returns once the
// scheduler runs; Stop shuts it down.
func (a *App) Start(ctx context.Context) error {
	if err := a.EnsureAccount(ctx); err != nil {
		return err
	}

	// Seed configured domain sets so the first sweep issues anything
	// missing.
	for _, domains := range a.cfg.Renewal.Domains {
		if _, err := a.certStore.Load(ctx, domains); err == nil {
			continue
		}
		if err := a.certStore.Save(ctx, &storage.CertificateBundle{Domains: domains}); err != nil {
			return err
		}
	}

	a.scheduler = renewal.NewScheduler(renewal.SchedulerConfig{
		Interval:    a.cfg.CheckInterval(),
		RenewBefore: a.cfg.RenewBefore(),
		Concurrency: a.cfg.Renewal.Concurrency,
	}, a.certStore, a.provisioner, a.logger)
	for _, h := range a.hooks {
		a.scheduler.AddHook(h)
	}
	a.scheduler.Start()
	return nil
}

// StartQueue launches the priority-queue scheduler instead of the sweep
// scheduler, for callers that submit renewals themselves.
func (a *App) StartQueue(ctx context.Context) (*renewal.QueueScheduler, error) {
	if err := a.EnsureAccount(ctx); err != nil {
		return nil, err
	}
	a.queue = renewal.NewQueueScheduler(a.cfg.Renewal.Concurrency, a.provisioner, a.logger)
	for _, h := range a.hooks {
		a.queue.AddHook(h)
	}
	a.queue.Start()
	return a.queue, nil
}

// Stop shuts the schedulers down, waiting up to the context deadline.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
