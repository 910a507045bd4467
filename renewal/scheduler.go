package renewal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caasmo/certinpieces/storage"
)

// SchedulerConfig tunes the periodic sweep scheduler.
type SchedulerConfig struct {
	// Interval between sweeps over the certificate store.
	Interval time.Duration
	// RenewBefore is how long before expiry a certificate becomes due.
	RenewBefore time.Duration
	// Concurrency caps renewals running at once within a sweep.
	Concurrency int
}

func (c SchedulerConfig) defaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// Scheduler periodically sweeps the certificate store and renews whatever
// is due. One sweep runs at a time; within a sweep renewals are bounded by
// the configured concurrency.
type Scheduler struct {
	cfg     SchedulerConfig
	store   *storage.CertificateStore
	renewer Renewer
	hooks   []Hook
	logger  *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

func NewScheduler(cfg SchedulerConfig, store *storage.CertificateStore, renewer Renewer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:          cfg.defaults(),
		store:        store,
		renewer:      renewer,
		logger:       logger.With("component", "renewal_scheduler"),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

// AddHook registers a lifecycle hook. Call before Start.
func (s *Scheduler) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Start launches the sweep loop. The first sweep runs immediately rather
// than one interval in.
func (s *Scheduler) Start() {
	go func() {
		s.logger.Info("starting renewal scheduler", "interval", s.cfg.Interval)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.sweep()
		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("renewal scheduler received shutdown signal")
				close(s.shutdownDone)
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop signals the scheduler to halt and waits for the loop to exit or
// the context to run out, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("stopping renewal scheduler")
	s.cancel()

	select {
	case <-s.shutdownDone:
		s.logger.Info("renewal scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("renewal scheduler shutdown timed out")
		return ctx.Err()
	}
}

// CheckNow runs one sweep synchronously, outside the ticker cadence.
func (s *Scheduler) CheckNow() {
	s.sweep()
}

func (s *Scheduler) sweep() {
	domainSets, err := s.store.List(s.ctx)
	if err != nil {
		s.logger.Error("listing certificates failed", "error", err)
		return
	}

	var due [][]string
	now := time.Now()
	for _, domains := range domainSets {
		bundle, err := s.store.Load(s.ctx, domains)
		if err != nil {
			s.logger.Error("loading bundle failed", "domains", domains, "error", err)
			continue
		}
		if NeedsRenewal(bundle, s.cfg.RenewBefore, now, s.logger) {
			due = append(due, domains)
		}
	}
	if len(due) == 0 {
		s.logger.Debug("sweep complete, nothing due", "certificates", len(domainSets))
		return
	}
	s.logger.Info("sweep found certificates due for renewal", "due", len(due), "total", len(domainSets))

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, domains := range due {
		domains := domains
		g.Go(func() error {
			s.runOne(ctx, domains)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sweep batch failed", "error", err)
	}
}

func (s *Scheduler) runOne(ctx context.Context, domains []string) {
	for _, h := range s.hooks {
		h.BeforeRenewal(ctx, domains)
	}
	bundle, err := s.renewer.Renew(ctx, domains)
	if err != nil {
		s.logger.Error("renewal failed", "domains", domains, "error", err)
		for _, h := range s.hooks {
			h.OnError(ctx, domains, err)
		}
		return
	}
	s.logger.Info("renewal succeeded", "domains", domains)
	for _, h := range s.hooks {
		h.AfterRenewal(ctx, domains, bundle)
	}
}
