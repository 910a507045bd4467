package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/caasmo/certinpieces/acme"
)

// DNSProvider manages TXT records at the DNS hosting side. Implementations
// wrap a provider API; MockProvider serves tests and dry runs.
// CreateTXTRecord returns the provider's opaque record handle (for example
// "zone:record"), which is the only thing DeleteTXTRecord receives back.
type DNSProvider interface {
	CreateTXTRecord(ctx context.Context, fqdn, value string) (recordID string, err error)
	DeleteTXTRecord(ctx context.Context, fqdn, recordID string) error
	// VerifyRecord reports whether the record is visible at the provider
	// itself, before public propagation.
	VerifyRecord(ctx context.Context, fqdn, value string) (bool, error)
}

// DNS01Options tune propagation polling.
type DNS01Options struct {
	// Resolver is the DNS server probed for propagation, host:port.
	// Empty disables public probing and trusts the provider's
	// VerifyRecord alone.
	Resolver string
	// PropagationTimeout bounds the total wait for the record to appear.
	PropagationTimeout time.Duration
	// PollInterval is the wait between probes.
	PollInterval time.Duration
}

func (o DNS01Options) defaults() DNS01Options {
	if o.PropagationTimeout <= 0 {
		o.PropagationTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	return o
}

type stagedRecord struct {
	fqdn  string
	value string
	id    string
}

// DNS01 answers dns-01 challenges by publishing the hashed key
// authorization as a TXT record under _acme-challenge. Wildcard
// identifiers are proven with the record at the base domain.
type DNS01 struct {
	provider DNSProvider
	opts     DNS01Options
	cache    *DNSCache
	logger   *slog.Logger

	mu      sync.Mutex
	records []stagedRecord
}

func NewDNS01(provider DNSProvider, opts DNS01Options, cache *DNSCache, logger *slog.Logger) *DNS01 {
	if logger == nil {
		logger = slog.Default()
	}
	return &DNS01{
		provider: provider,
		opts:     opts.defaults(),
		cache:    cache,
		logger:   logger.With("solver", acme.ChallengeDNS01),
	}
}

func (s *DNS01) Type() string { return acme.ChallengeDNS01 }

// ChallengeFQDN returns the TXT record name for a domain, wildcard prefix
// stripped.
func ChallengeFQDN(domain string) string {
	return "_acme-challenge." + strings.TrimPrefix(domain, "*.") + "."
}

func (s *DNS01) Prepare(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	fqdn := ChallengeFQDN(identifier.Value)
	value := acme.DNS01RecordValue(keyAuth)

	recordID, err := s.provider.CreateTXTRecord(ctx, fqdn, value)
	if err != nil {
		e := acme.NewError(acme.KindChallenge, fmt.Sprintf("creating TXT record %s", fqdn), err)
		e.ChallengeType = acme.ChallengeDNS01
		return e
	}
	if s.cache != nil {
		s.cache.Invalidate(fqdn)
	}

	s.mu.Lock()
	s.records = append(s.records, stagedRecord{fqdn: fqdn, value: value, id: recordID})
	s.mu.Unlock()
	s.logger.Info("TXT record created", "fqdn", fqdn, "record_id", recordID)
	return nil
}

// Present waits until every staged record has propagated, or the
// propagation timeout elapses.
func (s *DNS01) Present(ctx context.Context) error {
	s.mu.Lock()
	records := make([]stagedRecord, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	deadline := time.Now().Add(s.opts.PropagationTimeout)
	for _, rec := range records {
		if err := s.waitPropagated(ctx, rec, deadline); err != nil {
			return err
		}
	}
	return nil
}

func (s *DNS01) waitPropagated(ctx context.Context, rec stagedRecord, deadline time.Time) error {
	for {
		visible, err := s.probe(ctx, rec)
		if err != nil {
			s.logger.Debug("propagation probe failed", "fqdn", rec.fqdn, "error", err)
		} else if visible {
			s.logger.Info("TXT record propagated", "fqdn", rec.fqdn)
			return nil
		}

		if time.Now().After(deadline) {
			e := acme.Errorf(acme.KindTimeout,
				"TXT record %s did not propagate within %s", rec.fqdn, s.opts.PropagationTimeout)
			e.ChallengeType = acme.ChallengeDNS01
			return e
		}
		select {
		case <-time.After(s.opts.PollInterval):
		case <-ctx.Done():
			return acme.NewError(acme.KindTimeout, "waiting for DNS propagation", ctx.Err())
		}
	}
}

// probe checks for the record at the configured resolver, falling back to
// the provider's own view when no resolver is set.
func (s *DNS01) probe(ctx context.Context, rec stagedRecord) (bool, error) {
	if s.opts.Resolver == "" {
		return s.provider.VerifyRecord(ctx, rec.fqdn, rec.value)
	}

	values, err := s.lookupTXT(ctx, rec.fqdn)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if v == rec.value {
			return true, nil
		}
	}
	return false, nil
}

func (s *DNS01) lookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	if s.cache != nil {
		if values, ok := s.cache.Get(fqdn); ok {
			return values, nil
		}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: 10 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, m, s.opts.Resolver)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", s.opts.Resolver, fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("resolver answered %s for %s", dns.RcodeToString[resp.Rcode], fqdn)
	}

	var values []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	if s.cache != nil {
		s.cache.Put(fqdn, values)
	}
	return values, nil
}

// Verify double-checks at the provider that every staged record is still
// in place.
func (s *DNS01) Verify(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	fqdn := ChallengeFQDN(identifier.Value)
	value := acme.DNS01RecordValue(keyAuth)

	ok, err := s.provider.VerifyRecord(ctx, fqdn, value)
	if err != nil {
		return acme.NewError(acme.KindChallenge, fmt.Sprintf("verifying TXT record %s", fqdn), err)
	}
	if !ok {
		e := acme.Errorf(acme.KindChallenge, "TXT record %s is missing at the provider", fqdn)
		e.ChallengeType = acme.ChallengeDNS01
		return e
	}
	return nil
}

// Cleanup deletes every staged record by its provider handle. The first
// delete failure is returned; the staged list is cleared either way.
func (s *DNS01) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	records := s.records
	s.records = nil
	s.mu.Unlock()

	var firstErr error
	for _, rec := range records {
		if err := s.provider.DeleteTXTRecord(ctx, rec.fqdn, rec.id); err != nil {
			s.logger.Warn("deleting TXT record failed", "fqdn", rec.fqdn, "error", err)
			if firstErr == nil {
				firstErr = acme.NewError(acme.KindChallenge,
					fmt.Sprintf("deleting TXT record %s", rec.fqdn), err)
			}
			continue
		}
		if s.cache != nil {
			s.cache.Invalidate(rec.fqdn)
		}
	}
	return firstErr
}

// MockProvider is an in-memory DNSProvider for tests and dry runs. Record
// IDs are handed out as "<fqdn>#<n>" and are the only accepted delete key.
type MockProvider struct {
	mu      sync.Mutex
	seq     int
	records map[string]mockRecord

	// CreateErr and DeleteErr, when set, are returned by the respective
	// calls.
	CreateErr error
	DeleteErr error
}

type mockRecord struct {
	fqdn  string
	value string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{records: make(map[string]mockRecord)}
}

func (p *MockProvider) CreateTXTRecord(ctx context.Context, fqdn, value string) (string, error) {
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("%s#%d", fqdn, p.seq)
	p.records[id] = mockRecord{fqdn: fqdn, value: value}
	return id, nil
}

func (p *MockProvider) DeleteTXTRecord(ctx context.Context, fqdn, recordID string) error {
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[recordID]
	if !ok || rec.fqdn != fqdn {
		return fmt.Errorf("no record %q at %s", recordID, fqdn)
	}
	delete(p.records, recordID)
	return nil
}

func (p *MockProvider) VerifyRecord(ctx context.Context, fqdn, value string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.fqdn == fqdn && rec.value == value {
			return true, nil
		}
	}
	return false, nil
}

// Records returns the values currently published at the name.
func (p *MockProvider) Records(fqdn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var values []string
	for _, rec := range p.records {
		if rec.fqdn == fqdn {
			values = append(values, rec.value)
		}
	}
	return values
}
