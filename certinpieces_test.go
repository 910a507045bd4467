package certinpieces

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caasmo/certinpieces/acme"
	"github.com/caasmo/certinpieces/certificate"
	"github.com/caasmo/certinpieces/challenge"
	"github.com/caasmo/certinpieces/config"
	"github.com/caasmo/certinpieces/renewal"
	"github.com/caasmo/certinpieces/storage"
)

type mockIdent struct {
	value    string
	wildcard bool
}

func (id mockIdent) display() string {
	if id.wildcard {
		return "*." + id.value
	}
	return id.value
}

// mockCA is a minimal RFC 8555 endpoint for app-level tests. It accepts
// JWS envelopes without checking signatures and walks one order at a time
// through pending -> ready -> valid, tracking each authorization
// separately.
type mockCA struct {
	srv    *httptest.Server
	idents []mockIdent

	mu          sync.Mutex
	orderStatus string
	authzStatus []string

	// failDetail, when set, makes every challenge response invalidate its
	// authorization with this problem detail.
	failDetail string
	// omitFinalizeLocation drops the Location header from the finalize
	// response.
	omitFinalizeLocation bool

	registrations atomic.Int32
	revocations   atomic.Int32
}

func newMockCA(t *testing.T, domain string) *mockCA {
	return newMockCAFor(t, acme.ChallengeHTTP01, mockIdent{value: domain})
}

func newMockCAFor(t *testing.T, challengeType string, idents ...mockIdent) *mockCA {
	t.Helper()
	m := &mockCA{idents: idents, authzStatus: make([]string, len(idents))}

	mux := http.NewServeMux()
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	base := m.srv.URL

	names := make([]string, len(idents))
	for i, id := range idents {
		names[i] = id.display()
	}
	certPEM := selfSignedPEM(t, names...)

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	nonce := func(w http.ResponseWriter) {
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", time.Now().UnixNano()))
	}
	writeOrder := func(w http.ResponseWriter, status int) {
		m.mu.Lock()
		orderStatus := m.orderStatus
		m.mu.Unlock()
		identifiers := make([]map[string]string, len(idents))
		authzURLs := make([]string, len(idents))
		for i, id := range idents {
			identifiers[i] = map[string]string{"type": "dns", "value": id.display()}
			authzURLs[i] = fmt.Sprintf("%s/authz/%d", base, i)
		}
		body := map[string]any{
			"status":         orderStatus,
			"identifiers":    identifiers,
			"authorizations": authzURLs,
			"finalize":       base + "/finalize/1",
		}
		if orderStatus == acme.StatusValid {
			body["certificate"] = base + "/cert/1"
		}
		writeJSON(w, status, body)
	}

	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"newNonce":   base + "/new-nonce",
			"newAccount": base + "/new-account",
			"newOrder":   base + "/new-order",
			"revokeCert": base + "/revoke-cert",
			"keyChange":  base + "/key-change",
		})
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		m.registrations.Add(1)
		w.Header().Set("Location", base+"/account/1")
		writeJSON(w, http.StatusCreated, map[string]any{"status": acme.StatusValid})
	})
	mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		m.mu.Lock()
		m.orderStatus = acme.StatusPending
		for i := range m.authzStatus {
			m.authzStatus[i] = acme.StatusPending
		}
		m.mu.Unlock()
		w.Header().Set("Location", base+"/order/1")
		writeOrder(w, http.StatusCreated)
	})
	mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		writeOrder(w, http.StatusOK)
	})

	for i := range idents {
		i := i
		ident := idents[i]
		challengeURL := fmt.Sprintf("%s/challenge/%d", base, i)
		token := fmt.Sprintf("tok-%d", i)

		mux.HandleFunc(fmt.Sprintf("/authz/%d", i), func(w http.ResponseWriter, r *http.Request) {
			nonce(w)
			m.mu.Lock()
			status := m.authzStatus[i]
			detail := m.failDetail
			m.mu.Unlock()

			ch := map[string]any{
				"type": challengeType, "url": challengeURL, "token": token, "status": acme.StatusPending,
			}
			if status == acme.StatusInvalid {
				ch["status"] = acme.StatusInvalid
				ch["error"] = map[string]any{
					"type":   "urn:ietf:params:acme:error:unauthorized",
					"detail": detail,
					"status": 403,
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"identifier": map[string]string{"type": "dns", "value": ident.value},
				"status":     status,
				"wildcard":   ident.wildcard,
				"challenges": []map[string]any{ch},
			})
		})
		mux.HandleFunc(fmt.Sprintf("/challenge/%d", i), func(w http.ResponseWriter, r *http.Request) {
			nonce(w)
			m.mu.Lock()
			if m.failDetail != "" {
				m.authzStatus[i] = acme.StatusInvalid
			} else {
				m.authzStatus[i] = acme.StatusValid
				allValid := true
				for _, st := range m.authzStatus {
					if st != acme.StatusValid {
						allValid = false
					}
				}
				if allValid {
					m.orderStatus = acme.StatusReady
				}
			}
			m.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{
				"type": challengeType, "url": challengeURL, "token": token, "status": acme.StatusProcessing,
			})
		})
	}

	mux.HandleFunc("/finalize/1", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		m.mu.Lock()
		m.orderStatus = acme.StatusValid
		omitLocation := m.omitFinalizeLocation
		m.mu.Unlock()
		if !omitLocation {
			w.Header().Set("Location", base+"/order/1")
		}
		writeOrder(w, http.StatusOK)
	})
	mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		w.WriteHeader(http.StatusOK)
		w.Write(certPEM)
	})
	mux.HandleFunc("/key-change", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		writeJSON(w, http.StatusOK, map[string]string{"status": acme.StatusValid})
	})
	mux.HandleFunc("/revoke-cert", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		m.revocations.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	return m
}

func selfSignedPEM(t *testing.T, domains ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func testConfig(ca *mockCA) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.ACME.DirectoryURL = ca.srv.URL + "/directory"
	cfg.ACME.TOSAgreed = true
	cfg.Storage.Backend = "memory"
	cfg.Solvers.HTTP01.Addr = "127.0.0.1:0"
	cfg.Transport.InitialBackoff = config.Duration{Duration: time.Millisecond}
	return cfg
}

func dnsTestConfig(ca *mockCA) *config.Config {
	cfg := testConfig(ca)
	cfg.Renewal.ChallengeType = acme.ChallengeDNS01
	cfg.Solvers.HTTP01.Enabled = false
	cfg.Solvers.DNS01.Enabled = true
	cfg.Solvers.DNS01.PropagationTimeout = config.Duration{Duration: time.Second}
	cfg.Solvers.DNS01.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, ca *mockCA, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithHTTPClient(ca.srv.Client())}, opts...)
	app, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app
}

func TestObtainEndToEnd(t *testing.T) {
	ca := newMockCA(t, "example.com")
	app := newTestApp(t, testConfig(ca), ca, WithStorageBackend(storage.NewMemory()))
	ctx := context.Background()

	if err := app.EnsureAccount(ctx); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	bundle, err := app.Obtain(ctx, []string{"example.com"})
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	chain, err := certificate.ParseChain([]byte(bundle.CertificatePEM))
	if err != nil {
		t.Fatalf("stored certificate does not parse: %v", err)
	}
	if !chain.Covers([]string{"example.com"}) {
		t.Fatal("stored certificate does not cover example.com")
	}
	if bundle.PrivateKeyPEM == "" {
		t.Fatal("bundle has no private key")
	}

	stored, err := app.CertificateStore().Load(ctx, []string{"example.com"})
	if err != nil {
		t.Fatalf("Load after Obtain: %v", err)
	}
	if stored.CertificatePEM != bundle.CertificatePEM {
		t.Fatal("stored bundle differs from returned bundle")
	}
}

func TestObtainWhenFinalizeOmitsLocation(t *testing.T) {
	ca := newMockCA(t, "example.com")
	ca.omitFinalizeLocation = true
	app := newTestApp(t, testConfig(ca), ca, WithStorageBackend(storage.NewMemory()))
	ctx := context.Background()

	if err := app.EnsureAccount(ctx); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	bundle, err := app.Obtain(ctx, []string{"example.com"})
	if err != nil {
		t.Fatalf("Obtain without finalize Location header: %v", err)
	}
	if bundle.CertificatePEM == "" {
		t.Fatal("bundle has no certificate")
	}
}

// trackingProvider records every value published through it, on top of the
// mock's normal behavior.
type trackingProvider struct {
	*challenge.MockProvider

	mu      sync.Mutex
	created map[string][]string
}

func newTrackingProvider() *trackingProvider {
	return &trackingProvider{
		MockProvider: challenge.NewMockProvider(),
		created:      make(map[string][]string),
	}
}

func (p *trackingProvider) CreateTXTRecord(ctx context.Context, fqdn, value string) (string, error) {
	p.mu.Lock()
	p.created[fqdn] = append(p.created[fqdn], value)
	p.mu.Unlock()
	return p.MockProvider.CreateTXTRecord(ctx, fqdn, value)
}

func (p *trackingProvider) createdAt(fqdn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created[fqdn]...)
}

func TestObtainWildcardOrderViaDNS01(t *testing.T) {
	ca := newMockCAFor(t, acme.ChallengeDNS01,
		mockIdent{value: "example.com"},
		mockIdent{value: "example.com", wildcard: true},
	)
	provider := newTrackingProvider()
	app := newTestApp(t, dnsTestConfig(ca), ca,
		WithStorageBackend(storage.NewMemory()),
		WithDNSProvider(provider),
	)
	ctx := context.Background()

	if err := app.EnsureAccount(ctx); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	domains := []string{"example.com", "*.example.com"}
	bundle, err := app.Obtain(ctx, domains)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	// Both identifiers publish at the same name with distinct values.
	fqdn := "_acme-challenge.example.com."
	values := provider.createdAt(fqdn)
	if len(values) != 2 {
		t.Fatalf("TXT records published at %s = %d, want 2", fqdn, len(values))
	}
	if values[0] == values[1] {
		t.Error("both TXT values are identical, want distinct per-challenge values")
	}
	// Cleanup removed both on success.
	if left := provider.Records(fqdn); len(left) != 0 {
		t.Errorf("TXT records left after issuance = %v, want none", left)
	}

	chain, err := certificate.ParseChain([]byte(bundle.CertificatePEM))
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Covers(domains) {
		t.Errorf("certificate DNSNames %v do not cover %v", chain.DNSNames(), domains)
	}
}

func TestObtainFailsWhenAuthorizationGoesInvalid(t *testing.T) {
	ca := newMockCAFor(t, acme.ChallengeDNS01, mockIdent{value: "example.com"})
	ca.failDetail = "incorrect TXT record"
	provider := newTrackingProvider()
	app := newTestApp(t, dnsTestConfig(ca), ca,
		WithStorageBackend(storage.NewMemory()),
		WithDNSProvider(provider),
	)
	ctx := context.Background()

	if err := app.EnsureAccount(ctx); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	_, err := app.Obtain(ctx, []string{"example.com"})
	if acme.KindOf(err) != acme.KindOrder {
		t.Fatalf("Obtain error kind = %q, want order", acme.KindOf(err))
	}
	if !acme.IsFatal(err) {
		t.Error("invalid authorization should be a fatal error")
	}
	var ae *acme.Error
	if !errors.As(err, &ae) || ae.Problem == nil {
		t.Fatal("error carries no problem document")
	}
	if !strings.Contains(ae.Problem.Detail, "incorrect TXT record") {
		t.Errorf("problem detail = %q, want the server's detail", ae.Problem.Detail)
	}

	// No bundle persisted, challenge material removed.
	if _, err := app.CertificateStore().Load(ctx, []string{"example.com"}); acme.KindOf(err) != acme.KindNotFound {
		t.Errorf("Load after failed issuance = %v, want not-found", err)
	}
	if left := provider.Records("_acme-challenge.example.com."); len(left) != 0 {
		t.Errorf("TXT records left after failure = %v, want none", left)
	}
}

// eventHook records lifecycle events for assertions.
type eventHook struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (h *eventHook) BeforeRenewal(ctx context.Context, domains []string) {
	h.mu.Lock()
	h.events = append(h.events, "before")
	h.mu.Unlock()
}

func (h *eventHook) AfterRenewal(ctx context.Context, domains []string, bundle *storage.CertificateBundle) {
	h.mu.Lock()
	h.events = append(h.events, "after")
	h.mu.Unlock()
}

func (h *eventHook) OnError(ctx context.Context, domains []string, err error) {
	h.mu.Lock()
	h.events = append(h.events, "error")
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *eventHook) snapshot() ([]string, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...), append([]error(nil), h.errs...)
}

func TestQueueRenewalFailureFiresOnErrorHook(t *testing.T) {
	ca := newMockCAFor(t, acme.ChallengeDNS01, mockIdent{value: "example.com"})
	ca.failDetail = "incorrect TXT record"
	provider := newTrackingProvider()
	hook := &eventHook{}
	app := newTestApp(t, dnsTestConfig(ca), ca,
		WithStorageBackend(storage.NewMemory()),
		WithDNSProvider(provider),
		WithHook(hook),
	)
	ctx := context.Background()

	queue, err := app.StartQueue(ctx)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}
	if !queue.Submit([]string{"example.com"}, renewal.PriorityUrgent) {
		t.Fatal("Submit returned false on a running queue")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		events, errs := hook.snapshot()
		if len(events) >= 2 {
			if events[0] != "before" || events[1] != "error" {
				t.Fatalf("events = %v, want before then error", events)
			}
			if len(errs) != 1 || acme.KindOf(errs[0]) != acme.KindOrder {
				t.Fatalf("hook error = %v, want kind order", errs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("on-error hook never fired, events = %v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := app.CertificateStore().Load(ctx, []string{"example.com"}); acme.KindOf(err) != acme.KindNotFound {
		t.Errorf("Load after failed renewal = %v, want not-found", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestEnsureAccountResumesFromStorage(t *testing.T) {
	ca := newMockCA(t, "example.com")
	backend := storage.NewMemory()
	ctx := context.Background()

	first := newTestApp(t, testConfig(ca), ca, WithStorageBackend(backend))
	if err := first.EnsureAccount(ctx); err != nil {
		t.Fatalf("first EnsureAccount: %v", err)
	}
	if got := ca.registrations.Load(); got != 1 {
		t.Fatalf("registrations after first run = %d, want 1", got)
	}

	// A second app over the same backend must reuse the stored key and
	// account URL instead of registering again.
	second := newTestApp(t, testConfig(ca), ca, WithStorageBackend(backend))
	if err := second.EnsureAccount(ctx); err != nil {
		t.Fatalf("second EnsureAccount: %v", err)
	}
	if got := ca.registrations.Load(); got != 1 {
		t.Fatalf("registrations after resume = %d, want 1", got)
	}
	if second.Client().KID() == "" {
		t.Fatal("resumed client has no KID")
	}
}

func TestStartIssuesSeededDomains(t *testing.T) {
	ca := newMockCA(t, "example.com")
	cfg := testConfig(ca)
	cfg.Renewal.Domains = [][]string{{"example.com"}}
	cfg.Renewal.CheckIntervalSecs = 3600
	app := newTestApp(t, cfg, ca, WithStorageBackend(storage.NewMemory()))
	ctx := context.Background()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	// The startup sweep runs asynchronously; wait for the bundle.
	deadline := time.Now().Add(10 * time.Second)
	for {
		bundle, err := app.CertificateStore().Load(ctx, []string{"example.com"})
		if err == nil && bundle.CertificatePEM != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seeded domain was not issued before deadline (last err: %v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRevokeRemovesStoredBundle(t *testing.T) {
	ca := newMockCA(t, "example.com")
	app := newTestApp(t, testConfig(ca), ca, WithStorageBackend(storage.NewMemory()))
	ctx := context.Background()

	if err := app.EnsureAccount(ctx); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := app.Obtain(ctx, []string{"example.com"}); err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	if err := app.Revoke(ctx, []string{"example.com"}, nil); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := ca.revocations.Load(); got != 1 {
		t.Fatalf("revocations = %d, want 1", got)
	}
	if _, err := app.CertificateStore().Load(ctx, []string{"example.com"}); acme.KindOf(err) != acme.KindNotFound {
		t.Fatalf("Load after Revoke = %v, want not-found", err)
	}
}
