package challenge

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/caasmo/certinpieces/acme"
	certcrypto "github.com/caasmo/certinpieces/crypto"
)

func testKeyAuth(t *testing.T, token string) string {
	t.Helper()
	key, err := certcrypto.GenerateKeyPair(certcrypto.KeyAlgorithmECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	keyAuth, err := acme.KeyAuthorization(token, key)
	if err != nil {
		t.Fatal(err)
	}
	return keyAuth
}

func TestRegistrySelect(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewHTTP01(":0", nil))
	reg.Register(NewDNS01(NewMockProvider(), DNS01Options{}, nil, nil))

	authz := &acme.Authorization{
		Identifier: acme.DNSIdentifier("example.com"),
		Challenges: []acme.Challenge{
			{Type: acme.ChallengeTLSALPN01, Token: "t1"},
			{Type: acme.ChallengeHTTP01, Token: "t2"},
			{Type: acme.ChallengeDNS01, Token: "t3"},
		},
	}

	ch, solver, err := reg.Select(authz)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if ch.Type != acme.ChallengeHTTP01 || solver.Type() != acme.ChallengeHTTP01 {
		t.Errorf("selected %s, want first supported in CA order (http-01)", ch.Type)
	}
}

func TestRegistrySelectWildcardRequiresDNS(t *testing.T) {
	authz := &acme.Authorization{
		Identifier: acme.DNSIdentifier("example.com"),
		Wildcard:   true,
		Challenges: []acme.Challenge{
			{Type: acme.ChallengeHTTP01, Token: "t1"},
			{Type: acme.ChallengeDNS01, Token: "t2"},
		},
	}

	httpOnly := NewRegistry()
	httpOnly.Register(NewHTTP01(":0", nil))
	if _, _, err := httpOnly.Select(authz); err == nil {
		t.Fatal("wildcard authorization accepted without a dns-01 solver")
	}

	withDNS := NewRegistry()
	withDNS.Register(NewHTTP01(":0", nil))
	withDNS.Register(NewDNS01(NewMockProvider(), DNS01Options{}, nil, nil))
	ch, _, err := withDNS.Select(authz)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if ch.Type != acme.ChallengeDNS01 {
		t.Errorf("selected %s for wildcard, want dns-01", ch.Type)
	}
}

func TestHTTP01ServesKeyAuthorization(t *testing.T) {
	solver := NewHTTP01("127.0.0.1:0", nil)
	ctx := context.Background()
	keyAuth := testKeyAuth(t, "token-abc")
	ch := &acme.Challenge{Type: acme.ChallengeHTTP01, Token: "token-abc"}
	ident := acme.DNSIdentifier("example.com")

	if err := solver.Prepare(ctx, ch, ident, keyAuth); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := solver.Present(ctx); err != nil {
		t.Fatalf("Present: %v", err)
	}
	defer solver.Cleanup(ctx)

	resp, err := http.Get("http://" + solver.Addr() + wellKnownPath + "token-abc")
	if err != nil {
		t.Fatalf("fetching token: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != keyAuth {
		t.Errorf("body = %q, want key authorization", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	if err := solver.Verify(ctx, ch, ident, keyAuth); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// Unknown tokens are 404.
	resp, err = http.Get("http://" + solver.Addr() + wellKnownPath + "missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTP01CleanupIsIdempotent(t *testing.T) {
	solver := NewHTTP01("127.0.0.1:0", nil)
	ctx := context.Background()

	// Cleanup before Present must not fail.
	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup before Present: %v", err)
	}

	if err := solver.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestDNS01Lifecycle(t *testing.T) {
	provider := NewMockProvider()
	solver := NewDNS01(provider, DNS01Options{
		PropagationTimeout: time.Second,
		PollInterval:       10 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	keyAuth := testKeyAuth(t, "token-dns")
	ch := &acme.Challenge{Type: acme.ChallengeDNS01, Token: "token-dns"}
	ident := acme.DNSIdentifier("*.example.com")

	if err := solver.Prepare(ctx, ch, ident, keyAuth); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Wildcard prefix must be stripped from the record name.
	fqdn := "_acme-challenge.example.com."
	records := provider.Records(fqdn)
	if len(records) != 1 {
		t.Fatalf("records at %s = %v, want one", fqdn, records)
	}
	if records[0] != acme.DNS01RecordValue(keyAuth) {
		t.Error("record value is not the hashed key authorization")
	}

	// No resolver configured: Present trusts the provider's view.
	if err := solver.Present(ctx); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if err := solver.Verify(ctx, ch, ident, keyAuth); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := provider.Records(fqdn); len(got) != 0 {
		t.Errorf("records after cleanup = %v, want none", got)
	}
	// Second cleanup has nothing staged and must succeed.
	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestDNS01CleanupDeletesByRecordID(t *testing.T) {
	provider := NewMockProvider()
	solver := NewDNS01(provider, DNS01Options{
		PropagationTimeout: time.Second,
		PollInterval:       10 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	// Two identifiers proven at the same name: distinct values, distinct
	// provider handles.
	for _, token := range []string{"token-a", "token-b"} {
		keyAuth := testKeyAuth(t, token)
		ch := &acme.Challenge{Type: acme.ChallengeDNS01, Token: token}
		if err := solver.Prepare(ctx, ch, acme.DNSIdentifier("example.com"), keyAuth); err != nil {
			t.Fatalf("Prepare %s: %v", token, err)
		}
	}
	fqdn := "_acme-challenge.example.com."
	if got := provider.Records(fqdn); len(got) != 2 {
		t.Fatalf("records before cleanup = %v, want two", got)
	}

	if err := solver.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := provider.Records(fqdn); len(got) != 0 {
		t.Errorf("records after cleanup = %v, want none", got)
	}

	// Deleting an unknown handle is the provider's error to report.
	if err := provider.DeleteTXTRecord(ctx, fqdn, fqdn+"#1"); err == nil {
		t.Error("delete of an already-removed record id succeeded")
	}
}

func TestDNS01PropagationTimeout(t *testing.T) {
	provider := NewMockProvider()
	solver := NewDNS01(provider, DNS01Options{
		PropagationTimeout: 50 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	keyAuth := testKeyAuth(t, "token-slow")
	ch := &acme.Challenge{Type: acme.ChallengeDNS01, Token: "token-slow"}
	if err := solver.Prepare(ctx, ch, acme.DNSIdentifier("example.com"), keyAuth); err != nil {
		t.Fatal(err)
	}

	// Remove the record behind the solver's back so propagation never
	// succeeds.
	provider.DeleteTXTRecord(ctx, "_acme-challenge.example.com.", "_acme-challenge.example.com.#1")

	err := solver.Present(ctx)
	if acme.KindOf(err) != acme.KindTimeout {
		t.Errorf("Present error kind = %q, want timeout", acme.KindOf(err))
	}
}

func TestTLSALPN01Lifecycle(t *testing.T) {
	solver := NewTLSALPN01("127.0.0.1:0", nil)
	ctx := context.Background()

	keyAuth := testKeyAuth(t, "token-alpn")
	ch := &acme.Challenge{Type: acme.ChallengeTLSALPN01, Token: "token-alpn"}
	ident := acme.DNSIdentifier("example.com")

	if err := solver.Prepare(ctx, ch, ident, keyAuth); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := solver.Present(ctx); err != nil {
		t.Fatalf("Present: %v", err)
	}
	defer solver.Cleanup(ctx)

	if err := solver.Verify(ctx, ch, ident, keyAuth); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// A different key authorization must be rejected.
	other := testKeyAuth(t, "token-other")
	if err := solver.Verify(ctx, ch, ident, other); err == nil {
		t.Error("Verify accepted a mismatched key authorization")
	}
}

func TestTLSALPN01RejectsWildcard(t *testing.T) {
	solver := NewTLSALPN01("127.0.0.1:0", nil)
	keyAuth := testKeyAuth(t, "token-w")
	ch := &acme.Challenge{Type: acme.ChallengeTLSALPN01, Token: "token-w"}

	err := solver.Prepare(context.Background(), ch, acme.DNSIdentifier("*.example.com"), keyAuth)
	if acme.KindOf(err) != acme.KindChallenge {
		t.Errorf("error kind = %q, want challenge", acme.KindOf(err))
	}
}

func TestValidationCertificateShape(t *testing.T) {
	keyAuth := testKeyAuth(t, "token-shape")
	cert, err := ValidationCertificate("example.com", keyAuth)
	if err != nil {
		t.Fatalf("ValidationCertificate: %v", err)
	}

	leaf := cert.Leaf
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "example.com" {
		t.Errorf("DNSNames = %v", leaf.DNSNames)
	}
	found := false
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(acmeIdentifierOID) {
			found = true
			if !ext.Critical {
				t.Error("acmeIdentifier extension is not critical")
			}
			// DER OCTET STRING of a 32-byte digest: 0x04 0x20 prefix.
			if len(ext.Value) != 34 || ext.Value[0] != 0x04 || ext.Value[1] != 0x20 {
				t.Errorf("extension value is not an OCTET STRING of 32 bytes: % x", ext.Value[:2])
			}
		}
	}
	if !found {
		t.Fatal("acmeIdentifier extension missing")
	}
}
