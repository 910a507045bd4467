package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/caasmo/certinpieces/acme"
)

type testCert struct {
	cert *x509.Certificate
	pem  []byte
}

func issueTestCert(t *testing.T, cn string, sans []string, notBefore, notAfter time.Time) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     sans,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return testCert{
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func TestParseChain(t *testing.T) {
	now := time.Now()
	leaf := issueTestCert(t, "example.com", []string{"example.com", "*.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	inter := issueTestCert(t, "Test Intermediate CA", nil, now.Add(-time.Hour), now.Add(5*365*24*time.Hour))

	chain, err := ParseChain(append(append([]byte{}, leaf.pem...), inter.pem...))
	if err != nil {
		t.Fatalf("ParseChain: %v", err)
	}
	if chain.CommonName() != "example.com" {
		t.Errorf("CommonName = %q", chain.CommonName())
	}
	if len(chain.Intermediates) != 1 {
		t.Fatalf("intermediates = %d, want 1", len(chain.Intermediates))
	}
	if got := chain.DNSNames(); len(got) != 2 {
		t.Errorf("DNSNames = %v", got)
	}
}

func TestParseChainEmptyInput(t *testing.T) {
	for _, input := range [][]byte{nil, []byte("not pem at all"), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})} {
		_, err := ParseChain(input)
		if err == nil {
			t.Fatal("ParseChain accepted input without certificates")
		}
		if acme.KindOf(err) != acme.KindCertificate {
			t.Errorf("error kind = %q, want certificate", acme.KindOf(err))
		}
	}
}

func TestCovers(t *testing.T) {
	now := time.Now()
	leaf := issueTestCert(t, "example.com", []string{"example.com", "*.example.com"}, now.Add(-time.Hour), now.Add(time.Hour))
	chain, err := ParseChain(leaf.pem)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		domains []string
		want    bool
	}{
		{[]string{"example.com"}, true},
		{[]string{"www.example.com"}, true},
		{[]string{"example.com", "api.example.com"}, true},
		{[]string{"deep.www.example.com"}, false},
		{[]string{"other.com"}, false},
	}
	for _, tc := range cases {
		if got := chain.Covers(tc.domains); got != tc.want {
			t.Errorf("Covers(%v) = %v, want %v", tc.domains, got, tc.want)
		}
	}
}

func TestVerifyWindows(t *testing.T) {
	now := time.Now()

	valid := issueTestCert(t, "ok", []string{"ok.test"}, now.Add(-time.Hour), now.Add(time.Hour))
	chain, _ := ParseChain(valid.pem)
	if err := chain.Verify(now); err != nil {
		t.Errorf("valid chain: %v", err)
	}

	expired := issueTestCert(t, "old", []string{"old.test"}, now.Add(-2*time.Hour), now.Add(-time.Hour))
	chain, _ = ParseChain(expired.pem)
	if err := chain.Verify(now); err == nil {
		t.Error("expired chain passed Verify")
	}

	future := issueTestCert(t, "soon", []string{"soon.test"}, now.Add(time.Hour), now.Add(2*time.Hour))
	chain, _ = ParseChain(future.pem)
	if err := chain.Verify(now); err == nil {
		t.Error("not-yet-valid chain passed Verify")
	}
}

func TestCheckOCSPWithoutResponder(t *testing.T) {
	now := time.Now()
	leaf := issueTestCert(t, "example.com", []string{"example.com"}, now.Add(-time.Hour), now.Add(time.Hour))
	chain, _ := ParseChain(leaf.pem)

	status, err := chain.CheckOCSP(t.Context(), nil)
	if err == nil {
		t.Error("expected error for certificate without OCSP responder")
	}
	if status != StatusUnknown {
		t.Errorf("status = %v, want unknown", status)
	}
}

func TestCreateCSR(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	der, err := CreateCSR(key, []string{"example.com", "*.example.com", "10.0.0.1"})
	if err != nil {
		t.Fatalf("CreateCSR: %v", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("parsing CSR: %v", err)
	}
	if csr.Subject.CommonName != "example.com" {
		t.Errorf("CN = %q", csr.Subject.CommonName)
	}
	if len(csr.DNSNames) != 2 || len(csr.IPAddresses) != 1 {
		t.Errorf("SANs = dns %v ip %v", csr.DNSNames, csr.IPAddresses)
	}

	if _, err := CreateCSR(key, nil); acme.KindOf(err) != acme.KindInvalidInput {
		t.Errorf("empty identifiers error kind = %q, want invalid_input", acme.KindOf(err))
	}
}
