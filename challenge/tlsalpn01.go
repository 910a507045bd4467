package challenge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caasmo/certinpieces/acme"
)

// ALPN protocol name for tls-alpn-01 validation (RFC 8737).
const ACMETLSProtocol = "acme-tls/1"

// id-pe-acmeIdentifier, the critical extension carrying the key
// authorization digest.
var acmeIdentifierOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// TLSALPN01 answers tls-alpn-01 challenges with a self-signed validation
// certificate served on a dedicated TLS listener speaking only acme-tls/1.
type TLSALPN01 struct {
	addr   string
	logger *slog.Logger

	mu    sync.Mutex
	certs map[string]*tls.Certificate
	ln    net.Listener
	done  chan struct{}
}

// NewTLSALPN01 builds a solver listening on addr (typically ":443"; tests
// use ":0" and read Addr after Present).
func NewTLSALPN01(addr string, logger *slog.Logger) *TLSALPN01 {
	if addr == "" {
		addr = ":443"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TLSALPN01{
		addr:   addr,
		logger: logger.With("solver", acme.ChallengeTLSALPN01),
		certs:  make(map[string]*tls.Certificate),
	}
}

func (s *TLSALPN01) Type() string { return acme.ChallengeTLSALPN01 }

// ValidationCertificate builds the self-signed certificate RFC 8737
// requires: SAN limited to the identifier and a critical acmeIdentifier
// extension containing the SHA-256 digest of the key authorization,
// DER-encoded as an OCTET STRING.
func ValidationCertificate(domain, keyAuth string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "generating validation key", err)
	}

	digest := sha256.Sum256([]byte(keyAuth))
	extValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "encoding acmeIdentifier extension", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "generating serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{{
			Id:       acmeIdentifierOID,
			Critical: true,
			Value:    extValue,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "creating validation certificate", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, acme.NewError(acme.KindCrypto, "parsing validation certificate", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (s *TLSALPN01) Prepare(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	if strings.HasPrefix(identifier.Value, "*.") {
		e := acme.Errorf(acme.KindChallenge, "tls-alpn-01 cannot prove wildcard identifier %s", identifier.Value)
		e.ChallengeType = acme.ChallengeTLSALPN01
		return e
	}
	cert, err := ValidationCertificate(identifier.Value, keyAuth)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.certs[identifier.Value] = cert
	s.mu.Unlock()
	s.logger.Debug("staged validation certificate", "identifier", identifier.Value)
	return nil
}

// Present starts the TLS listener if it is not already running. The
// listener only completes handshakes negotiating acme-tls/1.
func (s *TLSALPN01) Present(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	cfg := &tls.Config{
		NextProtos:     []string{ACMETLSProtocol},
		GetCertificate: s.getCertificate,
	}
	ln, err := tls.Listen("tcp", s.addr, cfg)
	if err != nil {
		return acme.NewError(acme.KindChallenge, fmt.Sprintf("listening on %s", s.addr), err)
	}
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(done)
				return
			}
			// The validator only needs the handshake; complete it and
			// hang up.
			go func(c net.Conn) {
				if tc, ok := c.(*tls.Conn); ok {
					tc.HandshakeContext(context.Background())
				}
				c.Close()
			}(conn)
		}
	}()

	s.ln = ln
	s.done = done
	s.logger.Info("validation listener started", "addr", ln.Addr().String())
	return nil
}

func (s *TLSALPN01) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.Lock()
	cert, ok := s.certs[hello.ServerName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no validation certificate staged for %q", hello.ServerName)
	}
	return cert, nil
}

// Addr returns the bound listener address, empty before Present.
func (s *TLSALPN01) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Verify handshakes against the local listener with SNI set to the
// identifier and checks the returned certificate carries the expected
// critical extension.
func (s *TLSALPN01) Verify(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	addr := s.Addr()
	if addr == "" {
		return acme.Errorf(acme.KindChallenge, "tls-alpn-01 listener is not running")
	}

	dialer := &tls.Dialer{Config: &tls.Config{
		ServerName:         identifier.Value,
		NextProtos:         []string{ACMETLSProtocol},
		InsecureSkipVerify: true,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return acme.NewError(acme.KindChallenge, "self-check handshake failed", err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != ACMETLSProtocol {
		return acme.Errorf(acme.KindChallenge,
			"listener negotiated %q instead of %s", state.NegotiatedProtocol, ACMETLSProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		return acme.Errorf(acme.KindChallenge, "listener presented no certificate")
	}

	digest := sha256.Sum256([]byte(keyAuth))
	want, _ := asn1.Marshal(digest[:])
	for _, ext := range state.PeerCertificates[0].Extensions {
		if ext.Id.Equal(acmeIdentifierOID) {
			if !ext.Critical {
				return acme.Errorf(acme.KindChallenge, "acmeIdentifier extension is not critical")
			}
			if string(ext.Value) != string(want) {
				return acme.Errorf(acme.KindChallenge, "acmeIdentifier digest mismatch for %s", identifier.Value)
			}
			return nil
		}
	}
	return acme.Errorf(acme.KindChallenge, "validation certificate lacks the acmeIdentifier extension")
}

// Cleanup stops the listener and drops all staged certificates. Safe to
// call repeatedly.
func (s *TLSALPN01) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	done := s.done
	s.ln = nil
	s.done = nil
	s.certs = make(map[string]*tls.Certificate)
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return acme.NewError(acme.KindChallenge, "closing validation listener", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	s.logger.Info("validation listener stopped")
	return nil
}
