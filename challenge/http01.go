package challenge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/caasmo/certinpieces/acme"
)

const wellKnownPath = "/.well-known/acme-challenge/"

// HTTP01 answers http-01 challenges by serving the key authorization on
// the well-known path. One solver instance can hold several tokens at
// once, so multi-domain orders need only one listener.
type HTTP01 struct {
	addr   string
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
	srv    *http.Server
	ln     net.Listener
}

// NewHTTP01 builds a solver listening on addr (typically ":80"; tests use
// ":0" and read Addr after Present).
func NewHTTP01(addr string, logger *slog.Logger) *HTTP01 {
	if addr == "" {
		addr = ":80"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP01{
		addr:   addr,
		logger: logger.With("solver", acme.ChallengeHTTP01),
		tokens: make(map[string]string),
	}
}

func (s *HTTP01) Type() string { return acme.ChallengeHTTP01 }

func (s *HTTP01) Prepare(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	if ch.Token == "" {
		return acme.Errorf(acme.KindChallenge, "http-01 challenge for %s has no token", identifier.Value)
	}
	s.mu.Lock()
	s.tokens[ch.Token] = keyAuth
	s.mu.Unlock()
	s.logger.Debug("staged token", "identifier", identifier.Value, "token", ch.Token)
	return nil
}

// Present starts the listener if it is not already running.
func (s *HTTP01) Present(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	router := httprouter.New()
	router.GET(wellKnownPath+":token", s.handleToken)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return acme.NewError(acme.KindChallenge, fmt.Sprintf("listening on %s", s.addr), err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("challenge listener failed", "error", err)
		}
	}()

	s.srv = srv
	s.ln = ln
	s.logger.Info("challenge listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, empty before Present.
func (s *HTTP01) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *HTTP01) handleToken(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token := params.ByName("token")
	s.mu.Lock()
	keyAuth, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, keyAuth)
}

// Verify fetches the token from the local listener to confirm the
// response is served before the CA is asked to validate.
func (s *HTTP01) Verify(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error {
	addr := s.Addr()
	if addr == "" {
		return acme.Errorf(acme.KindChallenge, "http-01 listener is not running")
	}
	url := "http://" + addr + wellKnownPath + ch.Token

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return acme.NewError(acme.KindChallenge, "building self-check request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return acme.NewError(acme.KindChallenge, "self-check request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return acme.NewError(acme.KindChallenge, "reading self-check response", err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != keyAuth {
		e := acme.Errorf(acme.KindChallenge,
			"self-check for %s returned status %d with unexpected body", identifier.Value, resp.StatusCode)
		e.ChallengeType = acme.ChallengeHTTP01
		return e
	}
	return nil
}

// Cleanup drops all staged tokens and stops the listener. Calling it again
// is a no-op.
func (s *HTTP01) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.tokens = make(map[string]string)
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return acme.NewError(acme.KindChallenge, "stopping challenge listener", err)
	}
	s.logger.Info("challenge listener stopped")
	return nil
}
