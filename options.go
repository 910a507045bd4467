package certinpieces

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/caasmo/certinpieces/challenge"
	certcrypto "github.com/caasmo/certinpieces/crypto"
	"github.com/caasmo/certinpieces/renewal"
	"github.com/caasmo/certinpieces/storage"
)

// Option customizes an App during New.
type Option func(*App)

// WithLogger sets the logger implementation.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests
// against local ACME servers.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.httpClient = c
	}
}

// WithStorageBackend overrides the configured storage backend with a
// ready-made one.
func WithStorageBackend(b storage.Backend) Option {
	return func(a *App) {
		a.backend = b
	}
}

// WithDNSProvider sets the provider the dns-01 solver publishes records
// through. Required when the dns01 solver is enabled.
func WithDNSProvider(p challenge.DNSProvider) Option {
	return func(a *App) {
		a.dnsProvider = p
	}
}

// WithSolverRegistry replaces the registry built from configuration.
func WithSolverRegistry(r *challenge.Registry) Option {
	return func(a *App) {
		a.registry = r
	}
}

// WithHook registers a renewal lifecycle hook on whichever scheduler the
// app starts.
func WithHook(h renewal.Hook) Option {
	return func(a *App) {
		a.hooks = append(a.hooks, h)
	}
}

// readEncryptionKey loads a 32-byte key from a file holding either the
// raw bytes or their base64url encoding.
func readEncryptionKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encryption key %s: %w", path, err)
	}
	if len(data) == 32 {
		return data, nil
	}
	decoded, err := certcrypto.Base64URLDecode(strings.TrimSpace(string(data)))
	if err != nil || len(decoded) != 32 {
		return nil, fmt.Errorf("encryption key %s must be 32 bytes, raw or base64url", path)
	}
	return decoded, nil
}
