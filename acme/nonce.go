package acme

import (
	"context"
	"net/http"
	"sync"

	"github.com/caasmo/certinpieces/transport"
)

const replayNonceHeader = "Replay-Nonce"

// NonceManager hands out anti-replay nonces. Nonces harvested from server
// responses are queued for reuse; when the queue is empty a fresh one is
// minted with a HEAD request to the newNonce endpoint.
type NonceManager struct {
	client *transport.Client
	dir    *DirectoryCache

	mu     sync.Mutex
	nonces []string
}

func NewNonceManager(client *transport.Client, dir *DirectoryCache) *NonceManager {
	return &NonceManager{client: client, dir: dir}
}

// Get pops a cached nonce or fetches one from the server.
func (m *NonceManager) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	if n := len(m.nonces); n > 0 {
		nonce := m.nonces[n-1]
		m.nonces = m.nonces[:n-1]
		m.mu.Unlock()
		return nonce, nil
	}
	m.mu.Unlock()
	return m.fetch(ctx)
}

// Cache stores a nonce harvested from a response header.
func (m *NonceManager) Cache(nonce string) {
	if nonce == "" {
		return
	}
	m.mu.Lock()
	m.nonces = append(m.nonces, nonce)
	m.mu.Unlock()
}

// Clear drops all cached nonces. Called after a badNonce rejection, since
// every queued nonce came from the same now-distrusted window.
func (m *NonceManager) Clear() {
	m.mu.Lock()
	m.nonces = m.nonces[:0]
	m.mu.Unlock()
}

func (m *NonceManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonces)
}

func (m *NonceManager) fetch(ctx context.Context) (string, error) {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return "", err
	}

	resp, err := m.client.Head(ctx, dir.NewNonce)
	if err != nil {
		return "", NewError(KindTransport, "fetching nonce", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", Errorf(KindProtocol, "fetching nonce: unexpected status %d", resp.StatusCode)
	}
	nonce := resp.Header.Get(replayNonceHeader)
	if nonce == "" {
		return "", Errorf(KindProtocol, "newNonce response missing %s header", replayNonceHeader)
	}
	return nonce, nil
}

// NoncePool keeps the manager's queue between min and max entries by
// refilling in the background. At most one refill runs at a time; a caller
// that finds the pool empty falls back to a synchronous fetch via Get.
type NoncePool struct {
	manager *NonceManager
	min     int
	max     int

	mu        sync.Mutex
	refilling bool
}

func NewNoncePool(manager *NonceManager, min, max int) *NoncePool {
	if min <= 0 {
		min = 2
	}
	if max < min {
		max = min * 2
	}
	return &NoncePool{manager: manager, min: min, max: max}
}

// Get returns a nonce, kicking off a background refill when the queue has
// dropped below the low-water mark.
func (p *NoncePool) Get(ctx context.Context) (string, error) {
	if p.manager.len() < p.min {
		p.refill(ctx)
	}
	return p.manager.Get(ctx)
}

// Cache and Clear delegate to the underlying manager.
func (p *NoncePool) Cache(nonce string) { p.manager.Cache(nonce) }
func (p *NoncePool) Clear()             { p.manager.Clear() }

func (p *NoncePool) refill(ctx context.Context) {
	p.mu.Lock()
	if p.refilling {
		p.mu.Unlock()
		return
	}
	p.refilling = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.refilling = false
			p.mu.Unlock()
		}()
		// Detached from the caller's deadline; a request completing does
		// not need to abort the top-up.
		bg := context.WithoutCancel(ctx)
		for p.manager.len() < p.max {
			nonce, err := p.manager.fetch(bg)
			if err != nil {
				return
			}
			p.manager.Cache(nonce)
		}
	}()
}
