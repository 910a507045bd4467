package acme

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/caasmo/certinpieces/transport"
)

// DirectoryCache fetches the ACME directory once and serves it from memory
// until Invalidate is called.
type DirectoryCache struct {
	client       *transport.Client
	directoryURL string

	mu  sync.RWMutex
	dir *Directory
}

func NewDirectoryCache(client *transport.Client, directoryURL string) *DirectoryCache {
	return &DirectoryCache{client: client, directoryURL: directoryURL}
}

// Get returns the cached directory, fetching it on first use.
func (c *DirectoryCache) Get(ctx context.Context) (*Directory, error) {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	if dir != nil {
		return dir, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir != nil {
		return c.dir, nil
	}

	dir, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.dir = dir
	return dir, nil
}

// Invalidate drops the cached copy so the next Get refetches.
func (c *DirectoryCache) Invalidate() {
	c.mu.Lock()
	c.dir = nil
	c.mu.Unlock()
}

func (c *DirectoryCache) fetch(ctx context.Context) (*Directory, error) {
	resp, err := c.client.Get(ctx, c.directoryURL)
	if err != nil {
		return nil, NewError(KindTransport, "fetching directory", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp, KindProtocol, "fetching directory")
	}

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, NewError(KindProtocol, "decoding directory", err)
	}
	if dir.NewNonce == "" || dir.NewAccount == "" || dir.NewOrder == "" {
		return nil, Errorf(KindProtocol, "directory at %s is missing required endpoints", c.directoryURL)
	}
	return &dir, nil
}

// responseError turns a non-success HTTP response into an *Error, parsing
// an RFC 7807 problem document from the body when present.
func responseError(resp *http.Response, kind Kind, msg string) error {
	var problem Problem
	if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil || problem.Type == "" {
		return Errorf(kind, "%s: unexpected status %d", msg, resp.StatusCode)
	}
	if problem.Status == 0 {
		problem.Status = resp.StatusCode
	}
	e := NewError(kind, msg, nil)
	e.Problem = &problem
	if ra := transport.RetryAfter(resp.Header); ra > 0 {
		e.RetryAfter = ra
	}
	if problem.Type == ProblemRateLimited {
		e.Kind = KindRateLimited
	}
	return e
}
