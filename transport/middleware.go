package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// LoggingMiddleware logs every request and response at debug level and
// failures at warn level.
type LoggingMiddleware struct {
	Logger *slog.Logger
}

func (m *LoggingMiddleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *LoggingMiddleware) Before(ctx context.Context, method, url string) error {
	m.logger().DebugContext(ctx, "http request", "method", method, "url", url)
	return nil
}

func (m *LoggingMiddleware) After(ctx context.Context, url string, resp *http.Response) error {
	m.logger().DebugContext(ctx, "http response", "url", url, "status", resp.StatusCode)
	return nil
}

func (m *LoggingMiddleware) OnError(ctx context.Context, url string, err error) {
	m.logger().WarnContext(ctx, "http request failed", "url", url, "error", err)
}

// TimingMiddleware records round-trip latency per URL. Entries with the
// same URL overwrite each other; it is a probe, not a metrics store.
type TimingMiddleware struct {
	Logger *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
}

func NewTimingMiddleware(logger *slog.Logger) *TimingMiddleware {
	return &TimingMiddleware{Logger: logger, starts: make(map[string]time.Time)}
}

func (m *TimingMiddleware) Before(ctx context.Context, method, url string) error {
	m.mu.Lock()
	m.starts[url] = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *TimingMiddleware) After(ctx context.Context, url string, resp *http.Response) error {
	m.mu.Lock()
	start, ok := m.starts[url]
	delete(m.starts, url)
	m.mu.Unlock()
	if ok && m.Logger != nil {
		m.Logger.DebugContext(ctx, "http timing", "url", url, "elapsed", time.Since(start))
	}
	return nil
}

func (m *TimingMiddleware) OnError(ctx context.Context, url string, err error) {
	m.mu.Lock()
	delete(m.starts, url)
	m.mu.Unlock()
}
