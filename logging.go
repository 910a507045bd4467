package certinpieces

import (
	"log/slog"
	"os"

	phuslog "github.com/phuslu/log"

	"github.com/caasmo/certinpieces/config"
)

// NewLogger builds the slog logger from the log section: phuslu's JSON
// handler for "json", the standard text handler otherwise.
func NewLogger(cfg config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.Level}
	if cfg.Format == "json" {
		return slog.New(phuslog.SlogNewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
