package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// Migrate copies every key from src to dst. Existing keys in dst are
// overwritten. Used to move between backends (say, file to Redis) or to
// encrypt a previously plaintext store by wrapping dst in Encrypted.
// A key that fails to copy is logged and skipped rather than aborting
// the run; the returned count covers the keys that made it, and the
// error reports how many did not. Cancellation still stops the run.
func Migrate(ctx context.Context, src, dst Backend, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keys, err := src.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("migrating: listing source keys: %w", err)
	}

	migrated := 0
	failed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return migrated, fmt.Errorf("migrating: %w", err)
		}
		value, err := src.Load(ctx, key)
		if err != nil {
			logger.Error("migration: loading key failed", "key", key, "error", err)
			failed++
			continue
		}
		if err := dst.Store(ctx, key, value); err != nil {
			logger.Error("migration: storing key failed", "key", key, "error", err)
			failed++
			continue
		}
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("migrating: %d of %d keys failed", failed, len(keys))
	}
	logger.Info("storage migration complete", "keys", migrated)
	return migrated, nil
}
