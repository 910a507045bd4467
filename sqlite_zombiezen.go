package certinpieces

// Helper for creating a SQLite connection pool for the sqlite storage
// backend. If your application also talks to the same database, share one
// pool to avoid SQLITE_BUSY locking.

import (
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite/sqlitex"
)

// NewSQLitePool opens a pool with defaults that suit the storage backend
// (WAL mode on by default, pool sized to the CPU count).
func NewSQLitePool(dbPath string) (*sqlitex.Pool, error) {
	pool, err := sqlitex.NewPool("file:"+dbPath, sqlitex.PoolOptions{
		PoolSize: runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating sqlite pool at %s: %w", dbPath, err)
	}
	return pool, nil
}
