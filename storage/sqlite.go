package storage

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLite stores values in a single kv table. The pool's lifecycle is
// managed externally; this type does not close it.
type SQLite struct {
	pool *sqlitex.Pool
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
)`

// NewSQLite ensures the schema exists on the given pool.
func NewSQLite(ctx context.Context, pool *sqlitex.Pool) (*SQLite, error) {
	if pool == nil {
		return nil, fmt.Errorf("storage: sqlite pool cannot be nil")
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: taking connection: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.Execute(conn, sqliteSchema, nil); err != nil {
		return nil, fmt.Errorf("storage: creating schema: %w", err)
	}
	return &SQLite{pool: pool}, nil
}

func (s *SQLite) Store(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storing %q: taking connection: %w", key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated = (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))`,
		&sqlitex.ExecOptions{
			Args: []any{key, value},
		})
	if err != nil {
		return fmt.Errorf("storing %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading %q: taking connection: %w", key, err)
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn,
		`SELECT value FROM kv WHERE key = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("loading %q: %w", key, ErrNotFound)
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("deleting %q: taking connection: %w", key, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn,
		`DELETE FROM kv WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
		}); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("deleting %q: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: taking connection: %w", err)
	}
	defer s.pool.Put(conn)

	// LIKE with escaped wildcards so literal % and _ in the prefix match
	// themselves.
	pattern := likeEscape(prefix) + "%"
	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`,
		&sqlitex.ExecOptions{
			Args: []any{pattern},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
