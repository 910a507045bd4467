package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileExt = ".bin"

// File stores each key as a single flat file under a base directory. Keys
// are escaped so arbitrary characters (including path separators) cannot
// leave the directory. Writes go through a temp file and rename so a crash
// never leaves a half-written value behind.
type File struct {
	base string
}

func NewFile(baseDir string) (*File, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage: base directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating base directory %s: %w", baseDir, err)
	}
	return &File{base: baseDir}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.base, escapeKey(key)+fileExt)
}

func (f *File) Store(ctx context.Context, key string, value []byte) error {
	path := f.path(key)
	tmp, err := os.CreateTemp(f.base, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storing %q: creating temp file: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storing %q: writing temp file: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storing %q: closing temp file: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storing %q: setting permissions: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storing %q: renaming into place: %w", key, err)
	}
	return nil
}

func (f *File) Load(ctx context.Context, key string) ([]byte, error) {
	value, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("loading %q: %w", key, err)
	}
	return value, nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("deleting %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

func (f *File) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.base)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, ok := unescapeKey(strings.TrimSuffix(name, fileExt))
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

const hexDigits = "0123456789abcdef"

func safeKeyByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.':
		return true
	}
	return false
}

// escapeKey maps a key to a filename-safe form, percent-encoding every
// byte outside [A-Za-z0-9._-]. The mapping is reversible so List can
// report original keys.
func escapeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if safeKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xf])
	}
	return b.String()
}

func unescapeKey(name string) (string, bool) {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		hi := hexVal(name[i+1])
		lo := hexVal(name[i+2])
		if hi < 0 || lo < 0 {
			return "", false
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
