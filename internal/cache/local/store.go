// Package local stores cached captures on the local filesystem.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

const (
	entryExt  = ".snap"
	tmpPrefix = ".tmp-"
	// tmpGrace keeps Sweep away from temp files a concurrent Put is still writing.
	tmpGrace = time.Minute
)

// Config captures the parameters for the filesystem store.
type Config struct {
	// Dir is the directory holding one <key>.snap file per entry.
	Dir string `mapstructure:"dir"`
}

// Store keeps one file per entry: a single line of JSON metadata followed by
// the raw image bytes. Metadata and image are published by one rename, so
// concurrent writers to a key never mix their halves.
type Store struct {
	dir   string
	clock capture.Clock
}

var _ capture.Store = (*Store)(nil)

// New validates the directory, creating it when missing.
func New(cfg Config, clock capture.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache directory path is not a directory")
	}

	marker := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(marker, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{dir: cfg.Dir, clock: clock}, nil
}

// Get reads the entry for key. Missing or expired entries are misses.
func (s *Store) Get(_ context.Context, key string) (capture.Entry, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return capture.Entry{}, false, err
	}

	raw, err := os.ReadFile(path) // #nosec G304 -- path is confined to the cache dir.
	if errors.Is(err, os.ErrNotExist) {
		return capture.Entry{}, false, nil
	}
	if err != nil {
		return capture.Entry{}, false, fmt.Errorf("read entry: %w", err)
	}
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return capture.Entry{}, false, fmt.Errorf("decode entry: missing metadata line")
	}
	var entry capture.Entry
	if err := json.Unmarshal(raw[:idx], &entry); err != nil {
		return capture.Entry{}, false, fmt.Errorf("decode metadata: %w", err)
	}
	if !entry.Fresh(s.clock.Now()) {
		return capture.Entry{}, false, nil
	}
	entry.Data = raw[idx+1:]
	return entry, true, nil
}

// Put writes the entry to a temp file and renames it into place.
func (s *Store) Put(_ context.Context, key string, entry capture.Entry) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	buf := make([]byte, 0, len(meta)+1+len(entry.Data))
	buf = append(buf, meta...)
	buf = append(buf, '\n')
	buf = append(buf, entry.Data...)
	if err := writeFileAtomic(path, buf); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Sweep deletes expired or unreadable entries and temp files abandoned by
// interrupted writes. It returns the number of files removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list cache directory: %w", err)
	}
	now := s.clock.Now()
	var removed int64
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(s.dir, name)
		var stale bool
		switch {
		case strings.HasPrefix(name, tmpPrefix):
			info, err := de.Info()
			if err != nil {
				continue
			}
			stale = now.Sub(info.ModTime()) > tmpGrace
		case strings.HasSuffix(name, entryExt):
			stale = s.expired(path, now)
		}
		if !stale {
			continue
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

// expired reads only the metadata line of the entry at path.
func (s *Store) expired(path string, now time.Time) bool {
	f, err := os.Open(path) // #nosec G304 -- path comes from listing the cache dir.
	if err != nil {
		return false
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	var entry capture.Entry
	if err := json.Unmarshal(bytes.TrimSuffix(line, []byte("\n")), &entry); err != nil {
		return true
	}
	return !entry.Fresh(now)
}

func (s *Store) path(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	base := filepath.Join(s.dir, key)
	cleanDir := filepath.Clean(s.dir)
	if filepath.Dir(filepath.Clean(base)) != cleanDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return base + entryExt, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
