package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmcleod/ironca/internal/util"
)

const fileFormatVer = 1

type fileDoc struct {
	Ver     int               `json:"ver"`
	Entries map[string][]byte `json:"entries"`
}

// FileBackend keeps every entry in one keystore file. All access goes
// through a single mutex, and each mutation rewrites the file through a
// temporary sibling that is synced and renamed over the original, so a
// failed write leaves the previous file intact.
type FileBackend struct {
	path    string
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ Backend = (*FileBackend)(nil)

// OpenFile loads the keystore at path, creating an empty one if it does not exist.
func OpenFile(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, entries: make(map[string][]byte)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := b.persist(b.entries); err != nil {
			return nil, err
		}
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("reading keystore %s: %w", path, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing keystore %s: %w", path, err)
	}
	if doc.Ver != fileFormatVer {
		return nil, fmt.Errorf("unsupported keystore version: %d", doc.Ver)
	}
	if doc.Entries != nil {
		b.entries = doc.Entries
	}
	return b, nil
}

// Path returns the keystore file location.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Put(ctx context.Context, alias string, entry []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[alias]; ok {
		return fmt.Errorf("%s: %w", alias, ErrEntryExists)
	}
	next := maps.Clone(b.entries)
	next[alias] = entry
	if err := b.persist(next); err != nil {
		return err
	}
	b.entries = next
	return nil
}

func (b *FileBackend) Get(_ context.Context, alias string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[alias]
	if !ok {
		return nil, fmt.Errorf("%s: %w", alias, ErrEntryNotFound)
	}
	return util.CopyBytes(entry), nil
}

func (b *FileBackend) Delete(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[alias]; !ok {
		return nil
	}
	next := maps.Clone(b.entries)
	delete(next, alias)
	if err := b.persist(next); err != nil {
		return err
	}
	b.entries = next
	return nil
}

// persist must be called with mu held for writing.
func (b *FileBackend) persist(entries map[string][]byte) error {
	data, err := json.Marshal(fileDoc{Ver: fileFormatVer, Entries: entries})
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp keystore: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("setting keystore permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp keystore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp keystore: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing keystore: %w", err)
	}
	return nil
}
