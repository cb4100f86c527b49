package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend implements Backend using one JSON file per record.
// Storage layout:
//
//	~/.tabsync/store/
//	  └── <owner>/
//	      ├── session_context.json
//	      └── user_preferences.json
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.tabsync/store.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".tabsync", "store")
	}

	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create base directory: %v", ErrUnsupported, err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

func (f *FileBackend) ownerDir(owner string) string {
	return filepath.Join(f.baseDir, owner)
}

func (f *FileBackend) recordPath(owner string, key LogicalKey) string {
	return filepath.Join(f.ownerDir(owner), string(key)+".json")
}

// Put implements Backend.
func (f *FileBackend) Put(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validate(rec.OwnerUserID, rec.LogicalKey); err != nil {
		return err
	}

	dir := f.ownerDir(rec.OwnerUserID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create owner directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial record.
	tmp, err := os.CreateTemp(dir, "."+string(rec.LogicalKey)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpName, f.recordPath(rec.OwnerUserID, rec.LogicalKey)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename record: %w", err)
	}

	return nil
}

// Get implements Backend.
func (f *FileBackend) Get(ctx context.Context, owner string, key LogicalKey) (*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validate(owner, key); err != nil {
		return nil, err
	}

	return f.readRecord(f.recordPath(owner, key))
}

func (f *FileBackend) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(ctx context.Context, owner string, key LogicalKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validate(owner, key); err != nil {
		return err
	}

	if err := os.Remove(f.recordPath(owner, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ClearAll implements Backend by scanning the owner directory.
func (f *FileBackend) ClearAll(ctx context.Context, owner string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrStorageClosed
	}
	if err := validateOwner(owner); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(f.ownerDir(owner))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read owner directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(f.ownerDir(owner), entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("delete record: %w", err)
		}
		removed++
	}

	if err := os.RemoveAll(f.ownerDir(owner)); err != nil {
		return removed, fmt.Errorf("remove owner directory: %w", err)
	}
	return removed, nil
}

// List implements Backend.
func (f *FileBackend) List(ctx context.Context, owner string) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.ownerDir(owner))
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("read owner directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := f.readRecord(filepath.Join(f.ownerDir(owner), name))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// Ping implements Backend.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	return nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
