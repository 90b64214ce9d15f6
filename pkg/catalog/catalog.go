// Package catalog tracks which uploaded files already have a finalized
// columnar store on disk, so reloading a file skips the parse entirely.
//
// The catalog owns the parsed directory: store files are named
// file_<fileID>.db and survive restarts. The in-memory set is a cache over
// the directory; a miss falls back to a stat probe, and a filesystem watcher
// drops entries whose backing file is removed out-of-band.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/entrydb"
)

const (
	storePrefix = "file_"
	storeSuffix = ".db"
)

// Stats summarizes the catalog's on-disk footprint.
type Stats struct {
	ParsedCount int   `json:"parsedCount"`
	TotalBytes  int64 `json:"totalBytes"`
}

// Catalog maps file IDs to finalized columnar stores in one directory.
type Catalog struct {
	dir  string
	opts entrydb.Options

	mu     sync.RWMutex
	parsed map[string]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New opens the catalog over dir, creating it if needed, and seeds the
// parsed set from a directory scan. A watcher keeps the set consistent when
// store files are deleted outside the process.
func New(dir string, opts entrydb.Options) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parsed directory: %w", err)
	}

	c := &Catalog{
		dir:    dir,
		opts:   opts,
		parsed: make(map[string]struct{}),
		done:   make(chan struct{}),
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan parsed directory: %w", err)
	}
	for _, e := range names {
		if e.IsDir() {
			continue
		}
		if id, ok := fileIDFromName(e.Name()); ok {
			c.parsed[id] = struct{}{}
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create directory watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch parsed directory: %w", err)
	}
	c.watcher = w
	go c.watch()

	logger.Info("parsed-store catalog opened", "dir", dir, "stores", len(c.parsed))
	return c, nil
}

// watch consumes filesystem events until Close. Only removals matter: a
// store file deleted out-of-band must stop reporting as parsed.
func (c *Catalog) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id, ok := fileIDFromName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			c.mu.Lock()
			_, present := c.parsed[id]
			delete(c.parsed, id)
			c.mu.Unlock()
			if present {
				logger.Warn("parsed store removed out-of-band", "file_id", id)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("parsed directory watcher error", "error", err)
		case <-c.done:
			return
		}
	}
}

// Close stops the directory watcher.
func (c *Catalog) Close() error {
	close(c.done)
	return c.watcher.Close()
}

// StorePath returns the on-disk path of the file's columnar store.
func (c *Catalog) StorePath(fileID string) string {
	return filepath.Join(c.dir, storePrefix+fileID+storeSuffix)
}

// IsParsed reports whether a finalized store exists for the file. A cache
// miss falls back to a stat probe so stores created by a previous process
// (or missed events) are still found.
func (c *Catalog) IsParsed(fileID string) bool {
	c.mu.RLock()
	_, ok := c.parsed[fileID]
	c.mu.RUnlock()
	if ok {
		return true
	}

	if _, err := os.Stat(c.StorePath(fileID)); err != nil {
		return false
	}
	c.mu.Lock()
	c.parsed[fileID] = struct{}{}
	c.mu.Unlock()
	return true
}

// Open opens the file's store read-only.
func (c *Catalog) Open(fileID string) (*entrydb.Store, error) {
	return entrydb.Open(c.StorePath(fileID), c.opts)
}

// CreateForFile creates a fresh writable store for the file. The file does
// not report as parsed until MarkComplete; a crashed or failed parse leaves
// no half-valid catalog entry.
func (c *Catalog) CreateForFile(fileID string) (*entrydb.Store, error) {
	path := c.StorePath(fileID)
	// A stale store from an interrupted parse is replaced.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale store: %w", err)
	}
	c.mu.Lock()
	delete(c.parsed, fileID)
	c.mu.Unlock()
	return entrydb.Create(path, c.opts)
}

// MarkComplete records that the file's store is finalized and reusable.
func (c *Catalog) MarkComplete(fileID string) {
	c.mu.Lock()
	c.parsed[fileID] = struct{}{}
	c.mu.Unlock()
}

// Delete drops the file's catalog entry and removes its store from disk.
// Deleting a file that was never parsed is a no-op.
func (c *Catalog) Delete(fileID string) error {
	c.mu.Lock()
	delete(c.parsed, fileID)
	c.mu.Unlock()

	if err := os.Remove(c.StorePath(fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove parsed store: %w", err)
	}
	return nil
}

// CleanupOrphaned removes stores whose source file no longer exists, and
// returns how many were removed.
func (c *Catalog) CleanupOrphaned(knownFileIDs []string) int {
	known := make(map[string]struct{}, len(knownFileIDs))
	for _, id := range knownFileIDs {
		known[id] = struct{}{}
	}

	c.mu.RLock()
	var orphans []string
	for id := range c.parsed {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for _, id := range orphans {
		if err := c.Delete(id); err != nil {
			logger.Warn("failed to remove orphaned store", "file_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed orphaned parsed stores", "count", removed)
	}
	return removed
}

// Stats reports the number of cataloged stores and their total size.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	ids := make([]string, 0, len(c.parsed))
	for id := range c.parsed {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	stats := Stats{ParsedCount: len(ids)}
	for _, id := range ids {
		if info, err := os.Stat(c.StorePath(id)); err == nil {
			stats.TotalBytes += info.Size()
		}
	}
	return stats
}

// fileIDFromName extracts the file ID from a store file name, or reports
// that the name is not a store file.
func fileIDFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, storePrefix) || !strings.HasSuffix(name, storeSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, storePrefix), storeSuffix)
	return id, id != ""
}
