// Package snapshot scans a directory of VM snapshots and exposes O(1)
// lookup by name. A valid snapshot is a subdirectory containing both a
// regular file named "snapshot" (device state) and a regular file
// named "mem" (guest memory); subdirectories missing either are
// silently skipped at discovery time.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultName is the conventional name of the baseline snapshot used
// to warm the VM pool.
const DefaultName = "base"

// Record describes one registered snapshot.
type Record struct {
	Name      string
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// SnapshotFilePath returns the absolute path of the device-state file
// inside this snapshot's directory.
func (r Record) SnapshotFilePath() string { return filepath.Join(r.Path, "snapshot") }

// MemFilePath returns the absolute path of the guest-memory file
// inside this snapshot's directory.
func (r Record) MemFilePath() string { return filepath.Join(r.Path, "mem") }

// Catalog is an immutable-after-construction index of snapshot
// directories. It does not rescan; reloading is the caller's concern.
type Catalog struct {
	mu      sync.RWMutex
	baseDir string
	byName  map[string]Record
}

// Scan creates baseDir if it does not exist, then walks its immediate
// subdirectories, registering every one that validates as a snapshot.
func Scan(baseDir string) (*Catalog, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create base dir %s: %w", baseDir, err)
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read base dir %s: %w", baseDir, err)
	}

	c := &Catalog{baseDir: baseDir, byName: make(map[string]Record)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())
		rec, ok := validate(entry.Name(), path)
		if !ok {
			continue
		}
		c.byName[entry.Name()] = rec
	}
	return c, nil
}

func validate(name, path string) (Record, bool) {
	snapInfo, ok := regularFile(filepath.Join(path, "snapshot"))
	if !ok {
		return Record{}, false
	}
	memInfo, ok := regularFile(filepath.Join(path, "mem"))
	if !ok {
		return Record{}, false
	}
	return Record{
		Name:      name,
		Path:      path,
		CreatedAt: time.Now(),
		SizeBytes: snapInfo.Size() + memInfo.Size(),
	}, true
}

func regularFile(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return info, true
}

// Get looks up a snapshot by name in O(1).
func (c *Catalog) Get(name string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byName[name]
	return rec, ok
}

// Default returns the entry named DefaultName, if present.
func (c *Catalog) Default() (Record, bool) {
	return c.Get(DefaultName)
}

// List copies out the current set of registered snapshots.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.byName))
	for _, rec := range c.byName {
		out = append(out, rec)
	}
	return out
}

// BaseDir returns the directory this catalog was scanned from.
func (c *Catalog) BaseDir() string { return c.baseDir }
