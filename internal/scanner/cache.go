package scanner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileMeta is the persisted record of a file's last acknowledged upload.
type FileMeta struct {
	Hashes []string `json:"hashes"`
	Mtime  int64    `json:"mtime"`
	Size   int64    `json:"size"`
}

// sameHashes reports whether two hash lists are identical in order.
func sameHashes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const flushDelay = 2 * time.Second

// Cache is the mtime cache: project root -> absolute file path -> FileMeta.
// Entries describe the last successfully uploaded state only; callers commit
// them after acknowledgment, never before. Writes are batched to disk on a
// short flush timer.
type Cache struct {
	path string

	mu         sync.Mutex
	entries    map[string]map[string]FileMeta
	loaded     bool
	dirty      bool
	flushTimer *time.Timer
}

func NewCache(path string) *Cache {
	return &Cache{
		path:    path,
		entries: make(map[string]map[string]FileMeta),
	}
}

func (c *Cache) load() {
	if c.loaded {
		return
	}
	c.loaded = true
	b, err := os.ReadFile(c.path)
	if err != nil || len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, &c.entries)
	if c.entries == nil {
		c.entries = make(map[string]map[string]FileMeta)
	}
}

// Lookup returns the last committed metadata for a file.
func (c *Cache) Lookup(project, path string) (FileMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	meta, ok := c.entries[project][path]
	return meta, ok
}

// ProjectFiles returns a copy of all committed entries for a project.
func (c *Cache) ProjectFiles(project string) map[string]FileMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	out := make(map[string]FileMeta, len(c.entries[project]))
	for path, meta := range c.entries[project] {
		out[path] = meta
	}
	return out
}

// Commit records a file's acknowledged state. Committing an identical state
// again (same hashes, updated mtime) is valid and idempotent.
func (c *Cache) Commit(project, path string, meta FileMeta) {
	c.mu.Lock()
	c.load()
	if c.entries[project] == nil {
		c.entries[project] = make(map[string]FileMeta)
	}
	c.entries[project][path] = meta
	c.markDirtyLocked()
	c.mu.Unlock()
}

// Delete drops a file's entry, e.g. after the file is removed.
func (c *Cache) Delete(project, path string) {
	c.mu.Lock()
	c.load()
	if files, ok := c.entries[project]; ok {
		delete(files, path)
		c.markDirtyLocked()
	}
	c.mu.Unlock()
}

// DropProject removes every entry of a project.
func (c *Cache) DropProject(project string) {
	c.mu.Lock()
	c.load()
	if _, ok := c.entries[project]; ok {
		delete(c.entries, project)
		c.markDirtyLocked()
	}
	c.mu.Unlock()
}

func (c *Cache) markDirtyLocked() {
	c.dirty = true
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(flushDelay, func() {
		_ = c.Flush()
	})
}

// Flush writes the cache to disk immediately if dirty.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	c.dirty = false
	c.flushTimer = nil

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
