package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is a single plan-cache record: the last hash applied to a deal
// and when, so the projector can skip a redundant CRM write.
type Entry struct {
	ExternalID    string    `json:"external_id"`
	DealID        string    `json:"deal_id"`
	LastHash      uint64    `json:"last_hash"`
	LastAppliedAt time.Time `json:"last_applied_at"`
}

// Cache is a file-backed, atomically-persisted map of external_id to
// Entry, using an explicit last-applied timestamp rather than a fixed
// TTL to decide what survives eviction.
type Cache struct {
	mu       sync.Mutex
	path     string
	maxSize  int
	entries  map[string]Entry
}

// LoadCache reads path if present, or starts empty if it does not
// exist yet — a fresh deployment has no plan cache on disk.
func LoadCache(path string, maxSize int) (*Cache, error) {
	c := &Cache{path: path, maxSize: maxSize, entries: map[string]Entry{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan cache %s: %w", path, err)
	}
	if len(raw) == 0 {
		return c, nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse plan cache %s: %w", path, err)
	}
	for _, e := range entries {
		c.entries[e.ExternalID] = e
	}
	return c, nil
}

// Get returns the cached entry for externalID, if any.
func (c *Cache) Get(externalID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[externalID]
	return e, ok
}

// Put upserts an entry and evicts the oldest ~10% by last_applied_at
// once the bound is exceeded, then persists the cache atomically.
func (c *Cache) Put(e Entry) error {
	c.mu.Lock()
	c.entries[e.ExternalID] = e
	c.evictLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	return persistAtomic(c.path, snapshot)
}

// Flush persists the current in-memory state without modifying it,
// used on graceful shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	return persistAtomic(c.path, snapshot)
}

func (c *Cache) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// evictLocked drops the oldest ~10% of entries by last_applied_at once
// the cache exceeds maxSize. Called with mu held.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxSize {
		return
	}

	ordered := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LastAppliedAt.Before(ordered[j].LastAppliedAt) })

	evictCount := len(ordered) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(ordered); i++ {
		delete(c.entries, ordered[i].ExternalID)
	}
}

// persistAtomic writes entries to a temp file in path's directory,
// fsyncs it, then renames it over path — an interrupted write never
// corrupts the live cache.
func persistAtomic(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".plan_cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create plan cache temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	raw, err := json.Marshal(entries)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to marshal plan cache: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write plan cache temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to fsync plan cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close plan cache temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename plan cache into place: %w", err)
	}
	return nil
}
