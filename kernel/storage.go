package kernel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is the narrow storage accessor handed to services. Mutations that
// must be persisted are followed by MarkDirty with the changed keys; the
// kernel alone performs the authoritative save.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, v any)
	MarkDirty(keys ...string)
}

// Storage is the process-wide key/value map with dirty tracking and JSON
// persistence. Defaults are merged under any persisted overrides at load.
type Storage struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	data  map[string]any
	dirty bool

	// onDirty is invoked (outside the lock) whenever the map is marked
	// dirty; the kernel uses it to broadcast storage_update.
	onDirty func(keys []string)
}

func NewStorage(path string, log *slog.Logger) *Storage {
	return &Storage{path: path, log: log, data: map[string]any{}}
}

// Load reads the persisted file and merges it over the defaults. A missing
// or unreadable file falls back to defaults alone; loading never fails boot.
func (s *Storage) Load(defaults map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]any{}
	for k, v := range defaults {
		s.data[k] = v
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warn("storage load failed, using defaults", "path", s.path, "error", err)
		s.dirty = false
		return
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		s.log.Warn("storage file corrupt, using defaults", "path", s.path, "error", err)
		s.dirty = false
		return
	}
	for k, v := range persisted {
		s.data[k] = v
	}
	s.dirty = false
	s.log.Info("storage loaded", "path", s.path, "keys", len(s.data))
}

func (s *Storage) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Storage) Set(key string, v any) {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
}

// Snapshot returns a shallow copy of the map.
func (s *Storage) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// MarkDirty records unsaved mutations and notifies the dirty hook.
func (s *Storage) MarkDirty(keys ...string) {
	s.mu.Lock()
	if !s.dirty {
		s.log.Debug("storage marked dirty", "keys", keys)
	}
	s.dirty = true
	hook := s.onDirty
	s.mu.Unlock()
	if hook != nil {
		hook(keys)
	}
}

func (s *Storage) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Save writes the map to disk if dirty, with an atomic rename, and clears
// the dirty flag. A clean map is a no-op.
func (s *Storage) Save() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		s.log.Debug("storage clean, skipping save")
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("storage: marshal: %w", err)
	}
	path := s.path
	s.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: mkdir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.log.Info("storage saved", "path", path)
	return nil
}
