// Package knowledge serves the medicinal plant reference table keyed by class
// label.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	notAvailable = "Information not available"
	unknownField = "N/A"
)

// Entry is one plant's record. Field names follow the JSON table.
type Entry struct {
	ScientificName  string   `json:"Scientific Name"`
	MedicinalUses   []string `json:"Medicinal Uses"`
	ActiveCompounds []string `json:"Active Compounds"`
	Precautions     string   `json:"Precautions"`
	Sources         []string `json:"Sources"`
}

// DB is a read-mostly table that can be swapped atomically by Reload.
type DB struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	db := &DB{path: abs, logger: logger.Named("knowledge")}
	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload re-reads the table. On error the previous contents stay in place.
func (db *DB) Reload() error {
	raw, err := os.ReadFile(db.path)
	if err != nil {
		return fmt.Errorf("failed to read knowledge db: %w", err)
	}
	var entries map[string]Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to parse knowledge db %s: %w", db.path, err)
	}

	db.mu.Lock()
	db.entries = entries
	db.mu.Unlock()
	db.logger.Info("knowledge db loaded", zap.String("path", db.path), zap.Int("entries", len(entries)))
	return nil
}

func (db *DB) Lookup(label string) (Entry, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.entries[label]
	return e, ok
}

// Formatted returns the entry for label with every field filled, or a
// placeholder record when the label is unknown.
func (db *DB) Formatted(label string) Entry {
	e, ok := db.Lookup(label)
	if !ok {
		return Entry{
			ScientificName:  notAvailable,
			MedicinalUses:   []string{},
			ActiveCompounds: []string{},
			Precautions:     notAvailable,
			Sources:         []string{},
		}
	}
	if e.ScientificName == "" {
		e.ScientificName = unknownField
	}
	if e.Precautions == "" {
		e.Precautions = unknownField
	}
	if e.MedicinalUses == nil {
		e.MedicinalUses = []string{}
	}
	if e.ActiveCompounds == nil {
		e.ActiveCompounds = []string{}
	}
	if e.Sources == nil {
		e.Sources = []string{}
	}
	return e
}

func (db *DB) Labels() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.entries))
	for k := range db.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the table whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up. Bursts of events within debounce trigger one reload.
func (db *DB) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(db.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", db.path, err)
	}
	target := filepath.Clean(db.path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			db.logger.Debug("knowledge db changed", zap.Stringer("op", event.Op))
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			db.logger.Warn("knowledge db watcher error", zap.Error(err))
		case <-timer.C:
			if err := db.Reload(); err != nil {
				db.logger.Warn("knowledge db reload failed, keeping previous table", zap.Error(err))
			}
		}
	}
}
