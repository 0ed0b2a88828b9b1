package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// loadIndex reads the persisted index from disk.
func (e *Engine) loadIndex() error {
	data, err := os.ReadFile(e.indexFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Fresh cache directory.
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}

	index := make(map[string]*Entry)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	e.index = index
	return nil
}

// rebuildIndex is the disaster-recovery path: it reconstructs the index
// from the blob files actually on disk, deleting anything that does not
// look like a cache blob.
func (e *Engine) rebuildIndex() {
	e.index = make(map[string]*Entry)

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		log.Error("failed to scan cache directory", "dir", e.dir, "error", err)
		return
	}

	for _, dirEntry := range entries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || name == filepath.Base(e.indexFile) {
			continue
		}
		if !strings.HasSuffix(name, blobSuffix) {
			// Stale temp file or foreign debris.
			_ = os.Remove(filepath.Join(e.dir, name))
			continue
		}

		info, err := dirEntry.Info()
		if err != nil {
			continue
		}

		key := strings.TrimSuffix(name, blobSuffix)
		e.index[key] = &Entry{
			Key:        key,
			File:       name,
			Size:       info.Size(),
			CreatedAt:  info.ModTime(),
			LastAccess: info.ModTime(),
			Compressed: hasZstdMagic(filepath.Join(e.dir, name)),
		}
	}

	log.Info("rebuilt cache index from disk", "entries", len(e.index))
	e.dirty = true
}

// zstdMagic is the frame header every zstd-compressed blob starts with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func hasZstdMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var header [4]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return false
	}
	return bytes.Equal(header[:], zstdMagic)
}

// reconcile drops index entries whose blobs are gone and deletes blobs
// the index does not know about.
func (e *Engine) reconcile() {
	for key, entry := range e.index {
		if _, err := os.Stat(filepath.Join(e.dir, entry.File)); err != nil {
			delete(e.index, key)
			e.dirty = true
		}
	}

	dirEntries, err := os.ReadDir(e.dir)
	if err != nil {
		return
	}
	known := make(map[string]struct{}, len(e.index))
	for _, entry := range e.index {
		known[entry.File] = struct{}{}
	}
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || name == filepath.Base(e.indexFile) || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		if _, ok := known[name]; !ok {
			_ = os.Remove(filepath.Join(e.dir, name))
		}
	}
}

// scheduleSaveLocked arms the debounced index write. Rapid successive
// mutations collapse into a single write saveDelay after the last one.
// Callers must hold e.mu.
func (e *Engine) scheduleSaveLocked() {
	e.dirty = true
	if e.closed {
		return
	}
	if e.saveTimer != nil {
		e.saveTimer.Reset(e.saveDelay)
		return
	}
	e.saveTimer = time.AfterFunc(e.saveDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || !e.dirty {
			return
		}
		if err := e.saveIndexLocked(); err != nil {
			log.Error("failed to persist cache index", "error", err)
		}
	})
}

// saveIndexLocked writes the index atomically. Callers must hold e.mu.
func (e *Engine) saveIndexLocked() error {
	data, err := json.MarshalIndent(e.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp := e.indexFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, e.indexFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index: %w", err)
	}

	e.dirty = false
	return nil
}
