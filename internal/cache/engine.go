package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// Defaults for the cache engine.
const (
	// DefaultMaxBytes is the default cache size limit (1GB).
	DefaultMaxBytes = 1024 * 1024 * 1024
	// DefaultEvictThreshold is the fraction of the size limit at which
	// LRU eviction starts.
	DefaultEvictThreshold = 0.85
	// DefaultSaveDelay is the debounce window for index writes.
	DefaultSaveDelay = 2 * time.Second
	// DefaultCompressionLevel is the zstd level used by Compress.
	DefaultCompressionLevel = 3

	blobSuffix = ".audio"
)

// Common errors for cache operations.
var (
	// ErrCacheMiss is returned when a key is not in the cache.
	ErrCacheMiss = errors.New("cache miss")
	// ErrNotPinned is returned when unpinning a key with no pins.
	ErrNotPinned = errors.New("entry is not pinned")
)

// Entry is the index record for one cached audio blob.
type Entry struct {
	Key        string    `json:"key"`
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Compressed bool      `json:"compressed"`

	// pins is runtime-only state; a pinned entry is never evicted.
	pins int
}

// Config holds cache engine configuration.
type Config struct {
	Dir              string
	MaxBytes         int64
	EvictThreshold   float64
	SaveDelay        time.Duration
	CompressionLevel int
}

// DefaultConfig returns the default cache configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		MaxBytes:         DefaultMaxBytes,
		EvictThreshold:   DefaultEvictThreshold,
		SaveDelay:        DefaultSaveDelay,
		CompressionLevel: DefaultCompressionLevel,
	}
}

// Engine is the content-addressed disk cache. The index is the single
// source of truth for what is on disk; all mutation goes through the
// engine's mutex.
type Engine struct {
	mu        sync.Mutex
	dir       string
	indexFile string
	maxBytes  int64
	threshold float64
	saveDelay time.Duration

	index map[string]*Entry
	size  int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	saveTimer *time.Timer
	dirty     bool
	closed    bool

	onSizeChange func(int64)
}

// New creates the cache engine, creating the cache directory and
// loading (or rebuilding) the index. Failure to create the directory is
// fatal for the whole pipeline.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.EvictThreshold <= 0 || cfg.EvictThreshold > 1 {
		cfg.EvictThreshold = DefaultEvictThreshold
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	if cfg.CompressionLevel <= 0 {
		cfg.CompressionLevel = DefaultCompressionLevel
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	e := &Engine{
		dir:       cfg.Dir,
		indexFile: filepath.Join(cfg.Dir, "index.json"),
		maxBytes:  cfg.MaxBytes,
		threshold: cfg.EvictThreshold,
		saveDelay: cfg.SaveDelay,
		index:     make(map[string]*Entry),
		encoder:   encoder,
		decoder:   decoder,
	}

	if err := e.loadIndex(); err != nil {
		log.Warn("cache index unreadable, rebuilding from blobs", "error", err)
		e.rebuildIndex()
	}
	e.reconcile()
	e.recalculateSize()

	log.Debug("cache opened",
		"dir", e.dir,
		"entries", len(e.index),
		"size", humanize.Bytes(uint64(e.size)))

	return e, nil
}

// SetSizeCallback registers a callback invoked after any mutation that
// changes the total cache size.
func (e *Engine) SetSizeCallback(fn func(total int64)) {
	e.mu.Lock()
	e.onSizeChange = fn
	e.mu.Unlock()
}

// Get returns the audio blob for key, refreshing its last-access time.
// A missing blob file heals the index and reports a miss.
func (e *Engine) Get(key string) ([]byte, error) {
	e.mu.Lock()

	entry, ok := e.index[key]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}

	data, err := os.ReadFile(filepath.Join(e.dir, entry.File))
	if err != nil {
		// Blob vanished out from under the index. Heal and miss.
		log.Warn("cache blob missing, healing index", "key", key, "error", err)
		e.dropLocked(entry)
		e.scheduleSaveLocked()
		size := e.size
		e.mu.Unlock()
		e.notifySize(size)
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}

	if entry.Compressed {
		data, err = e.decoder.DecodeAll(data, nil)
		if err != nil {
			log.Warn("cache blob corrupt, healing index", "key", key, "error", err)
			e.dropLocked(entry)
			_ = os.Remove(filepath.Join(e.dir, entry.File))
			e.scheduleSaveLocked()
			size := e.size
			e.mu.Unlock()
			e.notifySize(size)
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
	}

	entry.LastAccess = time.Now()
	e.scheduleSaveLocked()
	e.mu.Unlock()

	return data, nil
}

// Contains reports whether key has a live entry, without touching the
// last-access time.
func (e *Engine) Contains(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.index[key]
	return ok
}

// Put writes the blob under key, updates the index, and evicts if the
// cache has grown past its threshold.
func (e *Engine) Put(key string, blob []byte) (Entry, error) {
	file := key + blobSuffix

	if err := os.WriteFile(filepath.Join(e.dir, file), blob, 0o600); err != nil {
		return Entry{}, fmt.Errorf("failed to write cache blob: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		Key:        key,
		File:       file,
		Size:       int64(len(blob)),
		CreatedAt:  now,
		LastAccess: now,
	}

	e.mu.Lock()
	if old, exists := e.index[key]; exists {
		entry.pins = old.pins
		e.size -= old.Size
	}
	e.index[key] = entry
	e.size += entry.Size
	e.evictLocked()
	e.scheduleSaveLocked()
	size := e.size
	snapshot := *entry
	e.mu.Unlock()

	e.notifySize(size)

	return snapshot, nil
}

// Pin increments the pin count for key, protecting it from eviction.
func (e *Engine) Pin(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	entry.pins++
	return nil
}

// Unpin decrements the pin count for key.
func (e *Engine) Unpin(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	if entry.pins == 0 {
		return fmt.Errorf("%w: %s", ErrNotPinned, key)
	}
	entry.pins--
	return nil
}

// Evict removes least-recently-used unpinned entries until the total
// size is back under the eviction threshold. Evicting while already
// under the threshold is a no-op.
func (e *Engine) Evict() int {
	e.mu.Lock()
	evicted := e.evictLocked()
	e.scheduleSaveLocked()
	size := e.size
	e.mu.Unlock()

	if evicted > 0 {
		e.notifySize(size)
	}
	return evicted
}

// evictLocked implements the LRU pass. Pinned entries are skipped; if
// only pinned entries remain the cache is allowed to exceed its limit
// rather than corrupt a playing file.
func (e *Engine) evictLocked() int {
	limit := int64(float64(e.maxBytes) * e.threshold)
	if e.size <= limit {
		return 0
	}

	entries := make([]*Entry, 0, len(e.index))
	for _, entry := range e.index {
		if entry.pins == 0 {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})

	evicted := 0
	for _, entry := range entries {
		if e.size <= limit {
			break
		}
		_ = os.Remove(filepath.Join(e.dir, entry.File))
		e.dropLocked(entry)
		evicted++
	}

	if evicted > 0 {
		log.Debug("evicted cache entries",
			"count", evicted,
			"size", humanize.Bytes(uint64(e.size)),
			"limit", humanize.Bytes(uint64(e.maxBytes)))
	}
	return evicted
}

// Compress re-encodes stored blobs with zstd to reduce disk usage.
// Cache keys are unchanged; only on-disk representation and sizes move.
func (e *Engine) Compress() error {
	e.mu.Lock()
	keys := make([]string, 0, len(e.index))
	for key, entry := range e.index {
		if !entry.Compressed {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	var compressed int
	for _, key := range keys {
		if err := e.compressOne(key); err != nil {
			log.Warn("failed to compress cache entry", "key", key, "error", err)
			continue
		}
		compressed++
	}

	e.mu.Lock()
	e.scheduleSaveLocked()
	size := e.size
	e.mu.Unlock()
	e.notifySize(size)

	log.Info("cache compression finished",
		"compressed", compressed,
		"size", humanize.Bytes(uint64(size)))
	return nil
}

func (e *Engine) compressOne(key string) error {
	e.mu.Lock()
	entry, ok := e.index[key]
	if !ok || entry.Compressed {
		e.mu.Unlock()
		return nil
	}
	path := filepath.Join(e.dir, entry.File)
	e.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}

	encoded := e.encoder.EncodeAll(raw, nil)
	if len(encoded) >= len(raw) {
		// Already-compact audio; leave it alone.
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write compressed blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace blob: %w", err)
	}

	e.mu.Lock()
	if entry, ok := e.index[key]; ok {
		e.size += int64(len(encoded)) - entry.Size
		entry.Size = int64(len(encoded))
		entry.Compressed = true
	}
	e.mu.Unlock()

	return nil
}

// Clear removes every unpinned entry and its blob and persists the
// shrunk index immediately. Pinned entries survive with their pin
// counts intact; playback may be holding those blobs open.
func (e *Engine) Clear() error {
	e.mu.Lock()
	kept := make(map[string]*Entry)
	var size int64
	for key, entry := range e.index {
		if entry.pins > 0 {
			kept[key] = entry
			size += entry.Size
			continue
		}
		_ = os.Remove(filepath.Join(e.dir, entry.File))
	}
	e.index = kept
	e.size = size
	err := e.saveIndexLocked()
	e.mu.Unlock()

	e.notifySize(size)
	return err
}

// Size returns the total size of cached blobs in bytes.
func (e *Engine) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// Len returns the number of cached entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.index)
}

// Close flushes any pending index write. The engine must not be used
// after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.saveTimer != nil {
		e.saveTimer.Stop()
		e.saveTimer = nil
	}
	if !e.dirty {
		return nil
	}
	return e.saveIndexLocked()
}

// dropLocked removes an entry from the in-memory index and size.
func (e *Engine) dropLocked(entry *Entry) {
	delete(e.index, entry.Key)
	e.size -= entry.Size
}

func (e *Engine) recalculateSize() {
	e.size = 0
	for _, entry := range e.index {
		e.size += entry.Size
	}
}

func (e *Engine) notifySize(total int64) {
	e.mu.Lock()
	fn := e.onSizeChange
	e.mu.Unlock()
	if fn != nil {
		fn(total)
	}
}
