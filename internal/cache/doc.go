// Package cache provides a content-addressed disk store for synthesized
// audio with LRU eviction, playback-time pinning, and a durable JSON
// index persisted with debounced writes.
package cache
