// Package cache is the page cache engine.
//
// Engine ties key derivation (package cachekey), content screening
// (package security) and per-key population locks (package keylock) to a
// pluggable Storage. Index tracks which keys belong to which route and tag
// so pages can be invalidated by route, route pattern or tag without
// leaving bookkeeping behind. Stats keeps wraparound-safe counters.
//
// Storage backends: MemoryStore (LRU with a byte quota), SQLiteStore
// (in-memory SQLite by default) and GuardedStore, which puts a circuit
// breaker in front of either.
package cache
