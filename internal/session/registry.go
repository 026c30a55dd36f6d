// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe registry of live connections keyed by connection id.

package session

import (
	"hash/fnv"
	"sync"
)

// Registry tracks values by id across power-of-two shards.
type Registry[T any] struct {
	shards []*shard[T]
	mask   uint32
}

type shard[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry constructs a registry with shardCount shards, rounded up to a
// power of two.
func NewRegistry[T any](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[T], m)
	for i := range shards {
		shards[i] = &shard[T]{items: make(map[string]T)}
	}
	return &Registry[T]{shards: shards, mask: m - 1}
}

func (r *Registry[T]) shard(id string) *shard[T] {
	return r.shards[fnv32(id)&r.mask]
}

// Add stores v under id. It reports false if id is already present.
func (r *Registry[T]) Add(id string, v T) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[id]; ok {
		return false
	}
	sh.items[id] = v
	return true
}

// Get fetches the value for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.items[id]
	return v, ok
}

// Delete removes id.
func (r *Registry[T]) Delete(id string) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.items, id)
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns all values, copied out from under the shard locks.
func (r *Registry[T]) Snapshot() []T {
	var out []T
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, v := range sh.items {
			out = append(out, v)
		}
		sh.mu.RUnlock()
	}
	return out
}

func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
