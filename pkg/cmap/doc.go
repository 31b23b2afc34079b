// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards by a murmur3
// digest of the key, and every shard carries its own RWMutex. Iteration
// locks one shard at a time, so a Range observes each shard consistently
// but not the map as a whole.
//
// Usage:
//
//	m := cmap.New[uint64, *Widget]()
//	m.Set(h, w)
//	w, ok := m.Get(h)
package cmap
