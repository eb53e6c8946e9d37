package storage

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBackend is a thread-safe, count-bounded in-memory store with O(1)
// LRU eviction via an explicit doubly-linked list plus hashmap index.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64
}

type memoryEntry struct {
	key string
	rec *Record
}

// NewMemoryBackend creates a memory store bounded to capacity items.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryBackend{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the record for key, touching it to most-recently-used. Expired
// entries are deleted and reported as a miss.
func (b *MemoryBackend) Get(_ context.Context, key string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.items[key]
	if !ok {
		atomic.AddUint64(&b.misses, 1)
		return nil, nil
	}

	entry := elem.Value.(*memoryEntry)
	now := time.Now()
	if entry.rec.Expired(now) {
		b.removeElement(elem)
		atomic.AddUint64(&b.misses, 1)
		return nil, nil
	}

	entry.rec.AccessedAt = now
	b.order.MoveToFront(elem)
	atomic.AddUint64(&b.hits, 1)
	return entry.rec, nil
}

// Set stores the record, evicting the least recently used entry when full.
func (b *MemoryBackend) Set(_ context.Context, key string, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.items[key]; ok {
		elem.Value.(*memoryEntry).rec = rec
		b.order.MoveToFront(elem)
		return nil
	}

	for b.order.Len() >= b.capacity {
		b.removeOldest()
	}

	elem := b.order.PushFront(&memoryEntry{key: key, rec: rec})
	b.items[key] = elem
	return nil
}

// Delete removes the key if present.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.items[key]; ok {
		b.removeElement(elem)
	}
	return nil
}

// Clear removes all entries.
func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = make(map[string]*list.Element)
	b.order.Init()
	return nil
}

// Len returns the number of stored entries, including any not yet lazily
// expired.
func (b *MemoryBackend) Len(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len(), nil
}

// InvalidateByTag removes every entry carrying the tag and returns the count.
func (b *MemoryBackend) InvalidateByTag(_ context.Context, tag string) (int, error) {
	return b.invalidate(func(rec *Record) bool {
		return contains(rec.Tags, tag)
	}), nil
}

// InvalidateByDependency removes every entry depending on dep.
func (b *MemoryBackend) InvalidateByDependency(_ context.Context, dep string) (int, error) {
	return b.invalidate(func(rec *Record) bool {
		return contains(rec.Dependencies, dep)
	}), nil
}

func (b *MemoryBackend) invalidate(match func(*Record) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, elem := range b.items {
		if match(elem.Value.(*memoryEntry).rec) {
			b.removeElement(elem)
			removed++
		}
	}
	return removed
}

// DefaultTTL implements Backend; the memory tier has no TTL opinion.
func (b *MemoryBackend) DefaultTTL() time.Duration {
	return 0
}

// Stats returns hit/miss/eviction counters.
func (b *MemoryBackend) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&b.hits), atomic.LoadUint64(&b.misses), atomic.LoadUint64(&b.evictions)
}

func (b *MemoryBackend) removeOldest() {
	if elem := b.order.Back(); elem != nil {
		b.removeElement(elem)
		atomic.AddUint64(&b.evictions, 1)
	}
}

func (b *MemoryBackend) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(b.items, entry.key)
	b.order.Remove(elem)
}
