// Package flight tracks in-flight calls keyed by request fingerprint so that
// concurrent identical work coalesces onto a single execution.
package flight

import (
	"context"
	"sync"
	"time"
)

// Group manages a set of in-flight calls. Unlike a plain singleflight group
// it bounds the number of live entries, records per-call metadata and supports
// sweeping entries whose call never settles.
type Group struct {
	mu          sync.Mutex
	calls       map[string]*call
	maxInFlight int
}

// call represents an active function call shared between an owner and waiters.
type call struct {
	key       string
	createdAt time.Time
	refs      int
	done      chan struct{}
	val       interface{}
	err       error
}

// Info is an introspection snapshot of one in-flight call.
type Info struct {
	Key       string
	CreatedAt time.Time
	Refs      int
}

// New creates a Group. maxInFlight <= 0 means unbounded.
func New(maxInFlight int) *Group {
	return &Group{
		calls:       make(map[string]*call),
		maxInFlight: maxInFlight,
	}
}

// Do executes fn once per key: the first caller for a key becomes the owner
// and runs fn; callers arriving while the call is live attach to it and
// receive the identical result. The returned bool reports whether the result
// was shared (true for waiters, false for the owner).
//
// The entry is removed from the map unconditionally when fn settles,
// regardless of how many callers attached.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.refs++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			return nil, ctx.Err(), true
		}
	}

	c := &call{
		key:       key,
		createdAt: time.Now(),
		refs:      1,
		done:      make(chan struct{}),
	}
	if g.maxInFlight > 0 && len(g.calls) >= g.maxInFlight {
		g.evictOldestLocked()
	}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	close(c.done)

	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	return c.val, c.err, false
}

// evictOldestLocked drops the oldest entry from the coalescing map. Its call
// still runs to completion for already-attached waiters; only new callers
// stop coalescing onto it.
func (g *Group) evictOldestLocked() {
	var oldest *call
	for _, c := range g.calls {
		if oldest == nil || c.createdAt.Before(oldest.createdAt) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(g.calls, oldest.key)
	}
}

// Running reports whether a call for key is currently coalescable.
func (g *Group) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

// Lookup returns metadata for the in-flight call, if any.
func (g *Group) Lookup(key string) (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.calls[key]
	if !ok {
		return Info{}, false
	}
	return Info{Key: c.key, CreatedAt: c.createdAt, Refs: c.refs}, true
}

// Len returns the number of live entries.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Forget removes the key from the map so future calls execute anew, even if a
// previous call is still in progress. Attached waiters are unaffected.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// Sweep removes entries older than maxAge and returns how many were removed.
// It does not cancel the underlying calls and does not wake their waiters:
// callers already attached to a hung call keep waiting on their own context,
// while new callers stop coalescing onto it.
func (g *Group) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, c := range g.calls {
		if c.createdAt.Before(cutoff) {
			delete(g.calls, key)
			removed++
		}
	}
	return removed
}
