// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry implements process-wide, id-keyed caches of immutable values (imported graphs and their
// serialized bytes), with get-or-create semantics and at most one creation per id while the value is cached.
//
// Values are reference counted: GetOrCreate returns a Ref that must be released. When the last Ref of a value
// is released the value moves to a bounded idle pool (capacity and TTL), from where a later GetOrCreate
// revives it. Values evicted from the idle pool are finalized, and a later GetOrCreate with the same id calls
// the supplier again: callers must expect a recreated, value-equal, instance.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/graphnet/backends"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default configuration of the idle pool.
const (
	DefaultIdleCapacity = 16
	DefaultIdleTTL      = 10 * time.Minute
)

var (
	// Graphs holds the graphs imported into an engine, keyed by GraphKey: a graph can only be used by the backend
	// instance that imported it. Evicted graphs are finalized.
	Graphs = New[backends.Graph]("graphs", func(g backends.Graph) { g.Finalize() })

	// GraphDefs holds the serialized graph definitions, keyed by graph id.
	GraphDefs = New[[]byte]("graphdefs", nil)
)

var (
	backendSerials    sync.Map // backends.Backend -> uint64
	lastBackendSerial atomic.Uint64
)

// GraphKey returns the key of the graph id imported into backend, in Graphs.
//
// Each backend instance gets its own key space, so two instances (e.g. with different configurations) never
// share an imported graph. Only the serialized bytes in GraphDefs are shared.
func GraphKey(backend backends.Backend, id string) string {
	serial, found := backendSerials.Load(backend)
	if !found {
		serial, _ = backendSerials.LoadOrStore(backend, lastBackendSerial.Add(1))
	}
	return fmt.Sprintf("%s#%d/%s", backend.Name(), serial, id)
}

// ImportGraph returns a reference to the graph id imported into backend, importing graphDef only if it is not in
// Graphs already. The caller owns the reference and must release it.
func ImportGraph(backend backends.Backend, id string, graphDef func() []byte) (ref *Ref[backends.Graph],
	imported bool, err error) {
	return Graphs.GetOrCreate(GraphKey(backend, id), func() (backends.Graph, error) {
		return backend.ImportGraph(graphDef())
	})
}

// Cache of values of type T keyed by id. Create it with New.
type Cache[T any] struct {
	name     string
	finalize func(T)
	keepIdle bool

	// entries holds the values with at least one live Ref: *entry[T] indexed by id.
	entries sync.Map

	// mu serializes creations and the moves between entries and idle.
	mu   sync.Mutex
	idle *ttlcache.Cache[string, T]

	stopEvictions  func()
	creations      atomic.Int64
	hits, revivals atomic.Int64
}

type entry[T any] struct {
	id    string
	value T
	refs  atomic.Int32
}

type options struct {
	idleCapacity int
	idleTTL      time.Duration
}

// Option configures a Cache.
type Option func(*options)

// WithIdleCapacity sets the maximum number of unreferenced values kept in the idle pool.
// If 0, unreferenced values are finalized immediately.
func WithIdleCapacity(capacity int) Option {
	return func(o *options) { o.idleCapacity = capacity }
}

// WithIdleTTL sets for how long an unreferenced value is kept in the idle pool.
func WithIdleTTL(ttl time.Duration) Option {
	return func(o *options) { o.idleTTL = ttl }
}

// New creates a Cache. The finalize function, if not nil, is called for values evicted from the cache.
func New[T any](name string, finalize func(T), opts ...Option) *Cache[T] {
	o := options{idleCapacity: DefaultIdleCapacity, idleTTL: DefaultIdleTTL}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[T]{name: name, finalize: finalize, keepIdle: o.idleCapacity > 0}
	c.idle = ttlcache.New[string, T](
		ttlcache.WithTTL[string, T](o.idleTTL),
		ttlcache.WithCapacity[string, T](uint64(max(o.idleCapacity, 1))),
		ttlcache.WithDisableTouchOnHit[string, T](),
	)
	c.stopEvictions = c.idle.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, T]) {
		if reason == ttlcache.EvictionReasonDeleted {
			// Deleted items were either revived or purged.
			return
		}
		klog.V(1).Infof("registry %q: evicting %q (reason %d)", c.name, item.Key(), reason)
		c.finalizeValue(item.Value())
	})
	return c
}

func (c *Cache[T]) finalizeValue(value T) {
	if c.finalize != nil {
		c.finalize(value)
	}
}

// Name of the cache.
func (c *Cache[T]) Name() string { return c.name }

// GetOrCreate returns a reference to the value for id, calling supplier to create it if the id is not cached.
// The supplier is called at most once per id while the value is cached, even under concurrent calls, and
// it is called with the cache lock held: it must not use the cache.
//
// The returned created is true if the supplier was called. If false, any payload that normally accompanies
// the creation (e.g. bytes in a stream) should be drained instead of used.
//
// The returned Ref must be released when no longer needed.
func (c *Cache[T]) GetOrCreate(id string, supplier func() (T, error)) (ref *Ref[T], created bool, err error) {
	if ref = c.acquire(id); ref != nil {
		c.hits.Add(1)
		return ref, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ref = c.acquire(id); ref != nil {
		c.hits.Add(1)
		return ref, false, nil
	}
	c.idle.DeleteExpired()
	if item := c.idle.Get(id); item != nil {
		c.idle.Delete(id)
		c.revivals.Add(1)
		c.hits.Add(1)
		klog.V(2).Infof("registry %q: reviving idle %q", c.name, id)
		return c.store(id, item.Value()), false, nil
	}

	value, err := supplier()
	if err != nil {
		return nil, false, errors.WithMessagef(err, "registry %q: failed to create %q", c.name, id)
	}
	c.creations.Add(1)
	klog.V(1).Infof("registry %q: created %q", c.name, id)
	return c.store(id, value), true, nil
}

// Get returns a reference to the value for id, if it is cached (in use or idle). It never creates values.
func (c *Cache[T]) Get(id string) (*Ref[T], bool) {
	ref, _, err := c.GetOrCreate(id, func() (T, error) {
		var zero T
		return zero, errNotFound
	})
	if err != nil {
		return nil, false
	}
	return ref, true
}

var errNotFound = errors.New("not found")

// acquire increments the reference count of a live entry. It fails for entries whose count already reached 0:
// those are being moved to the idle pool.
func (c *Cache[T]) acquire(id string) *Ref[T] {
	v, found := c.entries.Load(id)
	if !found {
		return nil
	}
	e := v.(*entry[T])
	for {
		n := e.refs.Load()
		if n <= 0 {
			return nil
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return &Ref[T]{cache: c, entry: e}
		}
	}
}

// store must be called with mu locked.
func (c *Cache[T]) store(id string, value T) *Ref[T] {
	e := &entry[T]{id: id, value: value}
	e.refs.Store(1)
	c.entries.Store(id, e)
	return &Ref[T]{cache: c, entry: e}
}

// release is called when the reference count of e reaches 0.
func (c *Cache[T]) release(e *entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.entries.CompareAndDelete(e.id, e) {
		// The entry was replaced by a new creation while its count was 0: it is orphaned.
		klog.V(1).Infof("registry %q: finalizing replaced %q", c.name, e.id)
		c.finalizeValue(e.value)
		return
	}
	if !c.keepIdle {
		c.finalizeValue(e.value)
		return
	}
	c.idle.DeleteExpired()
	c.idle.Set(e.id, e.value, ttlcache.DefaultTTL)
	klog.V(2).Infof("registry %q: %q is now idle", c.name, e.id)
}

// Len returns the number of values in use, with at least one live Ref.
func (c *Cache[T]) Len() int {
	count := 0
	c.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// IdleLen returns the number of values in the idle pool, including expired ones not yet evicted.
func (c *Cache[T]) IdleLen() int {
	return c.idle.Len()
}

// Purge finalizes all values in the idle pool. Values in use are not affected.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.idle.Len() > 0 {
		// Expired items are finalized by the eviction callback, the others here.
		c.idle.DeleteExpired()
		for id, item := range c.idle.Items() {
			c.idle.Delete(id)
			klog.V(1).Infof("registry %q: purging %q", c.name, id)
			c.finalizeValue(item.Value())
		}
	}
}

// Stats of a Cache.
type Stats struct {
	// Creations is the number of times a supplier was called successfully.
	Creations int64

	// Hits is the number of GetOrCreate calls served from the cache, including Revivals.
	Hits int64

	// Revivals is the number of values taken back from the idle pool.
	Revivals int64

	// Active and Idle are the current number of values in use and in the idle pool.
	Active, Idle int
}

// Stats returns the current statistics of the cache.
func (c *Cache[T]) Stats() Stats {
	return Stats{
		Creations: c.creations.Load(),
		Hits:      c.hits.Load(),
		Revivals:  c.revivals.Load(),
		Active:    c.Len(),
		Idle:      c.IdleLen(),
	}
}

// Close purges the idle pool and stops the eviction notifications. Values in use are not finalized.
func (c *Cache[T]) Close() {
	c.Purge()
	c.stopEvictions()
}

// Ref is a counted reference to a cached value.
type Ref[T any] struct {
	cache    *Cache[T]
	entry    *entry[T]
	released atomic.Bool
}

// Value returns the referenced value. It shouldn't be used after the Ref is released.
func (r *Ref[T]) Value() T {
	return r.entry.value
}

// ID returns the id of the referenced value.
func (r *Ref[T]) ID() string {
	return r.entry.id
}

// Release the reference. It is safe to call it more than once: only the first call has an effect.
func (r *Ref[T]) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.entry.refs.Add(-1) == 0 {
		r.cache.release(r.entry)
	}
}
