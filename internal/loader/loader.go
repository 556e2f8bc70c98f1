// Package loader implements per-request batching and caching of keyed
// lookups. Loads queued during one resolution phase are held until the
// executor calls Registry.Flush, which issues one batch call per loader
// (split by the loader's batch ceiling).
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/hospital-gateway/internal/metrics"
)

// BatchFunc fetches values for keys. Keys absent from the returned map
// resolve to the loader's Empty value.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Options configures a loader.
type Options[V any] struct {
	// MaxBatch caps the number of keys passed to one BatchFunc call.
	// Zero means unbounded.
	MaxBatch int
	// Empty is the value a key resolves to when its batch fails or the
	// batch result omits it.
	Empty V
	Logger *slog.Logger
}

// Future is the eventual value of one key.
type Future[V any] struct {
	done  bool
	value V
}

// Resolved returns a future that is already complete.
func Resolved[V any](v V) *Future[V] {
	return &Future[V]{done: true, value: v}
}

// Done reports whether the future has been resolved by a flush.
func (f *Future[V]) Done() bool { return f.done }

// Value returns the resolved value, or the zero value before the flush.
func (f *Future[V]) Value() V { return f.value }

func (f *Future[V]) resolve(v V) {
	f.value = v
	f.done = true
}

// Loader batches and memoizes lookups for one key shape.
type Loader[K comparable, V any] struct {
	name   string
	fetch  BatchFunc[K, V]
	opts   Options[V]
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[K]*Future[V]
	pending []K
}

// New creates a loader.
func New[K comparable, V any](name string, fetch BatchFunc[K, V], opts Options[V]) *Loader[K, V] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader[K, V]{
		name:   name,
		fetch:  fetch,
		opts:   opts,
		logger: logger,
		cache:  make(map[K]*Future[V]),
	}
}

// Name returns the loader name used in logs and metrics.
func (l *Loader[K, V]) Name() string { return l.name }

// Load queues key for the next flush. The same key always returns the same
// future within the loader's lifetime.
func (l *Loader[K, V]) Load(key K) *Future[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.cache[key]; ok {
		return f
	}
	f := &Future[V]{}
	l.cache[key] = f
	l.pending = append(l.pending, key)
	return f
}

// LoadMany queues every key. Futures are returned in key order.
func (l *Loader[K, V]) LoadMany(keys []K) []*Future[V] {
	out := make([]*Future[V], len(keys))
	for i, k := range keys {
		out[i] = l.Load(k)
	}
	return out
}

// Prime stores a known value for key so later loads skip the fetch. An
// existing entry is left alone.
func (l *Loader[K, V]) Prime(key K, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[key]; !ok {
		l.cache[key] = Resolved(value)
	}
}

// Pending returns the number of keys waiting for a flush.
func (l *Loader[K, V]) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush fetches every pending key. Chunks run concurrently; a failed chunk
// resolves its keys to Empty without affecting the others.
func (l *Loader[K, V]) Flush(ctx context.Context) {
	l.mu.Lock()
	keys := l.pending
	l.pending = nil
	futures := make([]*Future[V], len(keys))
	for i, k := range keys {
		futures[i] = l.cache[k]
	}
	l.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	size := l.opts.MaxBatch
	if size <= 0 {
		size = len(keys)
	}

	var g errgroup.Group
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunk, chunkFutures := keys[start:end], futures[start:end]
		g.Go(func() error {
			l.runChunk(ctx, chunk, chunkFutures)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loader[K, V]) runChunk(ctx context.Context, keys []K, futures []*Future[V]) {
	values, err := l.call(ctx, keys)
	metrics.ObserveBatch(l.name, len(keys), err != nil)
	if err != nil {
		l.logger.WarnContext(ctx, "batch load failed",
			slog.String("loader", l.name),
			slog.Any("keys", keys),
			slog.String("error", err.Error()))
	}
	for i, k := range keys {
		v, ok := values[k]
		if !ok {
			v = l.opts.Empty
		}
		futures[i].resolve(v)
	}
}

func (l *Loader[K, V]) call(ctx context.Context, keys []K) (values map[K]V, err error) {
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, fmt.Errorf("batch function panicked: %v", r)
		}
	}()
	values, err = l.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Flusher is the type-erased view of a loader held by a Registry.
type Flusher interface {
	Name() string
	Pending() int
	Flush(ctx context.Context)
}

// Registry groups the loaders of one request.
type Registry struct {
	mu      sync.Mutex
	loaders []Flusher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a loader to the registry.
func (r *Registry) Register(l Flusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// Pending reports whether any loader has queued keys.
func (r *Registry) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.loaders {
		if l.Pending() > 0 {
			return true
		}
	}
	return false
}

// Flush flushes every loader with queued keys. Loaders are flushed in
// parallel and Flush returns once all of them are resolved.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	var ready []Flusher
	for _, l := range r.loaders {
		if l.Pending() > 0 {
			ready = append(ready, l)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, l := range ready {
		g.Go(func() error {
			l.Flush(ctx)
			return nil
		})
	}
	_ = g.Wait()
}
