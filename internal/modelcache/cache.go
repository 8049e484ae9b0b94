// Package modelcache caches resolved speech model handles (name to on-disk
// path) so each job skips the lookup and missing models fail fast. The
// transcription and diarization scripts still load weights on every run;
// entries only carry the path. Entries are evicted least-recently-used first
// once the cache is full, and after sitting idle for longer than the
// configured TTL. OnEvict hooks let a resident model server unload weights.
package modelcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fusionn-autosub/pkg/logger"
)

// Kind names the family a model belongs to.
type Kind string

const (
	KindWhisper Kind = "whisper"
	KindDiarize Kind = "diarize"
)

// Model is a resolved model handle.
type Model struct {
	Kind     Kind
	Name     string
	Path     string
	LoadedAt time.Time
}

// Loader resolves a model that is not cached yet.
type Loader func(ctx context.Context, kind Kind, name string) (Model, error)

type entry struct {
	key      string
	model    Model
	lastUsed time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration
	load     Loader
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	now      func() time.Time
	onEvict  func(Model)
}

// New creates a cache. capacity <= 0 means 1; idleTTL <= 0 disables idle eviction.
func New(capacity int, idleTTL time.Duration, load Loader) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		idleTTL:  idleTTL,
		load:     load,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// OnEvict registers a callback invoked for every evicted model.
func (c *Cache) OnEvict(fn func(Model)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

func cacheKey(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Get returns the cached model or loads it.
func (c *Cache) Get(ctx context.Context, kind Kind, name string) (Model, error) {
	key := cacheKey(kind, name)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if c.idleTTL <= 0 || now.Sub(e.lastUsed) <= c.idleTTL {
			e.lastUsed = now
			c.order.MoveToFront(el)
			return e.model, nil
		}
		c.removeLocked(el)
	}

	m, err := c.load(ctx, kind, name)
	if err != nil {
		return Model{}, fmt.Errorf("load %s model %q: %w", kind, name, err)
	}
	if m.LoadedAt.IsZero() {
		m.LoadedAt = now
	}
	logger.Infof("🧠 Loaded %s model: %s", kind, name)

	c.items[key] = c.order.PushFront(&entry{key: key, model: m, lastUsed: now})
	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Back())
	}
	return m, nil
}

// Sweep evicts entries idle for longer than the TTL and returns how many.
func (c *Cache) Sweep() int {
	if c.idleTTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).lastUsed) > c.idleTTL {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Run sweeps periodically until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if c.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = c.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logger.Debugf("🧹 Evicted %d idle model(s)", n)
			}
		}
	}
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
	logger.Infof("🧠 Unloaded %s model: %s", e.model.Kind, e.model.Name)
	if c.onEvict != nil {
		c.onEvict(e.model)
	}
}
