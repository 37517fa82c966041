package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"sync"
)

var _ Embedder = (*Cached)(nil)

// Cached deduplicates embeddings of identical text by content hash. Entries are
// evicted least recently used first once size is reached.
type Cached struct {
	next Embedder
	size int

	mu      sync.Mutex
	order   *list.List
	entries map[[sha256.Size]byte]*list.Element
	hits    int
	misses  int
}

type cacheEntry struct {
	key [sha256.Size]byte
	vec []float32
}

// NewCached wraps next. A size of zero or less disables caching.
func NewCached(next Embedder, size int) *Cached {
	return &Cached{
		next:    next,
		size:    size,
		order:   list.New(),
		entries: make(map[[sha256.Size]byte]*list.Element),
	}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.get(key); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(key, vec)
	return vec, nil
}

// EmbedBatch only sends the texts that are not cached, preserving input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([][sha256.Size]byte, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		keys[i] = c.key(text)
		if vec, ok := c.get(keys[i]); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missingIdx[j]
		out[i] = vec
		c.put(keys[i], vec)
	}
	return out, nil
}

func (c *Cached) Dimensions() int   { return c.next.Dimensions() }
func (c *Cached) ModelName() string { return c.next.ModelName() }

// Ping forwards to the wrapped embedder when it supports it.
func (c *Cached) Ping(ctx context.Context) error {
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stats returns the hit and miss counters.
func (c *Cached) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// key includes the model name so switching models never serves stale vectors.
func (c *Cached) key(text string) [sha256.Size]byte {
	return sha256.Sum256([]byte(c.next.ModelName() + "\x00" + text))
}

func (c *Cached) get(key [sha256.Size]byte) ([]float32, bool) {
	if c.size <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *Cached) put(key [sha256.Size]byte, vec []float32) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
