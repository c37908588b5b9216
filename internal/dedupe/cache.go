package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers recently seen keys for a bounded time and count. The
// webhook handler uses it to drop updates Telegram delivers twice.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within the TTL and marks it if not.
// Check and mark happen under one lock so concurrent duplicates see true.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[key]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		e.seen = now
		c.order.MoveToBack(elem)
		return false
	}

	if len(c.index) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are ordered by last mark, so it stops
// at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		e := elem.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		next := elem.Next()
		c.order.Remove(elem)
		delete(c.index, e.key)
		elem = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
