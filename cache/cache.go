package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/stockwatch/models"
)

// entry holds a stored result with its insertion timestamp.
type entry struct {
	result   *models.ScrapeResult
	storedAt time.Time
}

// Cache keeps the latest result per location for the status API.
// It is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	store map[string]*entry
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// New creates a Cache whose entries expire after ttl. A ttl <= 0 keeps
// entries forever. A background goroutine evicts expired entries until
// Stop is called.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		store: make(map[string]*entry),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanupLoop(cleanupInterval(ttl))
	}
	return c
}

// Put stores r as the latest result for its location.
func (c *Cache) Put(r *models.ScrapeResult) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key(r.Location)] = &entry{result: r, storedAt: c.now()}
}

// Get returns the latest result for a location key.
func (c *Cache) Get(location string) (*models.ScrapeResult, bool) {
	c.mu.RLock()
	e, ok := c.store[key(location)]
	c.mu.RUnlock()

	if !ok || c.expired(e) {
		return nil, false
	}
	return e.result, true
}

// All returns every live result ordered by location key.
func (c *Cache) All() []*models.ScrapeResult {
	c.mu.RLock()
	out := make([]*models.ScrapeResult, 0, len(c.store))
	for _, e := range c.store {
		if !c.expired(e) {
			out = append(out, e.result)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Stop ends the cleanup goroutine.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if c.expired(e) {
			delete(c.store, k)
		}
	}
}

func (c *Cache) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if every := ttl / 4; every < 5*time.Minute {
		return max(every, time.Second)
	}
	return 5 * time.Minute
}

func key(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
