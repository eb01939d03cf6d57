package hooks

import (
	"sync"
	"time"
)

// route identifies the hooks that apply to a message.
type route struct {
	messageType, sourceSystem string
}

type cachedRoute struct {
	hooks    []*MessageHook
	cachedAt time.Time
}

// RouteCache holds the enabled hook list per (message type, source system).
// Any hook mutation invalidates the whole cache.
type RouteCache struct {
	routes map[route]cachedRoute
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRouteCache creates a cache. A zero TTL means entries live until
// invalidated.
func NewRouteCache(ttl time.Duration) *RouteCache {
	return &RouteCache{routes: make(map[route]cachedRoute), ttl: ttl}
}

// Get returns the cached hooks for a route, or false on a miss or expiry.
func (c *RouteCache) Get(messageType, sourceSystem string) ([]*MessageHook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.routes[route{messageType, sourceSystem}]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}
	out := make([]*MessageHook, len(entry.hooks))
	copy(out, entry.hooks)
	return out, true
}

// Set stores the hooks for a route.
func (c *RouteCache) Set(messageType, sourceSystem string, hooks []*MessageHook) {
	stored := make([]*MessageHook, len(hooks))
	copy(stored, hooks)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[route{messageType, sourceSystem}] = cachedRoute{hooks: stored, cachedAt: time.Now()}
}

// Invalidate clears every route.
func (c *RouteCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = make(map[route]cachedRoute)
}
