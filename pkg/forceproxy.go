package oneclient

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// ForceProxyCache memoizes "direct I/O failed for this file, use proxy".
// It is touched from both dispatcher steps and subscription callbacks, so it
// carries its own short critical section instead of relying on the fiber.
type ForceProxyCache struct {
	mu    sync.Mutex
	files mapset.Set[string]

	// cancel funcs of the permission-changed subscriptions opened per entry
	cancels map[string]func()

	subscribe func(identity string) func()
}

// NewForceProxyCache builds the cache; subscribe opens a permission-changed
// subscription for an identity and returns its cancel func. A permission
// change drops the entry so direct access is probed again.
func NewForceProxyCache(subscribe func(identity string) func()) *ForceProxyCache {
	return &ForceProxyCache{
		files:     mapset.NewThreadUnsafeSet[string](),
		cancels:   make(map[string]func()),
		subscribe: subscribe,
	}
}

func (c *ForceProxyCache) Contains(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files.Contains(identity)
}

// Add marks the identity as proxy-only and subscribes for permission
// changes, so a chmod on the provider side can lift the demotion.
func (c *ForceProxyCache) Add(identity string) {
	c.mu.Lock()
	if !c.files.Add(identity) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cancel := c.subscribe(identity)

	c.mu.Lock()
	if c.files.Contains(identity) {
		c.cancels[identity] = cancel
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cancel()
}

func (c *ForceProxyCache) Remove(identity string) {
	c.mu.Lock()
	if !c.files.Contains(identity) {
		c.mu.Unlock()
		return
	}
	c.files.Remove(identity)
	cancel := c.cancels[identity]
	delete(c.cancels, identity)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// HandlePermissionChanged reacts to a provider push: the file's permissions
// changed, so direct access may work again.
func (c *ForceProxyCache) HandlePermissionChanged(identity string) {
	c.Remove(identity)
}
