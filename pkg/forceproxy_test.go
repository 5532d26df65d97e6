package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForceProxyCacheSubscribesOnAdd(t *testing.T) {
	var subscribed, cancelled []string
	cache := NewForceProxyCache(func(identity string) func() {
		subscribed = append(subscribed, identity)
		return func() { cancelled = append(cancelled, identity) }
	})

	cache.Add("uuid-1")
	assert.True(t, cache.Contains("uuid-1"))
	assert.Equal(t, []string{"uuid-1"}, subscribed)

	// Re-adding does not double-subscribe.
	cache.Add("uuid-1")
	assert.Len(t, subscribed, 1)

	cache.Remove("uuid-1")
	assert.False(t, cache.Contains("uuid-1"))
	assert.Equal(t, []string{"uuid-1"}, cancelled)
}

func TestForceProxyCachePermissionChangeLiftsDemotion(t *testing.T) {
	cache := NewForceProxyCache(func(identity string) func() { return func() {} })

	cache.Add("uuid-1")
	cache.HandlePermissionChanged("uuid-1")
	assert.False(t, cache.Contains("uuid-1"),
		"a permission change must allow direct access to be probed again")
}

func TestForceProxyCacheRemoveUnknownIsNoop(t *testing.T) {
	cache := NewForceProxyCache(func(identity string) func() { return func() {} })
	cache.Remove("uuid-unknown")
	assert.False(t, cache.Contains("uuid-unknown"))
}
