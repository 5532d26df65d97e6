package oneclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventManager(t *testing.T) (*EventManager, *mockProvider) {
	t.Helper()
	m := newMockProvider()
	em := NewEventManager(m, 2*time.Second)
	t.Cleanup(em.Close)
	return em, m
}

func readEvent(identity string, offset, size int64) *FileReadEvent {
	blocks := NewBlockMap()
	blocks.Insert(ByteRange{Offset: offset, Size: size}, blockA)
	return &FileReadEvent{Identity: identity, Count: 1, Size: size, Blocks: blocks}
}

func TestEventManagerCounterThresholdFlush(t *testing.T) {
	em, m := newTestEventManager(t)
	em.HandleSubscription(Subscription{ID: 1, Kind: SubFileRead, CounterThreshold: 3})

	em.Emit(readEvent("uuid-1", 0, 10))
	em.Emit(readEvent("uuid-1", 10, 10))
	assert.Equal(t, 0, m.callCount("SendEvents"), "premature flush")

	em.Emit(readEvent("uuid-1", 20, 10))
	require.Equal(t, 1, m.callCount("SendEvents"))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.events, 1, "events for one file must aggregate")
	read := m.events[0].(*FileReadEvent)
	assert.Equal(t, int64(3), read.Count)
	assert.Equal(t, int64(30), read.Size)
	assert.Equal(t, int64(30), read.Blocks.CoveredLength(0, 30))
}

func TestEventManagerAggregatesPerIdentity(t *testing.T) {
	em, m := newTestEventManager(t)
	em.HandleSubscription(Subscription{ID: 1, Kind: SubFileRead, CounterThreshold: 4})

	em.Emit(readEvent("uuid-1", 0, 10))
	em.Emit(readEvent("uuid-2", 0, 20))
	em.Emit(readEvent("uuid-1", 10, 10))
	em.Emit(readEvent("uuid-2", 20, 20))

	require.Equal(t, 1, m.callCount("SendEvents"))
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.events, 2)
}

func TestEventManagerCancellationDropsBuffer(t *testing.T) {
	em, m := newTestEventManager(t)
	em.HandleSubscription(Subscription{ID: 1, Kind: SubFileWritten, CounterThreshold: 100})

	blocks := NewBlockMap()
	blocks.Insert(ByteRange{Offset: 0, Size: 5}, blockA)
	em.Emit(&FileWrittenEvent{Identity: "uuid-1", Count: 1, Size: 5, Blocks: blocks})

	em.HandleCancellation(1)
	em.Flush()
	assert.Equal(t, 0, m.callCount("SendEvents"))
}

func TestEventManagerTimeThresholdFlush(t *testing.T) {
	em, m := newTestEventManager(t)
	em.HandleSubscription(Subscription{ID: 1, Kind: SubFileRead, TimeThreshold: time.Millisecond})

	em.Emit(readEvent("uuid-1", 0, 10))
	time.Sleep(5 * time.Millisecond)
	em.flushExpired()

	assert.Equal(t, 1, m.callCount("SendEvents"))
}

func TestEventManagerSubscriptionRefCounting(t *testing.T) {
	em, m := newTestEventManager(t)

	cancel1 := em.Subscribe(SubFileAttrChanged, "uuid-1")
	cancel2 := em.Subscribe(SubFileAttrChanged, "uuid-1")

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return m.subscriptionsFor("uuid-1", SubFileAttrChanged) == 1
	}), "overlapping interests must collapse to one remote subscription")
	assert.Equal(t, 1, m.callCount("Subscribe"))

	cancel1()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, m.subscriptionsFor("uuid-1", SubFileAttrChanged))

	cancel2()
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return m.subscriptionsFor("uuid-1", SubFileAttrChanged) == 0
	}), "last cancel must tear the remote subscription down")

	// Cancel funcs are idempotent.
	cancel2()
	assert.Equal(t, 1, m.callCount("CancelSubscription"))
}

func TestEventManagerMoveSubscriptions(t *testing.T) {
	em, m := newTestEventManager(t)

	cancel := em.Subscribe(SubFileRemoved, "uuid-old")
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return m.subscriptionsFor("uuid-old", SubFileRemoved) == 1
	}))

	em.MoveSubscriptions("uuid-old", "uuid-new")

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return m.subscriptionsFor("uuid-new", SubFileRemoved) == 1 &&
			m.subscriptionsFor("uuid-old", SubFileRemoved) == 0
	}), "subscription must follow the identity")

	assert.True(t, em.HasSubscription(SubFileRemoved, "uuid-new"))
	assert.False(t, em.HasSubscription(SubFileRemoved, "uuid-old"))
	cancel()
}
