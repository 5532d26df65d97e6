package oneclient

import (
	"context"
	"sync"
	"time"
)

// FileReadEvent aggregates per-file read traffic between flushes.
type FileReadEvent struct {
	Identity string
	Count    int64
	Size     int64
	Blocks   *BlockMap
}

func (e *FileReadEvent) Kind() SubscriptionKind { return SubFileRead }
func (e *FileReadEvent) AggregationKey() string { return e.Identity }
func (e *FileReadEvent) Merge(other Event) {
	o := other.(*FileReadEvent)
	e.Count += o.Count
	e.Size += o.Size
	for _, s := range o.Blocks.Spans() {
		e.Blocks.Insert(ByteRange{Offset: s.Off, Size: s.Len()}, s.Block)
	}
}

// FileWrittenEvent aggregates written ranges; a truncate is carried as a
// written event with FileSize set and no blocks.
type FileWrittenEvent struct {
	Identity string
	Count    int64
	Size     int64
	Blocks   *BlockMap
	FileSize *int64
}

func (e *FileWrittenEvent) Kind() SubscriptionKind { return SubFileWritten }
func (e *FileWrittenEvent) AggregationKey() string { return e.Identity }
func (e *FileWrittenEvent) Merge(other Event) {
	o := other.(*FileWrittenEvent)
	e.Count += o.Count
	e.Size += o.Size
	for _, s := range o.Blocks.Spans() {
		e.Blocks.Insert(ByteRange{Offset: s.Off, Size: s.Len()}, s.Block)
	}
	if o.FileSize != nil {
		e.FileSize = o.FileSize
	}
}

type remoteSubKey struct {
	kind     SubscriptionKind
	identity string
}

type remoteSub struct {
	refCount   int
	providerID int64
}

// eventStream buffers events of one provider-configured subscription and
// flushes them by count, aggregate size or timer.
type eventStream struct {
	sub     Subscription
	buffer  map[string]Event
	count   int64
	size    int64
	lastFlush time.Time
}

// EventManager aggregates client-side events, ships them to the provider and
// maintains ref-counted per-identity remote subscriptions. Stream state is
// guarded by a mutex rather than the fiber: events are emitted both from
// dispatcher steps and helper write callbacks.
type EventManager struct {
	provider Provider
	timeout  time.Duration

	mu      sync.Mutex
	streams map[int64]*eventStream
	remote  map[remoteSubKey]*remoteSub
	closed  bool

	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

func NewEventManager(provider Provider, timeout time.Duration) *EventManager {
	em := &EventManager{
		provider:      provider,
		timeout:       timeout,
		streams:       make(map[int64]*eventStream),
		remote:        make(map[remoteSubKey]*remoteSub),
		flushInterval: time.Second,
		stop:          make(chan struct{}),
	}
	em.wg.Add(1)
	go em.flushLoop()
	return em
}

func (em *EventManager) flushLoop() {
	defer em.wg.Done()
	ticker := time.NewTicker(em.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			em.flushExpired()
		case <-em.stop:
			return
		}
	}
}

// HandleSubscription installs or updates a stream for a provider-pushed
// subscription.
func (em *EventManager) HandleSubscription(sub Subscription) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if existing, ok := em.streams[sub.ID]; ok {
		existing.sub = sub
		return
	}
	em.streams[sub.ID] = &eventStream{
		sub:       sub,
		buffer:    make(map[string]Event),
		lastFlush: time.Now(),
	}
}

// HandleCancellation tears a stream down, dropping its buffered events.
func (em *EventManager) HandleCancellation(id int64) {
	em.mu.Lock()
	defer em.mu.Unlock()
	delete(em.streams, id)
}

// Emit routes an event into every matching stream and flushes streams whose
// thresholds tripped.
func (em *EventManager) Emit(ev Event) {
	var due []Event
	em.mu.Lock()
	for _, stream := range em.streams {
		if stream.sub.Kind != ev.Kind() {
			continue
		}
		key := ev.AggregationKey()
		if existing, ok := stream.buffer[key]; ok {
			existing.Merge(ev)
		} else {
			stream.buffer[key] = ev
		}
		stream.count++
		if sized, ok := ev.(interface{ eventSize() int64 }); ok {
			stream.size += sized.eventSize()
		}
		if em.thresholdTripped(stream) {
			due = append(due, em.takeLocked(stream)...)
		}
	}
	em.mu.Unlock()
	em.send(due)
}

func (e *FileReadEvent) eventSize() int64    { return e.Size }
func (e *FileWrittenEvent) eventSize() int64 { return e.Size }

func (em *EventManager) thresholdTripped(stream *eventStream) bool {
	sub := stream.sub
	if sub.CounterThreshold > 0 && stream.count >= sub.CounterThreshold {
		return true
	}
	if sub.SizeThreshold > 0 && stream.size >= sub.SizeThreshold {
		return true
	}
	return false
}

func (em *EventManager) takeLocked(stream *eventStream) []Event {
	if len(stream.buffer) == 0 {
		stream.lastFlush = time.Now()
		return nil
	}
	out := make([]Event, 0, len(stream.buffer))
	for _, ev := range stream.buffer {
		out = append(out, ev)
	}
	stream.buffer = make(map[string]Event)
	stream.count = 0
	stream.size = 0
	stream.lastFlush = time.Now()
	return out
}

func (em *EventManager) flushExpired() {
	var due []Event
	em.mu.Lock()
	now := time.Now()
	for _, stream := range em.streams {
		if stream.sub.TimeThreshold > 0 && now.Sub(stream.lastFlush) >= stream.sub.TimeThreshold {
			due = append(due, em.takeLocked(stream)...)
		}
	}
	em.mu.Unlock()
	em.send(due)
}

// Flush pushes every buffered event out immediately.
func (em *EventManager) Flush() {
	var due []Event
	em.mu.Lock()
	for _, stream := range em.streams {
		due = append(due, em.takeLocked(stream)...)
	}
	em.mu.Unlock()
	em.send(due)
}

// Reset drops all stream and subscription state without notifying the
// provider, used on connection reset.
func (em *EventManager) Reset() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.streams = make(map[int64]*eventStream)
	em.remote = make(map[remoteSubKey]*remoteSub)
}

func (em *EventManager) send(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), em.timeout)
	defer cancel()
	if err := em.provider.SendEvents(ctx, events); err != nil {
		// Background path: log and drop, never propagate.
		Logger.Warnf("dropping %d events after send failure: %v", len(events), err)
		metricEventsDropped.Add(len(events))
		return
	}
	metricEventsFlushed.Add(len(events))
}

// Subscribe registers interest in per-identity provider pushes. Overlapping
// interests collapse onto one provider-visible subscription; the returned
// cancel func drops this caller's reference.
func (em *EventManager) Subscribe(kind SubscriptionKind, identity string) func() {
	key := remoteSubKey{kind: kind, identity: identity}

	em.mu.Lock()
	if sub, ok := em.remote[key]; ok {
		sub.refCount++
		em.mu.Unlock()
		return em.cancelFunc(key)
	}
	em.remote[key] = &remoteSub{refCount: 1}
	em.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), em.timeout)
		defer cancel()
		id, err := em.provider.Subscribe(ctx, Subscription{Kind: kind, Identity: identity})
		if err != nil {
			Logger.Warnf("subscription %s for <%s> failed: %v", kind, identity, err)
			return
		}
		em.mu.Lock()
		if sub, ok := em.remote[key]; ok {
			sub.providerID = id
			em.mu.Unlock()
			return
		}
		em.mu.Unlock()
		// Last reference disappeared while the subscribe was in flight.
		em.cancelRemote(id)
	}()

	return em.cancelFunc(key)
}

// MoveSubscriptions migrates every remote subscription from one identity to
// another, used on rename when the identity changes.
func (em *EventManager) MoveSubscriptions(oldIdentity, newIdentity string) {
	type pending struct {
		kind SubscriptionKind
		old  *remoteSub
	}
	var moved []pending

	em.mu.Lock()
	for key, sub := range em.remote {
		if key.identity != oldIdentity {
			continue
		}
		delete(em.remote, key)
		newKey := remoteSubKey{kind: key.kind, identity: newIdentity}
		if existing, ok := em.remote[newKey]; ok {
			existing.refCount += sub.refCount
			moved = append(moved, pending{kind: key.kind, old: sub})
			continue
		}
		em.remote[newKey] = sub
		moved = append(moved, pending{kind: key.kind})
		go em.resubscribe(newKey, sub)
	}
	em.mu.Unlock()

	for _, p := range moved {
		if p.old != nil && p.old.providerID != 0 {
			go em.cancelRemote(p.old.providerID)
		}
	}
}

func (em *EventManager) resubscribe(key remoteSubKey, sub *remoteSub) {
	oldID := sub.providerID
	ctx, cancel := context.WithTimeout(context.Background(), em.timeout)
	defer cancel()
	id, err := em.provider.Subscribe(ctx, Subscription{Kind: key.kind, Identity: key.identity})
	if err != nil {
		Logger.Warnf("resubscription %s for <%s> failed: %v", key.kind, key.identity, err)
		return
	}
	em.mu.Lock()
	if s, ok := em.remote[key]; ok && s == sub {
		s.providerID = id
		em.mu.Unlock()
	} else {
		em.mu.Unlock()
		em.cancelRemote(id)
	}
	if oldID != 0 {
		em.cancelRemote(oldID)
	}
}

// HasSubscription reports whether a provider-visible subscription exists for
// the identity and kind.
func (em *EventManager) HasSubscription(kind SubscriptionKind, identity string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	_, ok := em.remote[remoteSubKey{kind: kind, identity: identity}]
	return ok
}

func (em *EventManager) cancelFunc(key remoteSubKey) func() {
	var onceCancel sync.Once
	return func() {
		onceCancel.Do(func() {
			em.mu.Lock()
			sub, ok := em.remote[key]
			if !ok {
				em.mu.Unlock()
				return
			}
			sub.refCount--
			if sub.refCount > 0 {
				em.mu.Unlock()
				return
			}
			delete(em.remote, key)
			id := sub.providerID
			em.mu.Unlock()
			if id != 0 {
				// Off the caller's goroutine: cancels fire from fiber
				// steps and must not block on the provider.
				go em.cancelRemote(id)
			}
		})
	}
}

func (em *EventManager) cancelRemote(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), em.timeout)
	defer cancel()
	if err := em.provider.CancelSubscription(ctx, id); err != nil {
		Logger.Debugf("cancelling subscription %d failed: %v", id, err)
	}
}

// Close flushes outstanding events and stops the timer loop.
func (em *EventManager) Close() {
	em.mu.Lock()
	if em.closed {
		em.mu.Unlock()
		return
	}
	em.closed = true
	em.mu.Unlock()

	close(em.stop)
	em.wg.Wait()
	em.Flush()
}
