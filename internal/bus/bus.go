// Package bus provides the ordered event channel that links the engine,
// the audio pipeline, the sync coordinator and the render driver.
//
// Events are delivered on a single dispatcher goroutine in publish order,
// so handlers never observe lifecycle events out of order.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies different event types
type EventType string

const (
	// Engine events
	EventModeChanged  EventType = "engine.mode_changed"
	EventChunkSpliced EventType = "engine.chunk_spliced"
	EventUnderrun     EventType = "engine.underrun"
	EventCacheMiss    EventType = "engine.cache_miss"
	EventHoldTimeout  EventType = "engine.hold_timeout"
	EventCleared      EventType = "engine.cleared"

	// Audio pipeline events
	EventAudioStarted       EventType = "audio.started"
	EventAudioChunkComplete EventType = "audio.chunk_complete"
	EventAudioEnded         EventType = "audio.ended"
	EventAudioDecodeFailed  EventType = "audio.decode_failed"
	EventAudioChunkSkipped  EventType = "audio.chunk_skipped"

	// Image decode events
	EventImageDecodeFailed EventType = "image.decode_failed"
	EventImageDropped      EventType = "image.dropped"

	// Transport events
	EventConnected    EventType = "transport.connected"
	EventDisconnected EventType = "transport.disconnected"
	EventSpeechEnd    EventType = "transport.speech_end"
)

// DefaultMaxPending bounds the number of undelivered events
const DefaultMaxPending = 4096

// Event represents a bus event
type Event struct {
	Type EventType
	Seq  uint64
	Time time.Time
	Data map[string]any
}

// Int returns an integer field of the event payload, or -1 when absent.
func (e Event) Int(key string) int {
	if v, ok := e.Data[key].(int); ok {
		return v
	}
	return -1
}

// Handler handles one event on the dispatcher goroutine
type Handler func(Event)

type subscriber struct {
	id      uint64
	types   map[EventType]struct{}
	handler Handler
}

// Subscription removes its handler when cancelled
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
}

// Bus is an ordered, non-blocking event channel. Publish never blocks the
// caller for longer than an append under a mutex.
type Bus struct {
	subMu  sync.RWMutex
	subs   []subscriber
	nextID uint64

	mu         sync.Mutex
	pending    []Event
	maxPending int
	inFlight   bool
	seq        uint64
	signal     chan struct{}
	idle       *sync.Cond

	dropped atomic.Int64
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a bus and starts its dispatcher goroutine
func New(maxPending int) *Bus {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	b := &Bus{
		maxPending: maxPending,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe adds a handler for the given event types; no types means all events.
func (b *Bus) Subscribe(handler Handler, types ...EventType) Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	s := subscriber{id: b.nextID, handler: handler}
	if len(types) > 0 {
		s.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, s)
	return Subscription{bus: b, id: s.id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish queues an event for ordered delivery. When the queue is full the
// event is dropped and counted.
func (b *Bus) Publish(t EventType, data map[string]any) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		b.dropped.Add(1)
		return
	}
	b.seq++
	b.pending = append(b.pending, Event{Type: t, Seq: b.seq, Time: time.Now(), Data: data})
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were dropped because the queue was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Flush blocks until every event published before the call has been handled.
func (b *Bus) Flush(ctx context.Context) error {
	ready := make(chan struct{})
	go func() {
		b.mu.Lock()
		for len(b.pending) > 0 || b.inFlight {
			select {
			case <-b.stopped:
				b.mu.Unlock()
				close(ready)
				return
			default:
			}
			b.idle.Wait()
		}
		b.mu.Unlock()
		close(ready)
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher. Undelivered events are discarded.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.mu.Unlock()
		<-b.stopped
	})
}

func (b *Bus) dispatch() {
	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.inFlight = false
		close(b.stopped)
		b.idle.Broadcast()
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		b.inFlight = len(batch) > 0
		if !b.inFlight {
			b.idle.Broadcast()
		}
		b.mu.Unlock()

		for _, ev := range batch {
			b.deliver(ev)
		}

		if len(batch) > 0 {
			b.mu.Lock()
			b.inFlight = false
			if len(b.pending) == 0 {
				b.idle.Broadcast()
			}
			b.mu.Unlock()
			continue
		}

		select {
		case <-b.done:
			return
		case <-b.signal:
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.subMu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.subMu.RUnlock()

	for _, s := range subs {
		if s.types != nil {
			if _, ok := s.types[ev.Type]; !ok {
				continue
			}
		}
		s.handler(ev)
	}
}
