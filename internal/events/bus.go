// Package events carries task lifecycle events from the router's components
// to observers: metrics, the journal and the NATS forwarder.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskTransitioned is published after a task file changed stage.
	EventTaskTransitioned EventType = "task_transitioned"
	// EventAgentFinished is published when an agent run returns, whatever its outcome.
	EventAgentFinished EventType = "agent_finished"
	// EventRecordIngested is published when a remote record became a pending task.
	EventRecordIngested EventType = "record_ingested"
	// EventRecordDuplicate is published when a remote record was already pending.
	EventRecordDuplicate EventType = "record_duplicate"
	// EventRecordSkipped is published when a remote record had no repository.
	EventRecordSkipped EventType = "record_skipped"
	// EventCycleCompleted is published at the end of every dispatch or ingest cycle.
	EventCycleCompleted EventType = "cycle_completed"
)

// AllTypes lists every event type the router publishes.
var AllTypes = []EventType{
	EventTaskTransitioned,
	EventAgentFinished,
	EventRecordIngested,
	EventRecordDuplicate,
	EventRecordSkipped,
	EventCycleCompleted,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is what producers depend on. A nil *Bus is a valid Publisher
// that drops everything.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type in AllTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() {
		// a panicking subscriber must not stop delivery to the others
		_ = recover()
	}()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
