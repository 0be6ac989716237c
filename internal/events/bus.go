// Package events provides the transition notification bus and the
// append-only audit log.
package events

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventTaskTransition is published on every task status change.
	EventTaskTransition EventType = "task_transition"
	// EventSprintTransition is published on every sprint status change.
	EventSprintTransition EventType = "sprint_transition"
	// EventTaskUnblocked is published when reconciliation finds a task whose
	// dependencies just became satisfied.
	EventTaskUnblocked EventType = "task_unblocked"
	// EventExecutionStarted is published when a task is handed to a worker.
	EventExecutionStarted EventType = "execution_started"
	// EventExecutionFinished is published when an invocation outcome has been applied.
	EventExecutionFinished EventType = "execution_finished"
	// EventLoopDetected is published when the loop guard blocks a task.
	EventLoopDetected EventType = "loop_detected"
	// EventBacklogPromoted is published when a backlog item becomes a task.
	EventBacklogPromoted EventType = "backlog_promoted"
)

// Event is one bus notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events asynchronously.
type Subscriber func(Event)

// Bus is a non-blocking pub/sub channel for state transitions. External
// consumers subscribe instead of polling the store. Delivery is best-effort:
// if a subscriber's buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
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

// Publish delivers an event to all subscribers of the type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Buffer full: drop rather than stall a transition.
		}
	}
}

// Close shuts down all subscriber channels.
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
