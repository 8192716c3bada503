// Package event carries notifications inside the process.
//
// Two channels exist:
//   - Emitter: process-wide notifications (documents indexed, conversations
//     changed), delivered synchronously to listeners.
//   - Hub: per-conversation rooms. The chat coordinator publishes stream
//     events into a room and transports drain one queue per subscriber.
//
// Each event type is a separate Go type implementing Event.
package event

import (
	"log/slog"
	"sync"

	"github.com/choraleia/chatcore/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "stream.chunk")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       uint64
	listeners    map[string][]listenerEntry // eventName -> listeners
	allListeners []listenerEntry            // listeners for all events
	logger       *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Emitter{
		listeners: make(map[string][]listenerEntry),
		logger:    logger,
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[eventName] = removeListener(e.listeners[eventName], id)
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = removeListener(e.allListeners, id)
	}
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := make([]listenerEntry, len(e.listeners[ev.EventName()]))
	copy(specific, e.listeners[ev.EventName()])
	all := make([]listenerEntry, len(e.allListeners))
	copy(all, e.allListeners)
	e.mu.RUnlock()

	e.logger.Debug("Emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, l := range specific {
		l.fn(ev)
	}
	for _, l := range all {
		l.fn(ev)
	}
}

func removeListener(list []listenerEntry, id uint64) []listenerEntry {
	for i, l := range list {
		if l.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
