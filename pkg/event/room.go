package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/google/uuid"
)

const (
	DefaultSubscriberBuffer = 256
	DefaultSendTimeout      = 2 * time.Second
)

// Forwarder receives every locally published room event, e.g. to relay it
// to other processes.
type Forwarder interface {
	Forward(roomID string, ev Event)
}

// Subscriber is one member of a room. Its queue is drained by a transport;
// Done is closed when the subscriber leaves or is evicted.
type Subscriber struct {
	id   string
	room string
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *Subscriber) ID() string { return s.id }
func (s *Subscriber) Room() string { return s.room }
func (s *Subscriber) Events() <-chan Event { return s.ch }
func (s *Subscriber) Done() <-chan struct{} { return s.done }
func (s *Subscriber) close() { s.once.Do(func() { close(s.done) }) }
func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Hub fans room events out to subscribers, one queue per subscriber.
// Events published by one goroutine reach each subscriber in order.
// Stream chunks are dropped for a full queue because the next chunk carries
// the full text; other events wait up to the send timeout, after which the
// subscriber is evicted.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]*Subscriber // roomID -> subscriberID -> subscriber
	bufferSize  int
	sendTimeout time.Duration
	forwarder   Forwarder
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Hub{
		rooms:       make(map[string]map[string]*Subscriber),
		bufferSize:  DefaultSubscriberBuffer,
		sendTimeout: DefaultSendTimeout,
		logger:      logger,
	}
}

// SetForwarder sets the relay for locally published events.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// SetMetrics sets the metrics sink.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetLimits overrides the per-subscriber queue size and send timeout.
func (h *Hub) SetLimits(bufferSize int, sendTimeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bufferSize > 0 {
		h.bufferSize = bufferSize
	}
	if sendTimeout > 0 {
		h.sendTimeout = sendTimeout
	}
}

// Join adds a subscriber to roomID. An empty subscriberID gets a random one;
// joining again with the same ID replaces the previous subscriber.
func (h *Hub) Join(roomID, subscriberID string) *Subscriber {
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}

	h.mu.Lock()
	sub := &Subscriber{
		id:   subscriberID,
		room: roomID,
		ch:   make(chan Event, h.bufferSize),
		done: make(chan struct{}),
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*Subscriber)
		h.rooms[roomID] = members
	}
	if old, ok := members[subscriberID]; ok {
		old.close()
	}
	members[subscriberID] = sub
	h.mu.Unlock()

	h.logger.Debug("Subscriber joined room", "room", roomID, "subscriber", subscriberID)
	return sub
}

// Leave removes sub from its room. Leaving twice is harmless.
func (h *Hub) Leave(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if members, ok := h.rooms[sub.room]; ok {
		if current, ok := members[sub.id]; ok && current == sub {
			delete(members, sub.id)
			if len(members) == 0 {
				delete(h.rooms, sub.room)
			}
		}
	}
	h.mu.Unlock()
	sub.close()
	h.logger.Debug("Subscriber left room", "room", sub.room, "subscriber", sub.id)
}

// Members returns the number of subscribers in roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Publish delivers ev to every subscriber of roomID and forwards it.
func (h *Hub) Publish(roomID string, ev Event) {
	h.PublishExcept(roomID, ev, "")
}

// PublishExcept delivers ev to every subscriber except exceptID and forwards it.
func (h *Hub) PublishExcept(roomID string, ev Event, exceptID string) {
	h.Deliver(roomID, ev, exceptID)

	h.mu.RLock()
	f := h.forwarder
	h.mu.RUnlock()
	if f != nil {
		f.Forward(roomID, ev)
	}
}

// Deliver hands ev to local subscribers only.
func (h *Hub) Deliver(roomID string, ev Event, exceptID string) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.rooms[roomID]))
	for id, sub := range h.rooms[roomID] {
		if id != exceptID {
			targets = append(targets, sub)
		}
	}
	timeout := h.sendTimeout
	h.mu.RUnlock()

	droppable := ev.EventName() == StreamChunk
	for _, sub := range targets {
		if sub.closed() {
			continue
		}
		if droppable {
			select {
			case sub.ch <- ev:
			default:
				h.metrics.DroppedEvent(ev.EventName())
				h.logger.Debug("Dropped chunk for slow subscriber", "room", roomID, "subscriber", sub.id)
			}
			continue
		}

		timer := time.NewTimer(timeout)
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-timer.C:
			h.metrics.DroppedEvent(ev.EventName())
			h.logger.Warn("Evicting slow subscriber", "room", roomID, "subscriber", sub.id, "event", ev.EventName())
			h.Leave(sub)
		}
		timer.Stop()
	}
}

// Close evicts every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[string]*Subscriber)
	h.mu.Unlock()

	for _, members := range rooms {
		for _, sub := range members {
			sub.close()
		}
	}
}
