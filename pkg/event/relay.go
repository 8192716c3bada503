package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	relayQueueSize      = 1024
	relayPublishTimeout = 2 * time.Second
)

// relayEnvelope is the payload published to Redis.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	TS     int64           `json:"ts"`
}

// RedisRelay mirrors room events between processes sharing a Redis server.
// Events published locally are forwarded to "<prefix><room>"; events from
// other nodes are delivered to local subscribers only.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	nodeID string
	queue  chan relayEnvelope
	logger *slog.Logger
}

// NewRedisRelay creates a relay and registers it as hub's forwarder.
func NewRedisRelay(client *redis.Client, hub *Hub, prefix string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = utils.GetLogger()
	}
	r := &RedisRelay{
		client: client,
		hub:    hub,
		prefix: prefix,
		nodeID: uuid.New().String(),
		queue:  make(chan relayEnvelope, relayQueueSize),
		logger: logger,
	}
	if hub != nil {
		hub.SetForwarder(r)
	}
	return r
}

// NodeID identifies this process on the relay channel.
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Forward queues ev for publishing. It never blocks; the queue is drained by Run.
func (r *RedisRelay) Forward(roomID string, ev Event) {
	if _, remote := ev.(RemoteEvent); remote {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("Failed to encode relay event", "event", ev.EventName(), "error", err)
		return
	}
	env := relayEnvelope{
		Origin: r.nodeID,
		Room:   roomID,
		Event:  ev.EventName(),
		Data:   data,
		TS:     time.Now().UnixMilli(),
	}
	select {
	case r.queue <- env:
	default:
		r.logger.Warn("Relay queue full, dropping event", "room", roomID, "event", ev.EventName())
	}
}

// Run subscribes to the room channels and publishes queued events until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	r.logger.Info("Room relay started", "node", r.nodeID, "pattern", r.prefix+"*")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			r.publish(ctx, env)
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := r.handleMessage([]byte(msg.Payload)); err != nil {
				r.logger.Debug("Ignoring relay message", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, env relayEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.prefix+env.Room, payload).Err(); err != nil {
		r.logger.Warn("Failed to publish relay event", "room", env.Room, "event", env.Event, "error", err)
	}
}

// handleMessage delivers an envelope from another node to local subscribers.
func (r *RedisRelay) handleMessage(payload []byte) error {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == r.nodeID {
		return nil
	}
	if strings.TrimSpace(env.Room) == "" || env.Event == "" {
		return fmt.Errorf("envelope missing room or event")
	}

	var data map[string]any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode event data: %w", err)
		}
	}
	r.hub.Deliver(env.Room, RemoteEvent{Name: env.Event, Data: data}, "")
	return nil
}
