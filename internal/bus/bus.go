package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Donniedarko45/RenderLite/internal/ws"
)

// Channel is the single pub/sub channel shared by every process. Workers
// publish here; each hub process runs exactly one subscriber that re-emits
// to its local topic rooms.
const Channel = "renderlite:realtime:events"

// Envelope is the wire form of one event. Subscribed clients receive it
// verbatim, so topic and event name travel with every payload.
type Envelope struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	TS    time.Time       `json:"ts"`
}

// Publisher emits events onto the shared channel.
type Publisher struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewPublisher builds a publisher over the given Redis client.
func NewPublisher(rdb *redis.Client, log *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

// Publish sends one event to a topic. Events are best-effort; callers treat
// failures as non-fatal and keep going.
func (p *Publisher) Publish(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env := Envelope{
		Topic: topic,
		Event: event,
		Data:  data,
		TS:    time.Now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscriber bridges the shared channel into a hub's topic rooms.
type Subscriber struct {
	rdb *redis.Client
	hub *ws.Hub
	log *slog.Logger
}

// NewSubscriber builds the bridge for one hub process.
func NewSubscriber(rdb *redis.Client, hub *ws.Hub, log *slog.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, hub: hub, log: log}
}

// Run consumes the channel until the context ends. Per-topic ordering holds
// because this is the only goroutine broadcasting bus traffic into the hub.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to event channel: %w", err)
	}
	s.log.Info("event subscriber started", "channel", Channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch([]byte(msg.Payload))
		}
	}
}

func (s *Subscriber) dispatch(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.log.Warn("drop malformed event", "error", err)
		return
	}
	if env.Topic == "" || env.Event == "" {
		s.log.Warn("drop event without topic or name")
		return
	}
	s.hub.Broadcast(env.Topic, payload)
}
