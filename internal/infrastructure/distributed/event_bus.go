package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

// EventEnvelope carries a signaling envelope for peers on another instance.
const EventEnvelope EventType = "relay.envelope"

// Event represents a distributed event
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Target     string           `json:"target,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Envelope   *domain.Envelope `json:"envelope,omitempty"`
}

// EventBus relays events between instances over redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    "callmesh:relay",
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"target", event.Target,
	)
	return nil
}

// Forward publishes env for one instance, or for all others when
// instanceID is empty.
func (eb *EventBus) Forward(ctx context.Context, instanceID string, env domain.Envelope) error {
	return eb.Publish(ctx, &Event{Type: EventEnvelope, Target: instanceID, Envelope: &env})
}

// Subscribe calls handler for every event addressed to this instance until
// ctx ends. Events published by this instance are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer pubsub.Close()

	// wait for the subscription so no event published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if !eb.accepts(&event) {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) accepts(event *Event) bool {
	if event.InstanceID == eb.instanceID {
		return false
	}
	return event.Target == "" || event.Target == eb.instanceID
}

// Relay subscribes and hands forwarded envelopes to deliver.
func (eb *EventBus) Relay(ctx context.Context, deliver func(domain.Envelope)) error {
	return eb.Subscribe(ctx, func(event *Event) error {
		if event.Type != EventEnvelope {
			return nil
		}
		if event.Envelope == nil {
			return fmt.Errorf("envelope event without envelope")
		}
		if err := event.Envelope.Validate(); err != nil {
			return err
		}
		deliver(*event.Envelope)
		return nil
	})
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
