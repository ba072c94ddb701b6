// Package eventbus carries the matching engine's output -- trades, balance
// changes, order status changes -- to the DB writer (spec.md §4.6) over a
// watermill pub/sub, generalizing the teacher's
// internal/architecture/cqrs/eventbus.WatermillEventBus from event-sourcing
// aggregates to the engine's fixed event vocabulary. The default transport
// is the in-process gochannel backend; a NATS-backed Bus can be substituted
// for multi-process pair-sharded deployments (spec.md §9 "horizontal
// scale-out") without changing any caller.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/types"
)

// Topics names the three outbound streams of spec.md §6 ("Outbound event
// shape").
type Topics struct {
	Trades             string
	BalanceChanges     string
	OrderStatusChanges string
}

// DefaultTopics is used unless the caller overrides it.
func DefaultTopics() Topics {
	return Topics{
		Trades:             "matchcore.trades",
		BalanceChanges:     "matchcore.balance_changes",
		OrderStatusChanges: "matchcore.order_status_changes",
	}
}

// Bus publishes engine events and lets the DB writer subscribe to them. It
// satisfies internal/core/engine.EventPublisher.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *zap.Logger
	topics Topics
}

// New creates a Bus backed by watermill's in-memory gochannel transport,
// suitable for a single-process engine + DB writer. bufferSize bounds how
// many undelivered messages per topic are held before Publish blocks.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	wmLogger := newZapAdapter(logger)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: int64(bufferSize),
			Persistent:          false,
		},
		wmLogger,
	)
	return &Bus{pub: pubSub, sub: pubSub, logger: logger, topics: DefaultTopics()}
}

// NewWithTransport wraps an already-constructed watermill publisher/
// subscriber pair -- e.g. watermill-nats -- behind the same typed API,
// used when pair-sharded engines publish to a shared broker instead of an
// in-process channel.
func NewWithTransport(pub message.Publisher, sub message.Subscriber, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{pub: pub, sub: sub, logger: logger, topics: DefaultTopics()}
}

// envelope carries the WAL sequence number alongside the event payload so a
// subscriber can tell the DB writer which sequence its effects are caught up
// to (spec.md §4.6), without forcing every engine event type to grow its own
// Seq field.
type envelope struct {
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func (b *Bus) publish(topic string, seq int64, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}
	data, err := json.Marshal(envelope{Seq: seq, Payload: raw})
	if err != nil {
		b.logger.Error("failed to marshal event envelope", zap.String("topic", topic), zap.Error(err))
		return
	}
	msg := message.NewMessage(uuid.New().String(), data)
	if err := b.pub.Publish(topic, msg); err != nil {
		b.logger.Error("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bus) PublishTrade(seq int64, t types.Trade) { b.publish(b.topics.Trades, seq, t) }

func (b *Bus) PublishBalanceChange(seq int64, c types.BalanceChange) {
	b.publish(b.topics.BalanceChanges, seq, c)
}

func (b *Bus) PublishOrderStatusChange(seq int64, c types.OrderStatusChange) {
	b.publish(b.topics.OrderStatusChanges, seq, c)
}

// Delivery wraps a decoded event with the WAL sequence number it was
// published under, so the DB writer can advance its checkpoint once a batch
// covering that sequence has been durably upserted.
type Delivery[T any] struct {
	Seq   int64
	Event T
}

// SubscribeTrades streams decoded trades until ctx is cancelled, acking
// every message as it hands it off -- the DB writer's batching means a
// redelivered trade is simply upserted again, not double-counted.
func (b *Bus) SubscribeTrades(ctx context.Context) (<-chan Delivery[types.Trade], error) {
	out := make(chan Delivery[types.Trade])
	if err := subscribeDecoded(ctx, b, b.topics.Trades, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bus) SubscribeBalanceChanges(ctx context.Context) (<-chan Delivery[types.BalanceChange], error) {
	out := make(chan Delivery[types.BalanceChange])
	if err := subscribeDecoded(ctx, b, b.topics.BalanceChanges, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bus) SubscribeOrderStatusChanges(ctx context.Context) (<-chan Delivery[types.OrderStatusChange], error) {
	out := make(chan Delivery[types.OrderStatusChange])
	if err := subscribeDecoded(ctx, b, b.topics.OrderStatusChanges, out); err != nil {
		return nil, err
	}
	return out, nil
}

func subscribeDecoded[T any](ctx context.Context, b *Bus, topic string, out chan<- Delivery[T]) error {
	msgs, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("eventbus: subscribing to %s: %w", topic, err)
	}
	go func() {
		defer close(out)
		for msg := range msgs {
			var env envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Error("failed to decode event envelope", zap.String("topic", topic), zap.Error(err))
				msg.Nack()
				continue
			}
			var v T
			if err := json.Unmarshal(env.Payload, &v); err != nil {
				b.logger.Error("failed to decode event", zap.String("topic", topic), zap.Error(err))
				msg.Nack()
				continue
			}
			select {
			case out <- Delivery[T]{Seq: env.Seq, Event: v}:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return nil
}

// Close releases the underlying publisher/subscriber.
func (b *Bus) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.sub.Close()
}
