package eventbus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// natsPubSub adapts a raw nats-io/nats.go connection to watermill's
// message.Publisher/Subscriber pair, the minimum surface Bus needs. It is
// grounded on the teacher's internal/architecture/cqrs/eventbus.NatsEventBus,
// which talks to the same *nats.Conn directly rather than through a second
// client wrapper; going through watermill-nats here would mean carrying two
// overlapping NATS client stacks for one interface.
type natsPubSub struct {
	conn *natsgo.Conn
}

// newNATSPubSub connects to a NATS server, applying the teacher's
// reconnect/error-logging option set.
func newNATSPubSub(url string, logger *zap.Logger) (*natsPubSub, error) {
	opts := []natsgo.Option{
		natsgo.Name("matchcore-eventbus"),
		natsgo.MaxReconnects(10),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &natsPubSub{conn: conn}, nil
}

func (n *natsPubSub) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if err := n.conn.Publish(topic, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (n *natsPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)
	sub, err := n.conn.Subscribe(topic, func(m *natsgo.Msg) {
		msg := message.NewMessage(watermill.NewUUID(), m.Data)
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

func (n *natsPubSub) Close() error {
	n.conn.Close()
	return nil
}

// NewNATS builds a Bus backed by a shared NATS subject space, for a
// pair-sharded deployment where more than one engine process needs to
// publish onto (and a single DB writer needs to consume from) the same
// trade/balance/order-status streams.
func NewNATS(url string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps, err := newNATSPubSub(url, logger)
	if err != nil {
		return nil, err
	}
	return &Bus{pub: ps, sub: ps, logger: logger, topics: DefaultTopics()}, nil
}
