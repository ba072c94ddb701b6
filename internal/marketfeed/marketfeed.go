// Package marketfeed broadcasts trades and order-book-relevant events to
// subscribed WebSocket clients, the "observers" spec.md §6 describes for its
// outbound event shapes. It generalizes the teacher's internal/ws.Server
// (gorilla/websocket upgrader, per-client Send channel, topic-filtered
// Broadcast) off fx lifecycle hooks and onto internal/eventbus subscriptions,
// since cmd/matchcore wires lifecycle by hand.
package marketfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/eventbus"
)

// Topic names a feed channel a client can subscribe to.
type Topic string

const (
	TopicTrades             Topic = "trades"
	TopicOrderStatusChanges Topic = "order_status_changes"
)

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[Topic]bool
}

// Server upgrades HTTP connections to WebSocket and fans out trade/order
// events consumed from the eventbus to every client subscribed to the
// relevant topic.
type Server struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	bus *eventbus.Bus
}

// New builds a Server that will broadcast events read from bus once Start is
// called.
func New(bus *eventbus.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		bus:     bus,
	}
}

// Start subscribes to the eventbus' trade and order-status topics and
// broadcasts every delivery to subscribed clients until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	trades, err := s.bus.SubscribeTrades(ctx)
	if err != nil {
		return err
	}
	orders, err := s.bus.SubscribeOrderStatusChanges(ctx)
	if err != nil {
		return err
	}

	go s.pumpTrades(ctx, trades)
	go s.pumpOrderStatusChanges(ctx, orders)
	return nil
}

func (s *Server) pumpTrades(ctx context.Context, in <-chan eventbus.Delivery[types.Trade]) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			payload, err := json.Marshal(tradeMessage{Topic: TopicTrades, Trade: d.Event})
			if err != nil {
				s.logger.Error("marketfeed: failed to marshal trade", zap.Error(err))
				continue
			}
			s.broadcast(TopicTrades, payload)
		}
	}
}

func (s *Server) pumpOrderStatusChanges(ctx context.Context, in <-chan eventbus.Delivery[types.OrderStatusChange]) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			payload, err := json.Marshal(orderStatusMessage{Topic: TopicOrderStatusChanges, Change: d.Event})
			if err != nil {
				s.logger.Error("marketfeed: failed to marshal order status change", zap.Error(err))
				continue
			}
			s.broadcast(TopicOrderStatusChanges, payload)
		}
	}
}

type tradeMessage struct {
	Topic Topic       `json:"topic"`
	Trade types.Trade `json:"trade"`
}

type orderStatusMessage struct {
	Topic  Topic                   `json:"topic"`
	Change types.OrderStatusChange `json:"order_status_change"`
}

// broadcast sends message to every client subscribed to topic, dropping it
// for any client whose send buffer is full rather than blocking the fan-out.
func (s *Server) broadcast(topic Topic, message []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if !c.topics[topic] {
			continue
		}
		select {
		case c.send <- message:
		default:
			s.logger.Warn("marketfeed: client send buffer full, dropping message",
				zap.String("client_id", c.id), zap.String("topic", string(topic)))
		}
	}
}

// ServeHTTP upgrades the connection and registers the client for the topics
// named in the "topics" query parameter (comma-separated; defaults to
// trades only).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("marketfeed: upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: parseTopics(r.URL.Query().Get("topics")),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

func parseTopics(raw string) map[Topic]bool {
	out := map[Topic]bool{TopicTrades: true}
	if raw == "" {
		return out
	}
	out = make(map[Topic]bool)
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out[Topic(raw[start:i])] = true
			}
			start = i + 1
		}
	}
	return out
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Warn("marketfeed: write failed", zap.String("client_id", c.id), zap.Error(err))
			return
		}
	}
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.conn.Close()
	close(c.send)
}
