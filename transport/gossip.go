package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

// Gossip is a Conn on top of libp2p GossipSub.
// Peers sharing a namespace see each other's topics. Gossip has no broker
// and therefore no session: every connect reports sessionPresent false, and
// a message is delivered to the peers subscribed at the time it propagates.
// Messages published by this peer are delivered to its own subscriptions.
type Gossip struct {
	ps             *pubsub.PubSub
	namespace      string
	log            *zap.Logger
	dispatchBuffer int

	mu        sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*gossipSubscription
	disp      *dispatcher
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

type gossipSubscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// GossipOption configures a Gossip connection.
type GossipOption func(*Gossip)

// WithNamespace prefixes every topic with namespace and a dot, so that
// several applications can share one libp2p network.
// Default: "pubrpc"
func WithNamespace(namespace string) GossipOption {
	return func(g *Gossip) {
		g.namespace = namespace
	}
}

// WithGossipLogger sets the logger.
// Default: no-op logger
func WithGossipLogger(log *zap.Logger) GossipOption {
	return func(g *Gossip) {
		g.log = log
	}
}

// NewGossip creates a connection on top of ps.
// ps and its host are owned by the caller and are not closed by Close.
func NewGossip(ps *pubsub.PubSub, opts ...GossipOption) *Gossip {
	g := &Gossip{
		ps:             ps,
		namespace:      "pubrpc",
		log:            zap.NewNop(),
		dispatchBuffer: 64,
		topics:         make(map[string]*pubsub.Topic),
		subs:           make(map[string]*gossipSubscription),
	}

	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("transport.gossip")

	return g
}

// Connect starts delivering events to h.
func (g *Gossip) Connect(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("transport: nil handler")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.connected {
		g.mu.Unlock()
		return nil
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.disp = newDispatcher(h, g.log, g.dispatchBuffer)
	g.connected = true
	runCtx, disp := g.ctx, g.disp
	g.mu.Unlock()

	go disp.run(runCtx)
	disp.connect(runCtx, false)

	return nil
}

// Connected reports whether Connect was called and Close was not.
func (g *Gossip) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.connected
}

// Publish publishes payload to the namespaced topic.
func (g *Gossip) Publish(ctx context.Context, topic string, payload []byte) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	t, err := g.join(topic)
	g.mu.Unlock()

	if err != nil {
		return err
	}

	if err := t.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish to topic %q: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to the namespaced topic.
// Subscribing a topic already subscribed is a no-op.
func (g *Gossip) Subscribe(ctx context.Context, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.connected {
		return ErrNotConnected
	}
	if _, exists := g.subs[topic]; exists {
		return nil
	}

	t, err := g.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to topic %q: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(g.ctx)
	g.subs[topic] = &gossipSubscription{sub: sub, cancel: cancel}

	go g.receive(subCtx, topic, sub, g.disp)

	return nil
}

// Unsubscribe cancels the subscription of topic.
func (g *Gossip) Unsubscribe(ctx context.Context, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.connected {
		return ErrNotConnected
	}

	if s, exists := g.subs[topic]; exists {
		s.cancel()
		s.sub.Cancel()
		delete(g.subs, topic)
	}

	return nil
}

// Close cancels all subscriptions and leaves all topics.
func (g *Gossip) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	g.closed = true
	g.connected = false

	for _, s := range g.subs {
		s.cancel()
		s.sub.Cancel()
	}
	g.subs = make(map[string]*gossipSubscription)

	for name, t := range g.topics {
		if err := t.Close(); err != nil {
			g.log.Debug("close topic", zap.String("topic", name), zap.Error(err))
		}
	}
	g.topics = make(map[string]*pubsub.Topic)

	if g.cancel != nil {
		g.cancel()
	}

	return nil
}

func (g *Gossip) receive(ctx context.Context, topic string, sub *pubsub.Subscription, disp *dispatcher) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Canceled by Unsubscribe or Close.
			return
		}

		disp.message(ctx, Message{
			PacketID: msg.ID,
			Topic:    topic,
			Payload:  msg.Data,
		})
	}
}

// join gets or joins the namespaced topic. Must be called with g.mu held.
func (g *Gossip) join(topic string) (*pubsub.Topic, error) {
	if t, exists := g.topics[topic]; exists {
		return t, nil
	}

	t, err := g.ps.Join(g.topicName(topic))
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", topic, err)
	}
	g.topics[topic] = t

	return t, nil
}

func (g *Gossip) topicName(topic string) string {
	if g.namespace == "" {
		return topic
	}
	return g.namespace + "." + topic
}
