package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/store"
)

// InMemory is an in-process broker with persistent sessions.
// Each client ID owns a session holding its subscriptions and the messages
// published to them while the client was offline. A client connecting
// without Clean resumes its session; a client whose session was dropped (or
// never existed) starts from scratch and is told so through HandleConnect.
type InMemory struct {
	// id prefixes packet IDs so that they stay unique in stores that
	// outlive the broker.
	id string

	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64
	closed   bool
}

type session struct {
	topics  map[string]struct{}
	pending []store.Packet
	conn    *MemoryConn
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		id:       uuid.NewString()[:8],
		sessions: make(map[string]*session),
	}
}

// Publish queues payload for every session subscribed to topic, online or
// not. If no session is subscribed, the message is dropped.
func (b *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, s := range b.sessions {
		if _, ok := s.topics[topic]; !ok {
			continue
		}
		b.seq++
		s.pending = append(s.pending, store.Packet{
			ID:      b.id + "-" + strconv.FormatUint(b.seq, 10),
			Seq:     b.seq,
			Topic:   topic,
			Payload: string(payload),
		})
		if s.conn != nil {
			s.conn.wakeup()
		}
	}

	return nil
}

// Subscriptions returns the topics the session of clientID is subscribed to, sorted.
func (b *InMemory) Subscriptions(clientID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[clientID]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// DropSession makes the broker forget the session of clientID, as a broker
// restart would. The client learns about it on its next connect.
func (b *InMemory) DropSession(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, clientID)
}

// Close stops the broker. Publishing, subscribing and connecting fail afterwards.
func (b *InMemory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.closed = true
	b.sessions = make(map[string]*session)

	return nil
}

func (b *InMemory) attach(c *MemoryConn) (sessionPresent bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	s, ok := b.sessions[c.opts.ClientID]
	if ok && s.conn != nil && s.conn != c {
		return false, fmt.Errorf("transport: client id %q already connected", c.opts.ClientID)
	}
	if !ok || c.opts.Clean {
		s = &session{topics: make(map[string]struct{})}
		b.sessions[c.opts.ClientID] = s
	}
	s.conn = c
	if len(s.pending) > 0 {
		c.wakeup()
	}

	return ok && !c.opts.Clean, nil
}

func (b *InMemory) detach(c *MemoryConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[c.opts.ClientID]
	if !ok || s.conn != c {
		return
	}
	s.conn = nil
	if c.opts.Clean {
		delete(b.sessions, c.opts.ClientID)
	}
}

func (b *InMemory) sessionOf(c *MemoryConn) (*session, error) {
	if b.closed {
		return nil, ErrClosed
	}
	s, ok := b.sessions[c.opts.ClientID]
	if !ok || s.conn != c {
		return nil, ErrNotConnected
	}
	return s, nil
}

func (b *InMemory) subscribe(c *MemoryConn, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sessionOf(c)
	if err != nil {
		return err
	}
	s.topics[topic] = struct{}{}
	return nil
}

func (b *InMemory) unsubscribe(c *MemoryConn, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sessionOf(c)
	if err != nil {
		return err
	}
	delete(s.topics, topic)
	return nil
}

// take removes and returns the messages queued for c.
func (b *InMemory) take(c *MemoryConn) []store.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sessionOf(c)
	if err != nil || len(s.pending) == 0 {
		return nil
	}
	packets := s.pending
	s.pending = nil
	return packets
}

// MemoryOptions configures a MemoryConn.
type MemoryOptions struct {
	// ClientID identifies the session. It must be stable across reconnects.
	ClientID string
	// Clean discards any previous session on connect.
	Clean bool
	// Incoming holds received messages until they are acknowledged.
	// Default: a new store.MemoryStore
	Incoming store.PacketStore
	// Outgoing holds published messages until the broker accepted them.
	// Default: a new store.MemoryStore
	Outgoing store.PacketStore
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// MemoryConn is a client connection to an InMemory broker.
type MemoryConn struct {
	broker *InMemory
	opts   MemoryOptions
	log    *zap.Logger
	wake   chan struct{}

	mu        sync.Mutex
	handler   Handler
	connected bool
	closed    bool
	outSeq    uint64
	seeded    bool
	stop      context.CancelFunc
	done      chan struct{}
}

// Dial creates a connection for opts.ClientID. It does not connect yet.
func (b *InMemory) Dial(opts MemoryOptions) *MemoryConn {
	if opts.Incoming == nil {
		opts.Incoming = store.NewMemoryStore()
	}
	if opts.Outgoing == nil {
		opts.Outgoing = store.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MemoryConn{
		broker: b,
		opts:   opts,
		log:    opts.Logger.Named("transport.memory").With(zap.String("client_id", opts.ClientID)),
		wake:   make(chan struct{}, 1),
	}
}

// Connect attaches to the broker and starts delivering events to h.
// Connecting an already connected MemoryConn is a no-op.
func (c *MemoryConn) Connect(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("transport: nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}

	if c.opts.Clean {
		if err := c.opts.Incoming.Clear(ctx); err != nil {
			return fmt.Errorf("clear incoming store: %w", err)
		}
		if err := c.opts.Outgoing.Clear(ctx); err != nil {
			return fmt.Errorf("clear outgoing store: %w", err)
		}
	}

	present, err := c.broker.attach(c)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.handler = h
	c.connected = true
	c.stop = cancel
	c.done = make(chan struct{})

	go c.loop(loopCtx, h, present, c.done)

	c.log.Debug("connected", zap.Bool("session_present", present))
	return nil
}

// Disconnect simulates losing the connection. The session stays on the
// broker unless the connection is Clean, and messages published meanwhile
// are queued for the next connect. It must not be called from a Handler.
func (c *MemoryConn) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.broker.detach(c)
	stop()
	<-done

	c.log.Debug("disconnected")
}

// Reconnect drops the connection, reports HandleReconnect and connects
// again with the handler of the previous Connect.
func (c *MemoryConn) Reconnect(ctx context.Context) error {
	c.Disconnect()

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return ErrNotConnected
	}

	h.HandleReconnect(ctx)
	return c.Connect(ctx, h)
}

// Connected reports whether the connection is up.
func (c *MemoryConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Publish sends payload to topic. While disconnected the message is kept in
// the outgoing store and sent on the next connect.
func (c *MemoryConn) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.seedOutgoing(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	c.outSeq++
	p := store.Packet{
		ID:      "out-" + strconv.FormatUint(c.outSeq, 10),
		Seq:     c.outSeq,
		Topic:   topic,
		Payload: string(payload),
	}
	err := c.opts.Outgoing.Put(ctx, p)
	connected := c.connected
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("store outgoing packet: %w", err)
	}
	if !connected {
		return nil
	}

	if err := c.broker.Publish(ctx, topic, payload); err != nil {
		return err
	}
	return c.opts.Outgoing.Delete(ctx, p.ID)
}

// Subscribe subscribes the session to topic.
func (c *MemoryConn) Subscribe(ctx context.Context, topic string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.broker.subscribe(c, topic)
}

// Unsubscribe removes topic from the session.
func (c *MemoryConn) Unsubscribe(ctx context.Context, topic string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.broker.unsubscribe(c, topic)
}

// Close disconnects and stops the connection for good.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	return nil
}

// seedOutgoing continues the outgoing sequence of a store that already
// holds packets. c.mu must be held.
func (c *MemoryConn) seedOutgoing(ctx context.Context) error {
	if c.seeded {
		return nil
	}
	packets, err := c.opts.Outgoing.All(ctx)
	if err != nil {
		return fmt.Errorf("load outgoing packets: %w", err)
	}
	if n := len(packets); n > 0 {
		c.outSeq = max(c.outSeq, packets[n-1].Seq)
	}
	c.seeded = true
	return nil
}

func (c *MemoryConn) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *MemoryConn) wakeup() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryConn) loop(ctx context.Context, h Handler, sessionPresent bool, done chan struct{}) {
	defer close(done)

	c.flushOutgoing(ctx)
	h.HandleConnect(ctx, sessionPresent)

	// Messages received but never acknowledged on an earlier connection.
	if err := c.deliverStored(ctx, h); err != nil {
		c.log.Error("redeliver stored messages", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		packets := c.broker.take(c)
		for _, p := range packets {
			// Persist everything first: packets not processed before the
			// connection drops are redelivered from the store.
			if err := c.opts.Incoming.Put(ctx, p); err != nil {
				c.log.Error("store incoming packet", zap.String("packet_id", p.ID), zap.Error(err))
			}
		}
		for _, p := range packets {
			if ctx.Err() != nil {
				return
			}
			c.deliver(ctx, h, p)
		}
	}
}

func (c *MemoryConn) deliverStored(ctx context.Context, h Handler) error {
	packets, err := c.opts.Incoming.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if ctx.Err() != nil {
			return nil
		}
		c.deliver(ctx, h, p)
	}
	return nil
}

func (c *MemoryConn) deliver(ctx context.Context, h Handler, p store.Packet) {
	msg := Message{PacketID: p.ID, Topic: p.Topic, Payload: []byte(p.Payload)}
	if err := h.HandleMessage(ctx, msg); err != nil {
		c.log.Warn("message not acknowledged",
			zap.String("topic", p.Topic),
			zap.String("packet_id", p.ID),
			zap.Error(err))
		return
	}
	// Ack even if the connection is going down right now.
	if err := c.opts.Incoming.Delete(context.Background(), p.ID); err != nil {
		c.log.Error("ack incoming packet", zap.String("packet_id", p.ID), zap.Error(err))
	}
}

func (c *MemoryConn) flushOutgoing(ctx context.Context) {
	packets, err := c.opts.Outgoing.All(ctx)
	if err != nil {
		c.log.Error("load outgoing packets", zap.Error(err))
		return
	}
	for _, p := range packets {
		if err := c.broker.Publish(ctx, p.Topic, []byte(p.Payload)); err != nil {
			c.log.Warn("flush outgoing packet", zap.String("packet_id", p.ID), zap.Error(err))
			return
		}
		if err := c.opts.Outgoing.Delete(ctx, p.ID); err != nil {
			c.log.Error("delete outgoing packet", zap.String("packet_id", p.ID), zap.Error(err))
		}
	}
}
