package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/hub"
	"github.com/erlorenz/pubrpc/mux"
	"github.com/erlorenz/pubrpc/retry"
	"github.com/erlorenz/pubrpc/transport"
	"github.com/erlorenz/pubrpc/wire"
)

// Client serves and calls commands over one transport connection.
// It implements transport.Handler and is safe for concurrent use.
type Client struct {
	conn      transport.Conn
	log       *zap.Logger
	metrics   *Metrics
	newID     func() string
	onMessage MessageHook
	retryOpts []retry.Option

	retry  *retry.Engine
	mux    *mux.Multiplexer
	events *hub.Hub[EventKind, Event]

	// ctx lives until Close and parents every handler context.
	ctx    context.Context
	cancel context.CancelFunc

	// regMu serializes Register and Unregister, which span several
	// subscription changes.
	regMu sync.Mutex

	mu       sync.Mutex
	commands map[string]*command
	inflight map[invocationKey]*Invocation
	closed   bool
}

type invocationKey struct {
	command   string
	messageID string
}

var _ transport.Handler = (*Client)(nil)

// New creates a Client on conn. Call Connect to start it.
// The Client does not own conn: Close leaves it open.
func New(conn transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		log:      zap.NewNop(),
		newID:    newMessageID,
		events:   hub.New[EventKind, Event](),
		commands: make(map[string]*command),
		inflight: make(map[invocationKey]*Invocation),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.Named("rpc")
	c.retry = retry.New(c.retryOpts...)
	c.mux = mux.New(conn, mux.WithLogger(c.log))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c
}

// Connect connects the transport with the Client as its handler.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.conn.Connect(ctx, c)
}

// Close stops retrying deliveries and cancels the context of running
// handlers. It does not wait for them and does not close the transport.
// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.retry.Close()
	c.cancel()

	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// HandleConnect restores the subscriptions and emits EventConnect, followed
// by EventInit when no session was present.
func (c *Client) HandleConnect(ctx context.Context, sessionPresent bool) {
	if err := c.mux.HandleConnect(ctx, sessionPresent); err != nil {
		c.log.Error("restore subscriptions", zap.Error(err))
	}

	c.log.Info("connected", zap.Bool("session_present", sessionPresent))
	c.emit(ctx, Event{Kind: EventConnect, SessionPresent: sessionPresent})
	if !sessionPresent {
		c.emit(ctx, Event{Kind: EventInit})
	}
}

// HandleReconnect emits EventReconnect.
func (c *Client) HandleReconnect(ctx context.Context) {
	c.log.Info("reconnecting")
	c.emit(ctx, Event{Kind: EventReconnect})
}

// HandleMessage parses msg and delivers it to the message hook and the
// subscribers of its topic, retrying until they all succeed. Payloads that
// do not parse are reported as EventParseError and acknowledged.
func (c *Client) HandleMessage(ctx context.Context, msg transport.Message) error {
	p, err := wire.Decode(msg.Payload)
	if err != nil {
		c.metrics.parseError()
		c.log.Warn("malformed payload", zap.String("topic", msg.Topic), zap.Error(err))
		c.emit(ctx, Event{Kind: EventParseError, Topic: msg.Topic, Raw: msg.Payload, Err: err})
		return nil
	}

	attempt := func(ctx context.Context) error {
		if c.onMessage != nil {
			if err := c.onMessage(ctx, msg.Topic, p); err != nil {
				return err
			}
		}
		return c.mux.Dispatch(ctx, msg.Topic, p)
	}
	notify := func(err error, n int, next time.Duration) {
		c.metrics.retried()
		c.log.Warn("delivery failed, retrying",
			zap.String("topic", msg.Topic),
			zap.Int("attempt", n),
			zap.Duration("next", next),
			zap.Error(err))
		c.emit(ctx, Event{Kind: EventRetry, Topic: msg.Topic, Payload: p, Err: err, Attempt: n, Delay: next})
	}

	if err := c.retry.Do(ctx, attempt, notify); err != nil {
		c.metrics.deliveryAbandoned()
		c.log.Warn("delivery abandoned", zap.String("topic", msg.Topic), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe adds fn to the subscribers of topic. The broker subscription is
// made when topic gains its first subscriber and survives reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string, fn mux.Handler) (hub.HandlerID, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	return c.mux.Want(ctx, topic, fn)
}

// Unsubscribe removes a subscription made with Subscribe. The broker
// subscription ends with the last subscriber of topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string, id hub.HandlerID) error {
	return c.mux.Unwant(ctx, topic, id)
}

// Subscribed reports whether topic has at least one subscriber.
func (c *Client) Subscribed(topic string) bool {
	return c.mux.Wanted(topic)
}

// Topics returns every topic with at least one subscriber, sorted.
func (c *Client) Topics() []string {
	return c.mux.Topics()
}

// Publish encodes p and publishes it to topic.
func (c *Client) Publish(ctx context.Context, topic string, p wire.Payload) error {
	if c.isClosed() {
		return ErrClosed
	}
	b, err := wire.Encode(p)
	if err != nil {
		return err
	}
	return c.conn.Publish(ctx, topic, b)
}

// publishReliably publishes p, retrying until it succeeds or the Client is closed.
func (c *Client) publishReliably(topic string, p wire.Payload) error {
	b, err := wire.Encode(p)
	if err != nil {
		return err
	}

	publish := func(ctx context.Context) error {
		err := c.conn.Publish(ctx, topic, b)
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrPayloadTooLarge) {
			return retry.Permanent(err)
		}
		return err
	}
	notify := func(err error, n int, next time.Duration) {
		c.log.Warn("publish failed, retrying",
			zap.String("topic", topic),
			zap.Int("attempt", n),
			zap.Duration("next", next),
			zap.Error(err))
	}

	return c.retry.Do(c.ctx, publish, notify)
}
