package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MaxNotifyPayload is the largest payload PostgreSQL accepts in NOTIFY.
const MaxNotifyPayload = 8000

// Postgres is a Conn that uses PostgreSQL's LISTEN/NOTIFY.
// It can distribute messages across processes connected to the same
// database, but it provides no durability: notifications sent while nobody
// listens are lost, and the server never keeps a session, so every connect
// is reported with sessionPresent false.
//
// Each subscribed topic holds a dedicated connection from the pool. When any
// of them fails, the whole Conn is considered down: listeners are torn down,
// HandleReconnect is reported and the pool is pinged with exponential
// backoff until the database answers again.
type Postgres struct {
	pool           *pgxpool.Pool
	log            *zap.Logger
	maxInterval    time.Duration
	dispatchBuffer int
	seq            atomic.Uint64

	mu        sync.Mutex
	listeners map[string]*topicListener
	disp      *dispatcher
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

// topicListener owns the LISTEN connection of a single topic.
type topicListener struct {
	topic  string
	cancel context.CancelFunc
}

// PostgresOption configures a Postgres connection.
type PostgresOption func(*Postgres)

// WithPostgresLogger sets the logger.
// Default: no-op logger
func WithPostgresLogger(log *zap.Logger) PostgresOption {
	return func(p *Postgres) {
		p.log = log
	}
}

// WithReconnectInterval caps the delay between reconnect attempts.
// Default: 12.8s
func WithReconnectInterval(max time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.maxInterval = max
	}
}

// NewPostgres creates a Postgres connection on top of pool.
// The pool must remain open for the lifetime of the connection and is not
// closed by Close.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:           pool,
		log:            zap.NewNop(),
		maxInterval:    12800 * time.Millisecond,
		dispatchBuffer: 64,
		listeners:      make(map[string]*topicListener),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("transport.postgres")

	return p
}

// Connect checks the database is reachable and starts delivering events to h.
func (p *Postgres) Connect(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("transport: nil handler")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.disp != nil {
		p.mu.Unlock()
		return nil
	}
	if err := p.pool.Ping(ctx); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("ping database: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.disp = newDispatcher(h, p.log, p.dispatchBuffer)
	p.connected = true
	runCtx, disp := p.ctx, p.disp
	p.mu.Unlock()

	go disp.run(runCtx)
	disp.connect(runCtx, false)

	p.log.Debug("connected")
	return nil
}

// Connected reports whether the database is reachable.
func (p *Postgres) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// Publish sends payload to every process listening on topic using pg_notify.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	closed, connected := p.closed, p.connected
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds the NOTIFY limit of %d", ErrPayloadTooLarge, len(payload), MaxNotifyPayload)
	}

	_, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload))
	return err
}

// Subscribe starts listening on topic with a dedicated connection.
// Subscribing a topic already listened to is a no-op.
func (p *Postgres) Subscribe(ctx context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.connected {
		return ErrNotConnected
	}
	if _, exists := p.listeners[topic]; exists {
		return nil
	}

	tl, err := p.listen(ctx, topic)
	if err != nil {
		return fmt.Errorf("listen on topic %q: %w", topic, err)
	}
	p.listeners[topic] = tl

	return nil
}

// Unsubscribe stops listening on topic.
func (p *Postgres) Unsubscribe(ctx context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.connected {
		return ErrNotConnected
	}

	if tl, exists := p.listeners[topic]; exists {
		tl.cancel()
		delete(p.listeners, topic)
	}

	return nil
}

// Close stops every listener and the delivery of events.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.closed = true
	p.connected = false
	p.stopListeners()
	if p.cancel != nil {
		p.cancel()
	}

	return nil
}

// listen acquires a connection, issues LISTEN and starts the receive loop.
// Must be called with p.mu held.
func (p *Postgres) listen(ctx context.Context, topic string) (*topicListener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}

	listenerCtx, cancel := context.WithCancel(p.ctx)
	tl := &topicListener{
		topic:  topic,
		cancel: cancel,
	}

	go p.receive(listenerCtx, tl, conn, p.disp)

	return tl, nil
}

// receive waits for notifications and hands them to the dispatcher.
func (p *Postgres) receive(ctx context.Context, tl *topicListener, conn *pgxpool.Conn, disp *dispatcher) {
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				release(conn)
				return
			}
			conn.Release()
			p.lost(tl.topic, err)
			return
		}

		disp.message(ctx, Message{
			PacketID: strconv.FormatUint(p.seq.Add(1), 10),
			Topic:    notification.Channel,
			Payload:  []byte(notification.Payload),
		})
	}
}

// release returns a listening connection to the pool without its LISTEN state.
func release(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			conn.Conn().Close(ctx)
		}
	}
	conn.Release()
}

// lost marks the connection down and starts reconnecting.
func (p *Postgres) lost(topic string, cause error) {
	p.mu.Lock()
	if p.closed || !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.stopListeners()
	runCtx, disp := p.ctx, p.disp
	p.mu.Unlock()

	p.log.Warn("connection lost", zap.String("topic", topic), zap.Error(cause))

	disp.reconnect(runCtx)
	go p.reconnect(runCtx, disp)
}

func (p *Postgres) reconnect(ctx context.Context, disp *dispatcher) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = p.maxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0

	ping := func() (struct{}, error) {
		return struct{}{}, p.pool.Ping(ctx)
	}
	notify := func(err error, next time.Duration) {
		p.log.Debug("reconnect attempt failed", zap.Duration("next", next), zap.Error(err))
	}

	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))
	if err != nil {
		// Closed while reconnecting.
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.connected = true
	p.mu.Unlock()

	p.log.Info("reconnected")
	disp.connect(ctx, false)
}

// stopListeners cancels every listener. Must be called with p.mu held.
func (p *Postgres) stopListeners() {
	for _, tl := range p.listeners {
		tl.cancel()
	}
	p.listeners = make(map[string]*topicListener)
}
