// Package mux turns one transport connection into many independent
// subscribers.
//
// Every topic has a set of handlers. The broker subscription of a topic
// exists exactly while that set is non-empty: the first Want subscribes, the
// last Unwant unsubscribes, and everything in between only touches the local
// set. When the transport reconnects, HandleConnect brings the broker back in
// line with the wanted set.
package mux

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/hub"
	"github.com/erlorenz/pubrpc/transport"
	"github.com/erlorenz/pubrpc/wire"
)

// Handler receives the payloads published to a wanted topic.
type Handler = hub.Handler[wire.Payload]

// Multiplexer is safe for concurrent use.
type Multiplexer struct {
	sub transport.Subscriber
	log *zap.Logger

	// mu serializes changes of the wanted set with the subscribe and
	// unsubscribe calls they cause, so concurrent Wants of one topic issue a
	// single subscribe.
	mu         sync.Mutex
	handlers   *hub.Hub[string, wire.Payload]
	subscribed map[string]struct{}
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
// Default: no-op logger
func WithLogger(log *zap.Logger) Option {
	return func(m *Multiplexer) {
		m.log = log
	}
}

// New creates a Multiplexer issuing its subscriptions on sub.
func New(sub transport.Subscriber, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		sub:        sub,
		log:        zap.NewNop(),
		handlers:   hub.New[string, wire.Payload](),
		subscribed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("mux")
	return m
}

// Want adds fn to the handlers of topic and returns its registration ID.
//
// If topic was not wanted before and the transport is connected, Want
// subscribes and returns once the broker confirmed it. If the subscribe
// fails, fn is removed again and the error is returned. While disconnected
// the subscribe is left to the next HandleConnect.
func (m *Multiplexer) Want(ctx context.Context, topic string, fn Handler) (hub.HandlerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.handlers.On(topic, fn)
	if m.handlers.Len(topic) > 1 {
		return id, nil
	}
	if _, ok := m.subscribed[topic]; ok {
		return id, nil
	}
	if !m.sub.Connected() {
		m.log.Debug("subscribe deferred", zap.String("topic", topic))
		return id, nil
	}

	if err := m.sub.Subscribe(ctx, topic); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			m.log.Debug("subscribe deferred", zap.String("topic", topic))
			return id, nil
		}
		m.handlers.Off(topic, id)
		return 0, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	m.subscribed[topic] = struct{}{}

	m.log.Debug("subscribed", zap.String("topic", topic))
	return id, nil
}

// Unwant removes the registration id from topic. When it was the last one and
// the transport is connected, the topic is unsubscribed. Removing an unknown
// registration is a no-op.
func (m *Multiplexer) Unwant(ctx context.Context, topic string, id hub.HandlerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.handlers.Off(topic, id) || m.handlers.Len(topic) > 0 {
		return nil
	}
	if _, ok := m.subscribed[topic]; !ok {
		return nil
	}
	if !m.sub.Connected() {
		// Cleaned up by HandleConnect if the session survives.
		return nil
	}

	if err := m.sub.Unsubscribe(ctx, topic); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	delete(m.subscribed, topic)

	m.log.Debug("unsubscribed", zap.String("topic", topic))
	return nil
}

// Wanted reports whether topic has at least one handler.
func (m *Multiplexer) Wanted(topic string) bool {
	return m.handlers.Len(topic) > 0
}

// Topics returns every wanted topic, sorted.
func (m *Multiplexer) Topics() []string {
	topics := m.handlers.Keys()
	slices.Sort(topics)
	return topics
}

// Dispatch runs every handler of topic with p, in registration order. The
// payload is shared between handlers and must not be modified. The returned
// error joins the errors of all failing handlers.
func (m *Multiplexer) Dispatch(ctx context.Context, topic string, p wire.Payload) error {
	return m.handlers.Emit(ctx, topic, p)
}

// HandleConnect reconciles the broker subscriptions with the wanted set.
//
// Without a session every wanted topic is subscribed again. With a resumed
// session the broker still holds the old subscriptions, so only topics wanted
// or abandoned while offline are subscribed or unsubscribed.
func (m *Multiplexer) HandleConnect(ctx context.Context, sessionPresent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !sessionPresent {
		m.subscribed = make(map[string]struct{})
	}

	var errs []error

	for topic := range m.subscribed {
		if m.handlers.Len(topic) > 0 {
			continue
		}
		if err := m.sub.Unsubscribe(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %q: %w", topic, err))
			continue
		}
		delete(m.subscribed, topic)
	}

	var subscribed int
	for _, topic := range m.Topics() {
		if _, ok := m.subscribed[topic]; ok {
			continue
		}
		if err := m.sub.Subscribe(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %q: %w", topic, err))
			continue
		}
		m.subscribed[topic] = struct{}{}
		subscribed++
	}

	m.log.Debug("subscriptions restored",
		zap.Bool("session_present", sessionPresent),
		zap.Int("subscribed", subscribed))

	return errors.Join(errs...)
}
