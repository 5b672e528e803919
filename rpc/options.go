package rpc

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/retry"
	"github.com/erlorenz/pubrpc/wire"
)

// MessageHook runs for every inbound message inside the retried delivery
// attempt, before the subscribers of the topic. An error fails the attempt.
type MessageHook func(ctx context.Context, topic string, p wire.Payload) error

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
// Default: no-op logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRetry configures the delivery retry engine.
// Default: 100ms doubling up to 12.8s
func WithRetry(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// WithMetrics records Prometheus metrics in m.
// Default: no metrics
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithMessageIDGenerator sets the function generating the messageId of calls.
// Default: random UUIDs
func WithMessageIDGenerator(fn func() string) Option {
	return func(c *Client) {
		c.newID = fn
	}
}

// WithMessageHook sets a hook run for every inbound message.
func WithMessageHook(fn MessageHook) Option {
	return func(c *Client) {
		c.onMessage = fn
	}
}

func newMessageID() string {
	return uuid.NewString()
}
