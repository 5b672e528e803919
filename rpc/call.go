package rpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/wire"
)

// Call is a request published by Client.Call.
type Call struct {
	client    *Client
	command   string
	messageID string
}

// Command returns the called command.
func (call *Call) Command() string { return call.command }

// MessageID returns the correlation ID of the call. The outcome published to
// the command's resolve or reject topic carries the same messageId.
func (call *Call) MessageID() string { return call.messageID }

// Cancel asks the serving side to cancel the call. It is a no-op there if the
// call already settled or its handler did not register a cancel callback.
func (call *Call) Cancel(ctx context.Context) error {
	return call.client.Publish(ctx,
		wire.Topic(call.command, wire.ActionCancel),
		wire.Payload{wire.MessageIDKey: call.messageID})
}

// Call publishes a request for command with payload and returns without
// waiting for the outcome. The Client must already subscribe to the
// command's resolve and reject topics, otherwise Call fails with
// ErrCallWithNoSubscription and publishes nothing.
func (c *Client) Call(ctx context.Context, command string, payload wire.Payload) (*Call, error) {
	if err := validateCommand(command); err != nil {
		return nil, err
	}
	if !c.mux.Wanted(wire.Topic(command, wire.ActionResolve)) || !c.mux.Wanted(wire.Topic(command, wire.ActionReject)) {
		return nil, fmt.Errorf("%w: %q", ErrCallWithNoSubscription, command)
	}
	return c.call(ctx, command, payload, c.newID())
}

func (c *Client) call(ctx context.Context, command string, payload wire.Payload, messageID string) (*Call, error) {
	p := payload.With(wire.MessageIDKey, messageID)
	if err := c.Publish(ctx, wire.Topic(command, wire.ActionInvoke), p); err != nil {
		return nil, fmt.Errorf("publish invoke of %q: %w", command, err)
	}
	return &Call{client: c, command: command, messageID: messageID}, nil
}

type outcome struct {
	payload  wire.Payload
	resolved bool
}

// Invoke calls command and waits for its outcome. It subscribes to the
// resolve and reject topics for the duration of the call.
//
// A resolved call returns the result without its messageId. A rejected call
// returns a *Rejection. When ctx ends first, the call is cancelled remotely
// and ctx.Err() is returned.
func (c *Client) Invoke(ctx context.Context, command string, payload wire.Payload) (wire.Payload, error) {
	if err := validateCommand(command); err != nil {
		return nil, err
	}

	messageID := c.newID()
	outcomes := make(chan outcome, 1)
	match := func(resolved bool) func(ctx context.Context, p wire.Payload) error {
		return func(ctx context.Context, p wire.Payload) error {
			if id, _ := p.MessageID(); id == messageID {
				select {
				case outcomes <- outcome{payload: p, resolved: resolved}:
				default:
				}
			}
			return nil
		}
	}

	// Subscriptions are released even if ctx is already done.
	cleanupCtx := context.WithoutCancel(ctx)

	resolveTopic := wire.Topic(command, wire.ActionResolve)
	resolveID, err := c.Subscribe(ctx, resolveTopic, match(true))
	if err != nil {
		return nil, err
	}
	defer c.Unsubscribe(cleanupCtx, resolveTopic, resolveID)

	rejectTopic := wire.Topic(command, wire.ActionReject)
	rejectID, err := c.Subscribe(ctx, rejectTopic, match(false))
	if err != nil {
		return nil, err
	}
	defer c.Unsubscribe(cleanupCtx, rejectTopic, rejectID)

	call, err := c.call(ctx, command, payload, messageID)
	if err != nil {
		return nil, err
	}

	select {
	case o := <-outcomes:
		if !o.resolved {
			return nil, RejectionFromPayload(o.payload)
		}
		result := o.payload.Clone()
		delete(result, wire.MessageIDKey)
		return result, nil
	case <-ctx.Done():
		if err := call.Cancel(cleanupCtx); err != nil {
			c.log.Warn("cancel call", zap.String("command", command), zap.String("message_id", messageID), zap.Error(err))
		}
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}
