package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/hub"
	"github.com/erlorenz/pubrpc/wire"
)

type command struct {
	name     string
	fn       Handler
	invokeID hub.HandlerID
	cancelID hub.HandlerID
}

// Register serves the command name with fn and subscribes its invoke and
// cancel topics. While disconnected, the topics are subscribed on the next
// connect. Registering a name twice fails with ErrCommandAlreadyRegistered.
func (c *Client) Register(ctx context.Context, name string, fn Handler) error {
	if err := validateCommand(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidCommand, name)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.commands[name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCommandAlreadyRegistered, name)
	}
	cmd := &command{name: name, fn: fn}
	c.commands[name] = cmd
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.commands, name)
		c.mu.Unlock()
	}

	invokeID, err := c.mux.Want(ctx, wire.Topic(name, wire.ActionInvoke), c.handleInvoke(cmd))
	if err != nil {
		unregister()
		return err
	}
	cancelID, err := c.mux.Want(ctx, wire.Topic(name, wire.ActionCancel), c.handleCancel(cmd))
	if err != nil {
		c.mux.Unwant(ctx, wire.Topic(name, wire.ActionInvoke), invokeID)
		unregister()
		return err
	}
	cmd.invokeID, cmd.cancelID = invokeID, cancelID

	c.log.Debug("command registered", zap.String("command", name))
	return nil
}

// Unregister stops serving name and unsubscribes its invoke and cancel
// topics together. Invocations already running still settle. Unregistering
// an unknown name is a no-op.
func (c *Client) Unregister(ctx context.Context, name string) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.Lock()
	cmd, exists := c.commands[name]
	delete(c.commands, name)
	c.mu.Unlock()

	if !exists {
		return nil
	}

	c.log.Debug("command unregistered", zap.String("command", name))
	return errors.Join(
		c.mux.Unwant(ctx, wire.Topic(name, wire.ActionInvoke), cmd.invokeID),
		c.mux.Unwant(ctx, wire.Topic(name, wire.ActionCancel), cmd.cancelID),
	)
}

// Commands returns the number of registered commands.
func (c *Client) Commands() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.commands)
}

func validateCommand(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	if strings.ContainsAny(name, "+#") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidCommand, name)
	}
	if _, _, ok := wire.SplitTopic(name); ok {
		return fmt.Errorf("%w: %q ends with a reserved action", ErrInvalidCommand, name)
	}
	return nil
}

// handleInvoke starts an invocation of cmd. The message is acknowledged as
// soon as the handler runs; its outcome is published separately.
func (c *Client) handleInvoke(cmd *command) func(ctx context.Context, p wire.Payload) error {
	return func(ctx context.Context, p wire.Payload) error {
		id, ok := p.MessageID()
		if !ok {
			c.log.Warn("invoke without message id", zap.String("command", cmd.name))
			return nil
		}

		key := invocationKey{command: cmd.name, messageID: id}

		c.mu.Lock()
		if c.closed || c.commands[cmd.name] != cmd {
			c.mu.Unlock()
			return nil
		}
		if _, running := c.inflight[key]; running {
			c.mu.Unlock()
			c.log.Debug("duplicate invoke ignored", zap.String("command", cmd.name), zap.String("message_id", id))
			return nil
		}
		hctx, cancel := context.WithCancel(c.ctx)
		inv := newInvocation(cmd.name, id, p, cancel)
		c.inflight[key] = inv
		c.mu.Unlock()

		c.metrics.invocationStarted()
		go c.serve(hctx, cmd, inv, key)

		return nil
	}
}

func (c *Client) serve(ctx context.Context, cmd *command, inv *Invocation, key invocationKey) {
	start := time.Now()
	defer func() {
		inv.cancelCtx()
		c.forget(key, inv)
		c.metrics.invocationDone(cmd.name, time.Since(start))
	}()

	result, err := runHandler(ctx, cmd.fn, inv)

	if !inv.settle() {
		// Cancelled while running: nothing may be published.
		return
	}

	log := c.log.With(zap.String("command", cmd.name), zap.String("message_id", inv.messageID))

	var (
		topic   string
		payload wire.Payload
		outcome string
	)
	var rej *Rejection
	switch {
	case err == nil:
		topic = wire.Topic(cmd.name, wire.ActionResolve)
		payload = result.With(wire.MessageIDKey, inv.messageID)
		outcome = OutcomeResolved
	case errors.As(err, &rej):
		topic = wire.Topic(cmd.name, wire.ActionReject)
		payload = rej.Payload(inv.messageID)
		outcome = OutcomeRejected
	default:
		log.Error("command failed", zap.Error(err))
		topic = wire.Topic(cmd.name, wire.ActionReject)
		payload = internalRejection(errorKind(err), err).Payload(inv.messageID)
		outcome = OutcomeFailed
	}

	c.metrics.invocationSettled(cmd.name, outcome)
	if err := c.publishReliably(topic, payload); err != nil {
		log.Warn("outcome not published", zap.String("outcome", outcome), zap.Error(err))
	}
}

// runHandler calls fn, turning a panic into an error.
func runHandler(ctx context.Context, fn Handler, inv *Invocation) (result wire.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx, inv)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprint(e.value) }

func errorKind(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "panic"
	}
	return "Error"
}

func (c *Client) handleCancel(cmd *command) func(ctx context.Context, p wire.Payload) error {
	return func(ctx context.Context, p wire.Payload) error {
		id, ok := p.MessageID()
		if !ok {
			return nil
		}
		key := invocationKey{command: cmd.name, messageID: id}

		c.mu.Lock()
		inv := c.inflight[key]
		c.mu.Unlock()

		if inv == nil {
			return nil
		}
		onCancel, ok := inv.beginCancel()
		if !ok {
			return nil
		}

		c.runCancel(cmd.name, id, onCancel)
		inv.finishCancel()
		c.forget(key, inv)
		c.metrics.invocationSettled(cmd.name, OutcomeCancelled)

		c.log.Debug("invocation cancelled", zap.String("command", cmd.name), zap.String("message_id", id))
		return nil
	}
}

func (c *Client) runCancel(command, messageID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cancel callback panicked",
				zap.String("command", command),
				zap.String("message_id", messageID),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// forget drops inv from the in-flight table if it is still the entry for key.
func (c *Client) forget(key invocationKey, inv *Invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] == inv {
		delete(c.inflight, key)
	}
}
