package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/erlorenz/pubrpc/wire"
)

// Handler serves a command. It returns the result published to the resolve
// topic, or an error published to the reject topic: a *Rejection verbatim,
// anything else as a generic status 500 rejection.
//
// ctx is canceled when the invocation is cancelled remotely or the Client is
// closed.
type Handler func(ctx context.Context, inv *Invocation) (wire.Payload, error)

type invocationState int32

const (
	statePending invocationState = iota
	stateCancelling
	stateSettled
)

// Invocation is one accepted request for a command.
type Invocation struct {
	command   string
	messageID string
	payload   wire.Payload
	cancelCtx context.CancelFunc

	// state decides, with a single compare-and-swap, whether the handler's
	// outcome or the cancel callback wins.
	state atomic.Int32

	mu       sync.Mutex
	onCancel func()
}

func newInvocation(command, messageID string, p wire.Payload, cancel context.CancelFunc) *Invocation {
	return &Invocation{
		command:   command,
		messageID: messageID,
		payload:   p,
		cancelCtx: cancel,
	}
}

// Command returns the name of the invoked command.
func (inv *Invocation) Command() string { return inv.command }

// MessageID returns the caller's correlation ID.
func (inv *Invocation) MessageID() string { return inv.messageID }

// Payload returns the request payload, including its messageId.
// It must not be modified.
func (inv *Invocation) Payload() wire.Payload { return inv.payload }

// OnCancel registers fn to run when the caller cancels the invocation.
// Without a callback, cancel requests are ignored. Registering after the
// invocation settled is a no-op, and a later registration replaces an
// earlier one.
func (inv *Invocation) OnCancel(fn func()) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if invocationState(inv.state.Load()) != statePending {
		return
	}
	inv.onCancel = fn
}

// settle claims the right to publish an outcome.
func (inv *Invocation) settle() bool {
	return inv.state.CompareAndSwap(int32(statePending), int32(stateSettled))
}

// beginCancel claims the invocation for cancellation and returns the
// callback to run. It fails without a callback or once settled.
func (inv *Invocation) beginCancel() (func(), bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.onCancel == nil {
		return nil, false
	}
	if !inv.state.CompareAndSwap(int32(statePending), int32(stateCancelling)) {
		return nil, false
	}
	return inv.onCancel, true
}

func (inv *Invocation) finishCancel() {
	inv.state.Store(int32(stateSettled))
	inv.cancelCtx()
}
