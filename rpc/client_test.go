package rpc_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erlorenz/pubrpc/retry"
	"github.com/erlorenz/pubrpc/rpc"
	"github.com/erlorenz/pubrpc/wire"
)

func echo(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
	return inv.Payload(), nil
}

func TestEcho(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)
	require.NoError(t, c.Register(ctx, "echo", echo))

	deliver(t, c, "echo/invoke", wire.Payload{"messageId": "abc", "value": 42})

	got := conn.nextPublish(t)
	assert.Equal(t, "echo/resolve", got.topic)
	assert.Equal(t, wire.Payload{"messageId": "abc", "value": float64(42)}, got.payload)
	conn.expectNoPublish(t)
}

func TestRegisterSubscribesInvokeAndCancel(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)
	conn.takeSubscribes()

	require.NoError(t, c.Register(ctx, "echo", echo))
	assert.Equal(t, []string{"echo/invoke", "echo/cancel"}, conn.takeSubscribes())
	assert.Equal(t, 1, c.Commands())
}

func TestRegisterTwice(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)
	require.NoError(t, c.Register(ctx, "echo", echo))

	err := c.Register(ctx, "echo", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
		return wire.Payload{"from": "second"}, nil
	})
	assert.ErrorIs(t, err, rpc.ErrCommandAlreadyRegistered)

	// The original handler stays active
	deliver(t, c, "echo/invoke", wire.Payload{"messageId": "1", "from": "first"})
	got := conn.nextPublish(t)
	assert.Equal(t, "first", got.payload["from"])
}

func TestRegisterInvalidName(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnectedClient(t)

	for _, name := range []string{"", "a/+", "echo/invoke", "#"} {
		err := c.Register(ctx, name, echo)
		assert.ErrorIs(t, err, rpc.ErrInvalidCommand, name)
	}
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)
	require.NoError(t, c.Register(ctx, "echo", echo))

	require.NoError(t, c.Unregister(ctx, "echo"))
	assert.ElementsMatch(t, []string{"echo/invoke", "echo/cancel"}, conn.recordedUnsubscribes())
	assert.False(t, c.Subscribed("echo/invoke"))
	assert.False(t, c.Subscribed("echo/cancel"))

	// Unknown names are a no-op, and the name can be registered again
	require.NoError(t, c.Unregister(ctx, "echo"))
	require.NoError(t, c.Register(ctx, "echo", echo))
}

func TestSlowInvocationCancelled(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	returned := make(chan struct{})
	require.NoError(t, c.Register(ctx, "slow", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
		defer close(returned)
		inv.OnCancel(func() { close(cancelled) })
		close(started)
		<-ctx.Done()
		return wire.Payload{"late": true}, nil
	}))

	deliver(t, c, "slow/invoke", wire.Payload{"messageId": "x"})
	<-started
	deliver(t, c, "slow/cancel", wire.Payload{"messageId": "x"})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel callback did not run")
	}
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("handler context was not canceled")
	}
	conn.expectNoPublish(t)
}

func TestCancelWithoutCallbackIsIgnored(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, c.Register(ctx, "job", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
		close(started)
		<-release
		return wire.Payload{"done": true}, nil
	}))

	deliver(t, c, "job/invoke", wire.Payload{"messageId": "1"})
	<-started
	deliver(t, c, "job/cancel", wire.Payload{"messageId": "1"})
	close(release)

	got := conn.nextPublish(t)
	assert.Equal(t, "job/resolve", got.topic)
}

func TestCancelUnknownOrSettled(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)

	var callbacks atomic.Int32
	require.NoError(t, c.Register(ctx, "echo", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
		inv.OnCancel(func() { callbacks.Add(1) })
		return inv.Payload(), nil
	}))

	deliver(t, c, "echo/cancel", wire.Payload{"messageId": "unknown"})
	deliver(t, c, "echo/cancel", wire.Payload{})

	deliver(t, c, "echo/invoke", wire.Payload{"messageId": "1"})
	assert.Equal(t, "echo/resolve", conn.nextPublish(t).topic)

	deliver(t, c, "echo/cancel", wire.Payload{"messageId": "1"})
	conn.expectNoPublish(t)
	assert.Equal(t, int32(0), callbacks.Load())
}

func TestDuplicateInvokeWhileInFlight(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)

	var calls atomic.Int32
	release := make(chan struct{})
	require.NoError(t, c.Register(ctx, "job", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}))

	deliver(t, c, "job/invoke", wire.Payload{"messageId": "1"})
	deliver(t, c, "job/invoke", wire.Payload{"messageId": "1"})
	close(release)

	got := conn.nextPublish(t)
	assert.Equal(t, wire.Payload{"messageId": "1"}, got.payload)
	conn.expectNoPublish(t)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvokeWithoutMessageIDIsIgnored(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)
	require.NoError(t, c.Register(ctx, "echo", echo))

	deliver(t, c, "echo/invoke", wire.Payload{"value": 1})
	conn.expectNoPublish(t)
}

func TestRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		fail      func() error
		want      wire.Payload
		errorLogs int
	}{
		{
			name: "Structured",
			fail: func() error { return rpc.Reject(404, "no such user") },
			want: wire.Payload{
				"messageId": "m1", "ok": false, "status": float64(404), "message": "no such user",
			},
			errorLogs: 0,
		},
		{
			name: "StructuredWithDetails",
			fail: func() error {
				return &rpc.Rejection{Status: 422, Message: "invalid", Details: wire.Payload{"field": "name"}}
			},
			want: wire.Payload{
				"messageId": "m1", "ok": false, "status": float64(422), "message": "invalid", "field": "name",
			},
			errorLogs: 0,
		},
		{
			name: "WrappedStructured",
			fail: func() error { return errors.Join(errors.New("context"), rpc.Reject(409, "conflict")) },
			want: wire.Payload{
				"messageId": "m1", "ok": false, "status": float64(409), "message": "conflict",
			},
			errorLogs: 0,
		},
		{
			name: "Unstructured",
			fail: func() error { return errors.New("database is down") },
			want: wire.Payload{
				"messageId": "m1", "ok": false, "status": float64(500), "message": "Error: database is down",
			},
			errorLogs: 1,
		},
		{
			name: "Panic",
			fail: func() error { panic("kaboom") },
			want: wire.Payload{
				"messageId": "m1", "ok": false, "status": float64(500), "message": "panic: kaboom",
			},
			errorLogs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			c, conn := newConnectedClient(t, rpc.WithLogger(zap.New(core)))
			require.NoError(t, c.Register(ctx, "user", func(ctx context.Context, inv *rpc.Invocation) (wire.Payload, error) {
				return nil, tt.fail()
			}))

			deliver(t, c, "user/invoke", wire.Payload{"messageId": "m1"})

			got := conn.nextPublish(t)
			assert.Equal(t, "user/reject", got.topic)
			assert.Equal(t, tt.want, got.payload)
			assert.Equal(t, tt.errorLogs, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
		})
	}
}

func TestCallWithoutSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("NoSubscriptions", func(t *testing.T) {
		c, conn := newConnectedClient(t)

		_, err := c.Call(ctx, "echo", wire.Payload{"a": 1})
		assert.ErrorIs(t, err, rpc.ErrCallWithNoSubscription)
		conn.expectNoPublish(t)
	})

	t.Run("OnlyResolve", func(t *testing.T) {
		c, conn := newConnectedClient(t)
		_, err := c.Subscribe(ctx, "echo/resolve", func(ctx context.Context, p wire.Payload) error { return nil })
		require.NoError(t, err)

		_, err = c.Call(ctx, "echo", wire.Payload{"a": 1})
		assert.ErrorIs(t, err, rpc.ErrCallWithNoSubscription)
		conn.expectNoPublish(t)
	})
}

func TestCallAndCancel(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t, rpc.WithMessageIDGenerator(func() string { return "id-1" }))

	nop := func(ctx context.Context, p wire.Payload) error { return nil }
	_, err := c.Subscribe(ctx, "echo/resolve", nop)
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "echo/reject", nop)
	require.NoError(t, err)

	call, err := c.Call(ctx, "echo", wire.Payload{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "id-1", call.MessageID())
	assert.Equal(t, "echo", call.Command())

	got := conn.nextPublish(t)
	assert.Equal(t, "echo/invoke", got.topic)
	assert.Equal(t, wire.Payload{"messageId": "id-1", "a": float64(1)}, got.payload)

	require.NoError(t, call.Cancel(ctx))
	got = conn.nextPublish(t)
	assert.Equal(t, "echo/cancel", got.topic)
	assert.Equal(t, wire.Payload{"messageId": "id-1"}, got.payload)
}

func TestDeliveryRetry(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnectedClient(t, rpc.WithRetry(
		retry.WithInitialInterval(2*time.Millisecond),
		retry.WithMaxInterval(time.Second),
	))

	var retries []rpc.Event
	c.On(rpc.EventRetry, func(ctx context.Context, ev rpc.Event) error {
		retries = append(retries, ev)
		return nil
	})

	var attempts, delivered int
	_, err := c.Subscribe(ctx, "jobs", func(ctx context.Context, p wire.Payload) error {
		attempts++
		if attempts <= 2 {
			return errors.New("not yet")
		}
		delivered++
		return nil
	})
	require.NoError(t, err)

	deliver(t, c, "jobs", wire.Payload{"n": 1})

	assert.Equal(t, 1, delivered)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Less(t, retries[0].Delay, retries[1].Delay)
	assert.Equal(t, "jobs", retries[0].Topic)
}

func TestMessageHookRunsInsideRetry(t *testing.T) {
	ctx := context.Background()

	var hookCalls int
	c, _ := newConnectedClient(t,
		rpc.WithRetry(retry.WithInitialInterval(time.Millisecond)),
		rpc.WithMessageHook(func(ctx context.Context, topic string, p wire.Payload) error {
			hookCalls++
			if hookCalls == 1 {
				return errors.New("hook failed")
			}
			return nil
		}),
	)

	var delivered int
	_, err := c.Subscribe(ctx, "jobs", func(ctx context.Context, p wire.Payload) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	deliver(t, c, "jobs", wire.Payload{})
	assert.Equal(t, 2, hookCalls)
	assert.Equal(t, 1, delivered)
}

func TestCloseAbandonsDelivery(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnectedClient(t, rpc.WithRetry(retry.WithInitialInterval(time.Millisecond)))

	_, err := c.Subscribe(ctx, "jobs", func(ctx context.Context, p wire.Payload) error {
		return errors.New("always failing")
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		b, _ := wire.Encode(wire.Payload{})
		done <- c.HandleMessage(ctx, transportMessage("jobs", b))
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, retry.ErrAbandoned)
	case <-time.After(time.Second):
		t.Fatal("delivery was not abandoned")
	}

	_, err = c.Subscribe(ctx, "other", func(ctx context.Context, p wire.Payload) error { return nil })
	assert.ErrorIs(t, err, rpc.ErrClosed)
}

func TestParseError(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnectedClient(t)

	var events []rpc.Event
	c.On(rpc.EventParseError, func(ctx context.Context, ev rpc.Event) error {
		events = append(events, ev)
		return nil
	})
	var delivered int
	_, err := c.Subscribe(ctx, "jobs", func(ctx context.Context, p wire.Payload) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	err = c.HandleMessage(ctx, transportMessage("jobs", []byte("not json")))
	assert.NoError(t, err, "malformed payloads are acknowledged")
	assert.Equal(t, 0, delivered)
	require.Len(t, events, 1)
	assert.Equal(t, "jobs", events[0].Topic)
	assert.ErrorIs(t, events[0].Err, wire.ErrMalformed)
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	c := rpc.New(newFakeConn())
	defer c.Close()

	var kinds []rpc.EventKind
	record := func(ctx context.Context, ev rpc.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}
	for _, kind := range []rpc.EventKind{rpc.EventConnect, rpc.EventInit, rpc.EventReconnect} {
		c.On(kind, record)
	}

	c.HandleConnect(ctx, false)
	c.HandleReconnect(ctx)
	c.HandleConnect(ctx, true)

	assert.Equal(t, []rpc.EventKind{
		rpc.EventConnect, rpc.EventInit, rpc.EventReconnect, rpc.EventConnect,
	}, kinds)
}

func TestReconnectResubscribes(t *testing.T) {
	ctx := context.Background()
	c, conn := newConnectedClient(t)

	nop := func(ctx context.Context, p wire.Payload) error { return nil }
	for _, topic := range []string{"a", "b"} {
		_, err := c.Subscribe(ctx, topic, nop)
		require.NoError(t, err)
	}
	require.NoError(t, c.Register(ctx, "c", echo))
	conn.takeSubscribes()

	// Resumed session: the broker kept everything
	c.HandleConnect(ctx, true)
	assert.Empty(t, conn.takeSubscribes())

	// Fresh session: everything is subscribed again, exactly once
	c.HandleConnect(ctx, false)
	assert.Equal(t, []string{"a", "b", "c/cancel", "c/invoke"}, conn.takeSubscribes())
}
