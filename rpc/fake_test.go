package rpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erlorenz/pubrpc/rpc"
	"github.com/erlorenz/pubrpc/transport"
	"github.com/erlorenz/pubrpc/wire"
)

type publish struct {
	topic   string
	payload wire.Payload
}

// fakeConn is a transport that records subscriptions and publishes.
// Inbound messages are injected by calling the Client's HandleMessage.
type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	subscribes   []string
	unsubscribes []string
	published    chan publish
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(chan publish, 64)}
}

func (f *fakeConn) Connect(ctx context.Context, h transport.Handler) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()

	h.HandleConnect(ctx, false)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeConn) Publish(ctx context.Context, topic string, payload []byte) error {
	p, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	f.published <- publish{topic: topic, payload: p}
	return nil
}

func (f *fakeConn) Subscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return transport.ErrNotConnected
	}
	f.subscribes = append(f.subscribes, topic)
	return nil
}

func (f *fakeConn) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return transport.ErrNotConnected
	}
	f.unsubscribes = append(f.unsubscribes, topic)
	return nil
}

// takeSubscribes returns and resets the recorded subscribes.
func (f *fakeConn) takeSubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.subscribes
	f.subscribes = nil
	return s
}

func (f *fakeConn) recordedUnsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.unsubscribes...)
}

func (f *fakeConn) nextPublish(t *testing.T) publish {
	t.Helper()

	select {
	case p := <-f.published:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	return publish{}
}

func (f *fakeConn) expectNoPublish(t *testing.T) {
	t.Helper()

	select {
	case p := <-f.published:
		t.Fatalf("unexpected publish to %s: %v", p.topic, p.payload)
	case <-time.After(150 * time.Millisecond):
	}
}

// newConnectedClient returns a connected Client on a fakeConn.
func newConnectedClient(t *testing.T, opts ...rpc.Option) (*rpc.Client, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	c := rpc.New(conn, opts...)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c, conn
}

// deliver hands payload on topic to c as an inbound message.
func deliver(t *testing.T, c *rpc.Client, topic string, p wire.Payload) {
	t.Helper()

	b, err := wire.Encode(p)
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(context.Background(), transportMessage(topic, b)))
}

func transportMessage(topic string, payload []byte) transport.Message {
	return transport.Message{PacketID: "1", Topic: topic, Payload: payload}
}
