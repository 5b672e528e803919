package transport_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erlorenz/pubrpc/transport"
)

// recorder is a Handler that records everything it receives.
type recorder struct {
	connects   chan bool
	reconnects chan struct{}
	messages   chan transport.Message
	rejected   chan transport.Message

	// reject is the number of upcoming messages to leave unacknowledged.
	reject atomic.Int32

	onConnect func(ctx context.Context, sessionPresent bool)
}

func newRecorder() *recorder {
	return &recorder{
		connects:   make(chan bool, 16),
		reconnects: make(chan struct{}, 16),
		messages:   make(chan transport.Message, 64),
		rejected:   make(chan transport.Message, 64),
	}
}

func (r *recorder) HandleConnect(ctx context.Context, sessionPresent bool) {
	if r.onConnect != nil {
		r.onConnect(ctx, sessionPresent)
	}
	r.connects <- sessionPresent
}

func (r *recorder) HandleReconnect(ctx context.Context) {
	r.reconnects <- struct{}{}
}

func (r *recorder) HandleMessage(ctx context.Context, msg transport.Message) error {
	if r.reject.Load() > 0 {
		r.reject.Add(-1)
		r.rejected <- msg
		return errors.New("not now")
	}
	r.messages <- msg
	return nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	var zero T
	return zero
}

func expectNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// testConn runs a common test suite against any Conn implementation.
// createConn must return a connection that is not connected yet.
func testConn(t *testing.T, createConn func(t *testing.T) transport.Conn) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, conn transport.Conn)
	}{
		{"PublishWithNoSubscribers", testPublishWithNoSubscribers},
		{"SubscribeAndReceive", testSubscribeAndReceive},
		{"MultipleTopics", testMultipleTopics},
		{"Unsubscribe", testUnsubscribe},
		{"SubscribeIsIdempotent", testSubscribeIsIdempotent},
		{"Close", testClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := createConn(t)
			defer conn.Close()
			tt.test(t, conn)
		})
	}
}

func connect(t *testing.T, conn transport.Conn) *recorder {
	t.Helper()

	r := newRecorder()
	if err := conn.Connect(context.Background(), r); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if present := receive(t, r.connects); present {
		t.Error("first connect reported a present session")
	}
	return r
}

func testPublishWithNoSubscribers(t *testing.T, conn transport.Conn) {
	connect(t, conn)

	if err := conn.Publish(context.Background(), "test-topic", []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func testSubscribeAndReceive(t *testing.T, conn transport.Conn) {
	ctx := context.Background()
	r := connect(t, conn)

	if err := conn.Subscribe(ctx, "test-topic"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Give the subscription time to set up (especially for Postgres)
	time.Sleep(50 * time.Millisecond)

	if err := conn.Publish(ctx, "test-topic", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := receive(t, r.messages)
	if msg.Topic != "test-topic" {
		t.Errorf("Expected topic 'test-topic', got %q", msg.Topic)
	}
	if string(msg.Payload) != `{"n":1}` {
		t.Errorf("Expected payload %q, got %q", `{"n":1}`, msg.Payload)
	}
	if msg.PacketID == "" {
		t.Error("Expected a packet id")
	}
}

func testMultipleTopics(t *testing.T, conn transport.Conn) {
	ctx := context.Background()
	r := connect(t, conn)

	for _, topic := range []string{"topic-a", "topic-b"} {
		if err := conn.Subscribe(ctx, topic); err != nil {
			t.Fatalf("Subscribe %s failed: %v", topic, err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	conn.Publish(ctx, "topic-a", []byte(`"a"`))
	conn.Publish(ctx, "topic-b", []byte(`"b"`))
	conn.Publish(ctx, "topic-c", []byte(`"c"`))

	got := map[string]string{}
	for range 2 {
		msg := receive(t, r.messages)
		got[msg.Topic] = string(msg.Payload)
	}
	if got["topic-a"] != `"a"` || got["topic-b"] != `"b"` {
		t.Errorf("Unexpected messages: %v", got)
	}
	expectNothing(t, r.messages)
}

func testUnsubscribe(t *testing.T, conn transport.Conn) {
	ctx := context.Background()
	r := connect(t, conn)

	if err := conn.Subscribe(ctx, "test-topic"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := conn.Unsubscribe(ctx, "test-topic"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	conn.Publish(ctx, "test-topic", []byte("{}"))
	expectNothing(t, r.messages)
}

func testSubscribeIsIdempotent(t *testing.T, conn transport.Conn) {
	ctx := context.Background()
	r := connect(t, conn)

	for range 2 {
		if err := conn.Subscribe(ctx, "test-topic"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	conn.Publish(ctx, "test-topic", []byte("{}"))
	receive(t, r.messages)
	expectNothing(t, r.messages)
}

func testClose(t *testing.T, conn transport.Conn) {
	ctx := context.Background()
	connect(t, conn)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := conn.Publish(ctx, "test-topic", []byte("{}")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from Publish, got %v", err)
	}
	if err := conn.Subscribe(ctx, "test-topic"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from Subscribe, got %v", err)
	}
	if err := conn.Close(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed on double close, got %v", err)
	}
}
