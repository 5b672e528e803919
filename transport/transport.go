// Package transport provides the publish/subscribe connections the RPC layer
// runs on.
//
// A Conn is a single logical connection to a broker. It publishes raw
// payloads, subscribes and unsubscribes topics, and reports everything that
// happens on the connection to one Handler: connects (with session
// presence), reconnect attempts and inbound messages. Inbound messages and
// lifecycle events are delivered one at a time, in order, from a single
// goroutine per connection. A message is acknowledged only when
// HandleMessage returns nil.
//
// Three implementations are provided:
//   - MemoryConn: in-process broker with persistent sessions, for tests,
//     development and single-process deployments
//   - Postgres: LISTEN/NOTIFY, multi-process
//   - Gossip: libp2p GossipSub, peer-to-peer
package transport

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed connection.
	ErrClosed = errors.New("transport: connection is closed")

	// ErrNotConnected is returned by Subscribe and Unsubscribe while the
	// connection is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrPayloadTooLarge is returned when a payload exceeds the broker limit.
	ErrPayloadTooLarge = errors.New("transport: payload too large")
)

// Message is one inbound publish.
type Message struct {
	// PacketID identifies the delivery within the connection.
	PacketID string
	Topic    string
	Payload  []byte
}

// Handler receives the events of a connection.
type Handler interface {
	// HandleConnect is called every time the connection is established.
	// sessionPresent reports whether the broker kept the previous session,
	// including its subscriptions.
	HandleConnect(ctx context.Context, sessionPresent bool)

	// HandleReconnect is called when the connection was lost and the
	// transport starts to re-establish it.
	HandleReconnect(ctx context.Context)

	// HandleMessage processes one inbound message. Returning nil
	// acknowledges it; an error leaves it unacknowledged so the transport
	// may deliver it again. ctx is canceled when the connection goes down.
	HandleMessage(ctx context.Context, msg Message) error
}

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends payload to topic. It returns once the broker accepted it.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber manages the broker-side subscriptions of a connection.
// Subscriptions are not reference counted: subscribing a topic twice is the
// same as subscribing it once.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error

	// Connected reports whether the connection is currently up.
	Connected() bool
}

// Conn is a connection to a broker.
type Conn interface {
	Publisher
	Subscriber

	// Connect establishes the connection and starts delivering events to h.
	Connect(ctx context.Context, h Handler) error

	// Close tears the connection down. Events stop being delivered.
	Close() error
}
