// Package store persists unacknowledged transport packets.
//
// A transport keeps one store for inbound packets (received but not yet
// processed) and one for outbound packets (published but not yet accepted by
// the broker). Payloads are kept as text so the backing store never has to
// deal with raw binary.
//
// Two implementations are provided:
//   - MemoryStore: map-based, process lifetime only
//   - PostgresStore: table-backed, survives restarts
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a packet is not in the store.
	ErrNotFound = errors.New("store: packet not found")
)

// Packet is one unacknowledged message.
type Packet struct {
	// ID is unique within a store.
	ID string `json:"id"`
	// Seq orders packets; All returns them by ascending Seq.
	Seq uint64 `json:"seq"`
	// Topic the packet was published to.
	Topic string `json:"topic"`
	// Payload is the encoded message body, stored as text.
	Payload string `json:"payload"`
	// CreatedAt is set by Put when zero.
	CreatedAt time.Time `json:"created_at"`
}

// PacketStore is the put/get/delete/enumerate contract a transport needs.
type PacketStore interface {
	// Put stores p, replacing any packet with the same ID.
	Put(ctx context.Context, p Packet) error

	// Get returns the packet with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (Packet, error)

	// Delete removes a packet. Returns nil if it doesn't exist.
	Delete(ctx context.Context, id string) error

	// All returns every stored packet ordered by Seq.
	All(ctx context.Context) ([]Packet, error)

	// Clear removes every packet.
	Clear(ctx context.Context) error
}
