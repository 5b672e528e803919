package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory PacketStore.
// It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Packet
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Packet),
	}
}

// Put stores p, replacing any packet with the same ID.
func (s *MemoryStore) Put(ctx context.Context, p Packet) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[p.ID] = p
	return nil
}

// Get returns the packet with the given ID or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (Packet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return Packet{}, ErrNotFound
	}
	return p, nil
}

// Delete removes a packet. Returns nil if it doesn't exist.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// All returns every stored packet ordered by Seq.
func (s *MemoryStore) All(ctx context.Context) ([]Packet, error) {
	s.mu.RLock()
	packets := make([]Packet, 0, len(s.data))
	for _, p := range s.data {
		packets = append(packets, p)
	}
	s.mu.RUnlock()

	slices.SortFunc(packets, func(a, b Packet) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return packets, nil
}

// Clear removes every packet.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]Packet)
	return nil
}

// Len returns the number of stored packets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}
