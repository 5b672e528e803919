package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of PacketStore.
// Many stores can share one table: each store owns the rows of its bucket,
// typically "<clientID>/incoming" and "<clientID>/outgoing".
type PostgresStore struct {
	pool      *pgxpool.Pool
	bucket    string
	tableName string
	schema    string
	unlogged  bool
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTableName sets the table name for the store.
// Default: "pubrpc_packets" ("pubrpc_packets_unlogged" with WithUnlogged)
func WithTableName(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.tableName = name
	}
}

// WithSchema sets the PostgreSQL schema for the table.
// Default: "public"
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) {
		s.schema = schema
	}
}

// WithUnlogged creates an UNLOGGED table. Writes are faster but packets are
// lost if the database crashes, which weakens the delivery guarantee.
// Default: false
func WithUnlogged(unlogged bool) PostgresOption {
	return func(s *PostgresStore) {
		s.unlogged = unlogged
	}
}

// NewPostgresStore creates a store for bucket backed by pool.
// The table must be created using CreateTable() before use.
// The pool is not closed by the store as it may be shared.
func NewPostgresStore(pool *pgxpool.Pool, bucket string, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:   pool,
		bucket: bucket,
		schema: "public",
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tableName == "" {
		s.tableName = "pubrpc_packets"
		if s.unlogged {
			s.tableName += "_unlogged"
		}
	}

	return s
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, s.tableName}.Sanitize()
}

// CreateTable creates the packet table and its ordering index.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	unloggedClause := ""
	if s.unlogged {
		unloggedClause = "UNLOGGED"
	}

	query := fmt.Sprintf(`
		CREATE %s TABLE IF NOT EXISTS %s (
			bucket TEXT NOT NULL,
			id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (bucket, id)
		)
	`, unloggedClause, s.table())

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}

	seqIdxName := s.tableName + "_seq_idx"
	seqIdxQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s ON %s (bucket, seq)
	`, pgx.Identifier{seqIdxName}.Sanitize(), s.table())

	_, err := s.pool.Exec(ctx, seqIdxQuery)
	return err
}

// Put stores p, replacing any packet with the same ID in this bucket.
func (s *PostgresStore) Put(ctx context.Context, p Packet) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (bucket, id, seq, topic, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bucket, id)
		DO UPDATE SET seq = EXCLUDED.seq, topic = EXCLUDED.topic, payload = EXCLUDED.payload
	`, s.table())

	_, err := s.pool.Exec(ctx, query, s.bucket, p.ID, int64(p.Seq), p.Topic, p.Payload, p.CreatedAt)
	return err
}

// Get returns the packet with the given ID or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Packet, error) {
	query := fmt.Sprintf(`
		SELECT id, seq, topic, payload, created_at FROM %s
		WHERE bucket = $1 AND id = $2
	`, s.table())

	p, err := scanPacket(s.pool.QueryRow(ctx, query, s.bucket, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, err
	}
	return p, nil
}

// Delete removes a packet. Returns nil if it doesn't exist.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND id = $2`, s.table())

	_, err := s.pool.Exec(ctx, query, s.bucket, id)
	return err
}

// All returns every packet of this bucket ordered by Seq.
func (s *PostgresStore) All(ctx context.Context) ([]Packet, error) {
	query := fmt.Sprintf(`
		SELECT id, seq, topic, payload, created_at FROM %s
		WHERE bucket = $1
		ORDER BY seq
	`, s.table())

	rows, err := s.pool.Query(ctx, query, s.bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	packets := make([]Packet, 0)
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}

	return packets, rows.Err()
}

// Clear removes every packet of this bucket.
func (s *PostgresStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1`, s.table())

	_, err := s.pool.Exec(ctx, query, s.bucket)
	return err
}

func scanPacket(row pgx.Row) (Packet, error) {
	var (
		p   Packet
		seq int64
	)
	if err := row.Scan(&p.ID, &seq, &p.Topic, &p.Payload, &p.CreatedAt); err != nil {
		return Packet{}, err
	}
	p.Seq = uint64(seq)
	return p, nil
}
