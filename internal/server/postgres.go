package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS room_updates (
	room    TEXT   NOT NULL,
	seq     BIGSERIAL,
	payload BYTEA  NOT NULL,
	PRIMARY KEY (room, seq)
)`

// PostgresBackend keeps every room in one table, keyed by room name.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects and ensures the schema.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Open(ctx context.Context, room string) (Store, error) {
	return &postgresStore{pool: b.pool, room: room}, nil
}

func (b *PostgresBackend) Exists(ctx context.Context, room string) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM room_updates WHERE room = $1)`, room).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("room exists %s: %w", room, err)
	}
	return exists, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type postgresStore struct {
	pool *pgxpool.Pool
	room string
}

func (s *postgresStore) Load(ctx context.Context) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM room_updates WHERE room = $1 ORDER BY seq ASC`, s.room)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", s.room, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan room %s: %w", s.room, err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (s *postgresStore) Append(ctx context.Context, update []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO room_updates (room, payload) VALUES ($1, $2)`, s.room, update)
	if err != nil {
		return fmt.Errorf("append room %s: %w", s.room, err)
	}
	return nil
}

func (s *postgresStore) Compact(ctx context.Context, state []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("compact room %s: %w", s.room, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM room_updates WHERE room = $1`, s.room); err != nil {
		return fmt.Errorf("compact room %s: %w", s.room, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO room_updates (room, payload) VALUES ($1, $2)`, s.room, state); err != nil {
		return fmt.Errorf("compact room %s: %w", s.room, err)
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM room_updates WHERE room = $1`, s.room).Scan(&n)
	return n, err
}

func (s *postgresStore) Close() error {
	return nil
}
