package server

import "context"

// Store is one room's durable update log.
type Store interface {
	// Load returns every stored update in append order.
	Load(ctx context.Context) ([][]byte, error)
	// Append persists one update.
	Append(ctx context.Context, update []byte) error
	// Compact replaces the log with a single full-state update.
	Compact(ctx context.Context, state []byte) error
	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Backend opens per-room stores.
type Backend interface {
	Open(ctx context.Context, room string) (Store, error)
	// Exists reports whether room has persisted data. Only called for rooms not
	// currently open in this process.
	Exists(ctx context.Context, room string) (bool, error)
	Close() error
}
