package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRoomUpdates = []byte("updates")

const roomFile = "room.db"

// BoltBackend stores each room in its own bbolt file at root/<room>/room.db.
// Room names are validated before they reach the backend, so they are safe path segments.
type BoltBackend struct {
	root        string
	lockTimeout time.Duration
}

// NewBoltBackend creates root if needed.
func NewBoltBackend(root string) (*BoltBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &BoltBackend{root: root, lockTimeout: time.Second}, nil
}

func (b *BoltBackend) path(room string) string {
	return filepath.Join(b.root, room, roomFile)
}

func (b *BoltBackend) Open(ctx context.Context, room string) (Store, error) {
	if err := os.MkdirAll(filepath.Join(b.root, room), 0o755); err != nil {
		return nil, fmt.Errorf("create room dir: %w", err)
	}
	db, err := bolt.Open(b.path(room), 0o600, &bolt.Options{Timeout: b.lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", room, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoomUpdates)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init room %s: %w", room, err)
	}
	return &boltStore{db: db}, nil
}

func (b *BoltBackend) Exists(ctx context.Context, room string) (bool, error) {
	path := b.path(room)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: b.lockTimeout, ReadOnly: true})
	if err != nil {
		return false, fmt.Errorf("open room %s: %w", room, err)
	}
	defer db.Close()
	var exists bool
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRoomUpdates)
		if bucket == nil {
			return nil
		}
		k, _ := bucket.Cursor().First()
		exists = k != nil
		return nil
	})
	return exists, err
}

func (b *BoltBackend) Close() error {
	return nil
}

type boltStore struct {
	db *bolt.DB
}

func (s *boltStore) Load(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoomUpdates).ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

func (s *boltStore) Append(ctx context.Context, update []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putNext(tx.Bucket(bucketRoomUpdates), update)
	})
}

func (s *boltStore) Compact(ctx context.Context, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRoomUpdates); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(bucketRoomUpdates)
		if err != nil {
			return err
		}
		return putNext(bucket, state)
	})
}

func (s *boltStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRoomUpdates).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func putNext(bucket *bolt.Bucket, value []byte) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, value)
}
