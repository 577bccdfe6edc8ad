// Package cache mirrors a document to a local bbolt file so state survives
// restarts without the network.
//
// Each namespace is one file holding two buckets: "snapshot", a compacted
// full-state update, and "updates", an append-only log of incremental updates
// keyed by sequence. Open replays both into the document before returning.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	bolt "go.etcd.io/bbolt"

	"collabtext/journalsync/internal/doc"
	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/syncerr"
)

var (
	bucketSnapshot = []byte("snapshot")
	bucketUpdates  = []byte("updates")
	keyState       = []byte("state")
)

const (
	// compactEvery is the number of logged updates that triggers a snapshot rewrite.
	compactEvery = 500

	lockTimeout = 2 * time.Second
	queueSize   = 256
)

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("cache closed")

// Handle is an open namespace bound to one document.
type Handle struct {
	path   string
	db     *bolt.DB
	doc    *doc.Document
	logger *log.Logger

	synced chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	closed      bool
	writes      chan []byte
	unsubscribe func()
	logged      int
}

// Path returns the file backing namespace under dir.
func Path(dir, namespace string) string {
	return filepath.Join(dir, namespace+".db")
}

// Open loads the namespace into d and starts mirroring d's updates to disk.
func Open(dir, namespace string, d *doc.Document, logger *log.Logger) (*Handle, error) {
	logger = logging.OrNop(logger).With("namespace", namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, syncerr.New(syncerr.KindPersistence, "create cache dir", err)
	}

	path := Path(dir, namespace)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, syncerr.New(syncerr.KindPersistence, "open cache", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshot, bucketUpdates} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, syncerr.New(syncerr.KindPersistence, "init cache", err)
	}

	h := &Handle{
		path:   path,
		db:     db,
		doc:    d,
		logger: logger,
		synced: make(chan struct{}),
		done:   make(chan struct{}),
		writes: make(chan []byte, queueSize),
	}
	if err := h.load(); err != nil {
		db.Close()
		return nil, err
	}
	h.unsubscribe = d.OnUpdate(func(update []byte, origin any) {
		if origin == h {
			return
		}
		h.enqueue(update)
	})
	go h.writer()
	close(h.synced)
	return h, nil
}

// load applies the snapshot and then the update log. Undecodable records are skipped.
func (h *Handle) load() error {
	var records int
	err := h.db.View(func(tx *bolt.Tx) error {
		if state := tx.Bucket(bucketSnapshot).Get(keyState); state != nil {
			if err := h.doc.Apply(state, h); err != nil {
				h.logger.Warn("dropping unreadable cache snapshot", "err", err)
			}
		}
		return tx.Bucket(bucketUpdates).ForEach(func(k, v []byte) error {
			records++
			if err := h.doc.Apply(v, h); err != nil {
				h.logger.Warn("dropping unreadable cached update", "seq", binary.BigEndian.Uint64(k), "err", err)
			}
			return nil
		})
	})
	if err != nil {
		return syncerr.New(syncerr.KindPersistence, "load cache", err)
	}
	h.logged = records
	h.logger.Debug("cache loaded", "updates", records)
	return nil
}

// Synced is closed once the stored state has been applied to the document.
func (h *Handle) Synced() <-chan struct{} {
	return h.synced
}

func (h *Handle) enqueue(update []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.writes <- update
}

func (h *Handle) writer() {
	defer close(h.done)
	for update := range h.writes {
		if err := h.append(update); err != nil {
			h.logger.Warn("cache write failed", "err", err)
			continue
		}
		h.logged++
		if h.logged >= compactEvery {
			if err := h.compact(); err != nil {
				h.logger.Warn("cache compaction failed", "err", err)
				continue
			}
			h.logged = 0
		}
	}
}

func (h *Handle) append(update []byte) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, update)
	})
}

// compact replaces the log with a snapshot of the current document. Every logged
// update has already been applied to the document, so nothing is lost.
func (h *Handle) compact() error {
	state := h.doc.EncodeState()
	return h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshot).Put(keyState, state); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketUpdates); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketUpdates)
		return err
	})
}

// Close stops mirroring, lets queued writes finish and closes the file. Safe to call twice.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.unsubscribe()
	close(h.writes)
	h.mu.Unlock()

	<-h.done
	if err := h.db.Close(); err != nil {
		return syncerr.New(syncerr.KindPersistence, "close cache", err)
	}
	return nil
}

// Remove deletes the namespace's stored document. The device identity is kept.
// The namespace must not be open.
func Remove(dir, namespace string) error {
	if err := os.Remove(Path(dir, namespace)); err != nil && !os.IsNotExist(err) {
		return syncerr.New(syncerr.KindPersistence, "remove cache", fmt.Errorf("%s: %w", namespace, err))
	}
	return nil
}
