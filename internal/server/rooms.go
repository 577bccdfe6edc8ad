package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/roomname"
	"collabtext/journalsync/internal/syncerr"
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("rooms closed")

// openTimeout bounds loading one room. The load is shared by every caller
// waiting on that room, so it does not follow any single caller's context.
const openTimeout = 30 * time.Second

// Rooms lazily opens rooms on first reference and closes them when the last
// holder releases them. The mutex guards only the map; loading a room happens
// outside it, so a slow store never stalls other rooms.
type Rooms struct {
	backend Backend
	fanout  Fanout
	logger  *log.Logger
	opening singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewRooms serves rooms from backend. fanout may be nil.
func NewRooms(backend Backend, fanout Fanout, logger *log.Logger) *Rooms {
	return &Rooms{
		backend: backend,
		fanout:  fanout,
		logger:  logging.OrNop(logger),
		rooms:   make(map[string]*Room),
	}
}

// Acquire returns the room for raw, opening it if needed. Each successful call must
// be paired with Release.
func (m *Rooms) Acquire(ctx context.Context, raw string) (*Room, error) {
	name, err := roomname.Normalize(raw)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if r, ok := m.rooms[name]; ok {
			r.refs++
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()

		v, err, _ := m.opening.Do(name, func() (any, error) {
			openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), openTimeout)
			defer cancel()
			return m.open(openCtx, name)
		})
		if err != nil {
			return nil, err
		}
		r := v.(*Room)
		m.mu.Lock()
		if m.rooms[r.name] == r {
			r.refs++
			m.mu.Unlock()
			return r, nil
		}
		// Released and closed before we could take a reference.
		m.mu.Unlock()
	}
}

// open loads name and registers it with no references.
func (m *Rooms) open(ctx context.Context, name string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[name]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	logger := m.logger.With("room", name)
	store, err := m.backend.Open(ctx, name)
	if err != nil {
		logger.Error("open room store failed", "err", err)
		return nil, syncerr.New(syncerr.KindPersistence, "open room", err)
	}
	r, err := openRoom(ctx, name, store, m.fanout, logger)
	if err != nil {
		store.Close()
		logger.Error("load room failed", "err", err)
		return nil, syncerr.New(syncerr.KindPersistence, "open room", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		r.close()
		return nil, ErrClosed
	}
	m.rooms[name] = r
	m.mu.Unlock()
	return r, nil
}

// Release drops one reference. The last release closes the room and flushes its store.
func (m *Rooms) Release(r *Room) {
	m.mu.Lock()
	r.refs--
	if r.refs > 0 || m.rooms[r.name] != r {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, r.name)
	m.mu.Unlock()

	if err := r.close(); err != nil {
		r.logger.Warn("close room store failed", "err", err)
	}
}

// Exists reports whether room has persisted data, whether or not it is open.
func (m *Rooms) Exists(ctx context.Context, raw string) (bool, error) {
	name, err := roomname.Normalize(raw)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	r, open := m.rooms[name]
	if open {
		r.refs++
	}
	m.mu.Unlock()

	if open {
		defer m.Release(r)
		exists, err := r.HasData(ctx)
		if err != nil {
			return false, syncerr.New(syncerr.KindPersistence, "room exists", err)
		}
		return exists, nil
	}
	exists, err := m.backend.Exists(ctx, name)
	if err != nil {
		return false, syncerr.New(syncerr.KindPersistence, "room exists", fmt.Errorf("%s: %w", name, err))
	}
	return exists, nil
}

// Open returns the number of loaded rooms.
func (m *Rooms) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close shuts every room and the backend.
func (m *Rooms) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.fanout != nil {
		errs = append(errs, m.fanout.Close())
	}
	errs = append(errs, m.backend.Close())
	return errors.Join(errs...)
}
