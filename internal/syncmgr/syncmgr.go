// Package syncmgr composes a document, its local cache and a transport pool
// into one long-lived client session.
//
// A Session owns its document. The cache handle and the pool are borrowed
// resources released by Teardown. Reads and writes are synchronous against the
// in-memory document; persistence and replication follow asynchronously.
package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"collabtext/journalsync/internal/cache"
	"collabtext/journalsync/internal/doc"
	"collabtext/journalsync/internal/journal"
	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/roomname"
	"collabtext/journalsync/internal/syncerr"
	"collabtext/journalsync/internal/transport"
)

// Keys of the top-level sync record.
const (
	SyncMap         = "sync"
	KeyData         = "data"
	KeyLastModified = "lastModified"
	KeyDeviceID     = "deviceId"
)

// DefaultNamespace is the cache namespace used when none is configured.
const DefaultNamespace = "journal"

var (
	// ErrEnvironment means a required facility is missing from this runtime.
	ErrEnvironment = errors.New("sync requires an interactive environment")
	// ErrTornDown is returned by writes after Teardown.
	ErrTornDown = errors.New("session torn down")
)

// Cache is an open local store mirroring a document.
type Cache interface {
	Synced() <-chan struct{}
	Close() error
}

// Facilities are the runtime capabilities a session is built from.
type Facilities struct {
	NewDocument func() *doc.Document
	OpenCache   func(dir, namespace string, d *doc.Document, logger *log.Logger) (Cache, error)
	Dial        transport.Dialer
}

// DefaultFacilities uses the bbolt cache and the gorilla dialer.
func DefaultFacilities() *Facilities {
	return &Facilities{
		NewDocument: func() *doc.Document { return doc.New("") },
		OpenCache: func(dir, namespace string, d *doc.Document, logger *log.Logger) (Cache, error) {
			return cache.Open(dir, namespace, d, logger)
		},
	}
}

// Config is everything Create needs.
type Config struct {
	Endpoints []string
	// Room is the journal name. Empty means offline only.
	Room string
	// CacheDir holds the namespace files and the device identity. Empty means memory-only.
	CacheDir  string
	Namespace string
	Logger    *log.Logger
	// Facilities defaults to DefaultFacilities when nil.
	Facilities *Facilities
	// NewBackOff overrides the reconnect policy.
	NewBackOff func() backoff.BackOff
}

// Change describes one batch of writes to the sync record.
type Change struct {
	Keys  []string
	Local bool
}

// Status is a snapshot of the session's health.
type Status struct {
	Available          bool                       `json:"available"`
	Connected          bool                       `json:"connected"`
	DeviceID           string                     `json:"deviceId"`
	LastModified       int64                      `json:"lastModified"`
	ConnectionAttempts int                        `json:"connectionAttempts"`
	Errors             []transport.ErrorRecord    `json:"errors"`
	Providers          []transport.ProviderStatus `json:"providers"`
	ConnectedCount     int                        `json:"connectedCount"`
	TotalProviders     int                        `json:"totalProviders"`
	State              State                      `json:"state"`
	Room               string                     `json:"room"`
	MemoryOnly         bool                       `json:"memoryOnly"`
}

// memoryDeviceID backs GetDeviceID when nothing can be persisted.
var memoryDeviceID = sync.OnceValue(uuid.NewString)

// Session is one client's replicated journal.
type Session struct {
	cfg        Config
	facilities *Facilities
	logger     *log.Logger
	errors     *transport.ErrorLog
	ready      chan struct{}

	// lifecycle serializes SwitchRoom and Teardown.
	lifecycle sync.Mutex

	mu            sync.Mutex
	state         State
	doc           *doc.Document
	cache         Cache
	pool          *transport.Pool
	room          string
	memoryOnly    bool
	deviceID      string
	unobserve     func()
	unwatchStatus func()

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Change)
}

// Create builds a session, loads the local cache and starts connecting.
// It fails only when a facility is missing or the configuration is invalid;
// unreachable relays and an unusable cache degrade the session instead.
func Create(cfg Config) (*Session, error) {
	facilities := cfg.Facilities
	if facilities == nil {
		facilities = DefaultFacilities()
	}
	if facilities.NewDocument == nil || facilities.OpenCache == nil {
		return nil, syncerr.New(syncerr.KindEnvironment, "create session", ErrEnvironment)
	}
	var room string
	if cfg.Room != "" {
		name, err := roomname.Normalize(cfg.Room)
		if err != nil {
			return nil, err
		}
		room = name
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	s := &Session{
		cfg:        cfg,
		facilities: facilities,
		logger:     logging.OrNop(cfg.Logger).With("namespace", cfg.Namespace),
		errors:     transport.NewErrorLog(transport.DefaultErrorLogSize),
		ready:      make(chan struct{}),
		state:      Initializing,
		room:       room,
		subs:       make(map[int]func(Change)),
	}

	s.attach(facilities.NewDocument())
	s.mu.Lock()
	s.state = ReadyOffline
	s.mu.Unlock()
	close(s.ready)
	s.connect()
	s.logger.Info("session ready", "room", room, "memory_only", s.MemoryOnly())
	return s, nil
}

// attach makes d the session's document and loads the cache into it.
func (s *Session) attach(d *doc.Document) {
	unobserve := d.Map(SyncMap).Observe(s.dispatch)

	var h Cache
	if s.cfg.CacheDir != "" {
		var err error
		h, err = s.facilities.OpenCache(s.cfg.CacheDir, s.cfg.Namespace, d, s.logger)
		if err != nil {
			s.logger.Warn("cache unavailable, running memory-only", "err", err)
			s.errors.Add("cache", err)
			h = nil
		} else {
			<-h.Synced()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = d
	s.unobserve = unobserve
	s.cache = h
	s.memoryOnly = h == nil
}

// detach stops observing the document and closes the cache.
func (s *Session) detach() error {
	s.mu.Lock()
	unobserve, h := s.unobserve, s.cache
	s.unobserve, s.cache = nil, nil
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if h == nil {
		return nil
	}
	return h.Close()
}

func (s *Session) connect() {
	s.mu.Lock()
	room, d := s.room, s.doc
	s.mu.Unlock()

	var endpoints []string
	if room != "" {
		endpoints = s.cfg.Endpoints
	}
	pool := transport.Connect(context.Background(), room, endpoints, d, transport.Options{
		Dialer:     s.facilities.Dial,
		Logger:     s.logger,
		Errors:     s.errors,
		NewBackOff: s.cfg.NewBackOff,
	})
	unwatch := pool.OnStatus(func(transport.Status) { s.statusChanged(pool) })

	s.mu.Lock()
	s.pool = pool
	s.unwatchStatus = unwatch
	s.mu.Unlock()
	// A member may have come up before the subscription existed.
	s.statusChanged(pool)
}

// statusChanged re-reads the pool under s.mu, so callbacks delivered out of
// order can never leave a stale state behind.
func (s *Session) statusChanged(pool *transport.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != pool || s.state == TornDown {
		return
	}
	next := ReadyOffline
	if pool.Status().Connected {
		next = ReadyConnected
	}
	if next != s.state {
		s.logger.Debug("session state", "from", s.state, "to", next)
		s.state = next
	}
}

// disconnect closes the pool. It must not run under s.mu: members report status
// changes through statusChanged while they shut down.
func (s *Session) disconnect() {
	s.mu.Lock()
	pool, unwatch := s.pool, s.unwatchStatus
	s.pool, s.unwatchStatus = nil, nil
	if s.state == ReadyConnected {
		s.state = ReadyOffline
	}
	s.mu.Unlock()

	if pool == nil {
		return
	}
	unwatch()
	pool.Close()
}

func (s *Session) dispatch(ev doc.MapEvent) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, id := range sortedIDs(s.subs) {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	change := Change{Keys: ev.Keys, Local: ev.Origin == s}
	for _, fn := range fns {
		fn(change)
	}
}

// WaitReady blocks until the initial cache load has finished.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Document returns the current document. SwitchRoom with ModeReplace swaps it.
func (s *Session) Document() *doc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Journal returns typed views over the current document.
func (s *Session) Journal() *journal.Store {
	return journal.New(s.Document())
}

// Room returns the normalized room the session replicates to.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Endpoints returns the configured relays.
func (s *Session) Endpoints() []string {
	return append([]string(nil), s.cfg.Endpoints...)
}

// HasLocalState reports whether the document holds user data: journal entries,
// character fields or an application payload. Settings and cached summaries do not count.
func (s *Session) HasLocalState() bool {
	d := s.Document()
	for _, name := range []string{journal.MapJournal, journal.MapCharacter, SyncMap} {
		if d.Map(name).Len() > 0 {
			return true
		}
	}
	return false
}

// GetData returns the application payload, if one has been written.
func (s *Session) GetData() (json.RawMessage, bool) {
	v, ok := s.Document().Map(SyncMap).Get(KeyData)
	if !ok {
		return nil, false
	}
	return v.Raw(), true
}

// SetData writes payload together with the modification time and device id as one update.
func (s *Session) SetData(payload any) error {
	s.mu.Lock()
	if s.state == TornDown {
		s.mu.Unlock()
		return syncerr.New(syncerr.KindEnvironment, "set data", ErrTornDown)
	}
	d := s.doc
	s.mu.Unlock()

	deviceID := s.GetDeviceID()
	now := time.Now().UnixMilli()
	return d.Transact(s, func(tx *doc.Txn) {
		tx.Set(SyncMap, KeyData, payload)
		tx.Set(SyncMap, KeyLastModified, now)
		tx.Set(SyncMap, KeyDeviceID, deviceID)
	})
}

// OnChange registers fn for every batch touching the sync record, local or remote.
func (s *Session) OnChange(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// GetDeviceID returns the installation identity, creating and persisting it on first use.
func (s *Session) GetDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID != "" {
		return s.deviceID
	}
	if s.cfg.CacheDir == "" {
		s.deviceID = memoryDeviceID()
		return s.deviceID
	}
	id, err := cache.DeviceID(s.cfg.CacheDir)
	if err != nil {
		s.logger.Warn("device id not persisted", "err", err)
		s.errors.Add("cache", err)
		id = memoryDeviceID()
	}
	s.deviceID = id
	return id
}

// GetStatus returns a snapshot of the session.
func (s *Session) GetStatus() Status {
	deviceID := s.GetDeviceID()

	s.mu.Lock()
	st := Status{
		Available:  true,
		DeviceID:   deviceID,
		State:      s.state,
		Room:       s.room,
		MemoryOnly: s.memoryOnly,
		Providers:  []transport.ProviderStatus{},
	}
	pool, d := s.pool, s.doc
	s.mu.Unlock()

	if pool != nil {
		ps := pool.Status()
		st.Connected = ps.Connected
		st.Providers = ps.Providers
		st.ConnectedCount = ps.ConnectedCount
		st.TotalProviders = ps.Total
		st.ConnectionAttempts = ps.Attempts
	}
	if v, ok := d.Map(SyncMap).Get(KeyLastModified); ok {
		_ = v.Decode(&st.LastModified)
	}
	st.Errors = s.errors.Records()
	return st
}

// MemoryOnly reports whether the session runs without a local cache.
func (s *Session) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

// Errors returns the session's rolling error log.
func (s *Session) Errors() *transport.ErrorLog {
	return s.errors
}

// SwitchRoom points the session at room. ModeMerge keeps the document and lets
// the merge reconcile it with the room. ModeReplace discards local state, clears
// the cache namespace and syncs fresh from the room. The name is stored verbatim
// in settings and used normalized on the wire.
func (s *Session) SwitchRoom(ctx context.Context, room string, mode Mode) error {
	name, err := roomname.Normalize(room)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.State() == TornDown {
		return syncerr.New(syncerr.KindEnvironment, "switch room", ErrTornDown)
	}

	s.disconnect()
	if mode == ModeReplace {
		if err := s.detach(); err != nil {
			s.logger.Warn("closing cache before replace", "err", err)
		}
		if s.cfg.CacheDir != "" {
			if err := cache.Remove(s.cfg.CacheDir, s.cfg.Namespace); err != nil {
				s.logger.Warn("clearing cache failed", "err", err)
				s.errors.Add("cache", err)
			}
		}
		s.attach(s.facilities.NewDocument())
	}

	s.mu.Lock()
	s.room = name
	d := s.doc
	s.mu.Unlock()
	if err := d.Map(journal.MapSettings).Set(journal.SettingJournalName, room); err != nil {
		return err
	}
	s.connect()
	s.logger.Info("room switched", "room", name, "mode", mode)
	return nil
}

// Teardown closes the pool and the cache. It is safe to call more than once, and
// GetStatus and GetDeviceID keep working afterwards.
func (s *Session) Teardown() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.State() == TornDown {
		return nil
	}
	s.disconnect()
	s.mu.Lock()
	s.state = TornDown
	s.mu.Unlock()
	if err := s.detach(); err != nil {
		s.logger.Warn("cache close failed", "err", err)
		return err
	}
	s.logger.Debug("session torn down")
	return nil
}
