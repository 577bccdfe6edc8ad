package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/journalsync/internal/doc"
	"collabtext/journalsync/internal/journal"
	"collabtext/journalsync/internal/server"
	"collabtext/journalsync/internal/syncerr"
)

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

// startRelay runs a room server and returns its WebSocket endpoint.
func startRelay(t *testing.T) string {
	t.Helper()
	backend, err := server.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	rooms := server.NewRooms(backend, nil, nil)
	srv := httptest.NewServer(server.NewHTTPServer(rooms, "", nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		rooms.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + server.DefaultWSPrefix
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = fastBackOff
	}
	s, err := Create(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Teardown() })
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == ReadyConnected && s.GetStatus().Connected
	}, 3*time.Second, 10*time.Millisecond)
}

func decodeData(t *testing.T, s *Session) map[string]any {
	t.Helper()
	raw, ok := s.GetData()
	if !ok {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSetData_ReadYourWrite(t *testing.T) {
	s := newSession(t, Config{})

	_, ok := s.GetData()
	assert.False(t, ok)

	require.NoError(t, s.SetData(map[string]any{"mood": "calm"}))
	assert.Equal(t, map[string]any{"mood": "calm"}, decodeData(t, s))

	st := s.GetStatus()
	assert.True(t, st.Available)
	assert.False(t, st.Connected)
	assert.True(t, st.MemoryOnly)
	assert.Equal(t, ReadyOffline, st.State)
	assert.NotZero(t, st.LastModified)
}

func TestSetData_OneChangePerBatch(t *testing.T) {
	s := newSession(t, Config{})

	var changes []Change
	unsubscribe := s.OnChange(func(c Change) { changes = append(changes, c) })
	require.NoError(t, s.SetData("first"))
	unsubscribe()
	require.NoError(t, s.SetData("second"))

	require.Len(t, changes, 1)
	assert.True(t, changes[0].Local)
	assert.ElementsMatch(t, []string{KeyData, KeyLastModified, KeyDeviceID}, changes[0].Keys)

	v, ok := s.Document().Map(SyncMap).Get(KeyDeviceID)
	require.True(t, ok)
	assert.Equal(t, s.GetDeviceID(), v.String())
}

func TestCreate_MissingFacilityIsEnvironmentError(t *testing.T) {
	_, err := Create(Config{Facilities: &Facilities{NewDocument: func() *doc.Document { return doc.New("") }}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironment)
	assert.True(t, syncerr.Is(err, syncerr.KindEnvironment))

	_, err = Create(Config{Facilities: &Facilities{OpenCache: DefaultFacilities().OpenCache}})
	assert.ErrorIs(t, err, ErrEnvironment)
}

func TestCreate_InvalidRoomIsConfigError(t *testing.T) {
	_, err := Create(Config{Room: "My Room!"})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}

func TestCreate_CacheFailureFallsBackToMemory(t *testing.T) {
	facilities := DefaultFacilities()
	facilities.OpenCache = func(string, string, *doc.Document, *log.Logger) (Cache, error) {
		return nil, syncerr.New(syncerr.KindPersistence, "open cache", errors.New("storage disabled"))
	}
	s := newSession(t, Config{CacheDir: t.TempDir(), Facilities: facilities})

	require.NoError(t, s.SetData(42))
	raw, ok := s.GetData()
	require.True(t, ok)
	assert.JSONEq(t, "42", string(raw))

	st := s.GetStatus()
	assert.True(t, st.MemoryOnly)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, syncerr.KindPersistence, st.Errors[0].Kind)
}

func TestTeardown_Idempotent(t *testing.T) {
	s := newSession(t, Config{CacheDir: t.TempDir()})
	id := s.GetDeviceID()

	require.NoError(t, s.Teardown())
	require.NoError(t, s.Teardown())

	assert.Equal(t, id, s.GetDeviceID())
	st := s.GetStatus()
	assert.Equal(t, TornDown, st.State)
	assert.False(t, st.Connected)
	assert.ErrorIs(t, s.SetData("late"), ErrTornDown)
}

func TestDeviceID_StableAcrossSessions(t *testing.T) {
	dir := t.TempDir()

	first := newSession(t, Config{CacheDir: dir})
	id := first.GetDeviceID()
	require.NotEmpty(t, id)

	// Same namespace while the first still holds the cache file.
	second := newSession(t, Config{CacheDir: dir})
	assert.Equal(t, id, second.GetDeviceID())

	require.NoError(t, first.Teardown())
	require.NoError(t, second.Teardown())
	third := newSession(t, Config{CacheDir: dir})
	assert.Equal(t, id, third.GetDeviceID())
}

func TestCreate_LoadsCacheBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	first := newSession(t, Config{CacheDir: dir, Namespace: "profile"})
	require.NoError(t, first.SetData("persisted"))
	_, err := first.Journal().Entries.Put(journal.Entry{ID: "e1", Title: "Day one"})
	require.NoError(t, err)
	require.NoError(t, first.Teardown())

	second := newSession(t, Config{CacheDir: dir, Namespace: "profile"})
	require.NoError(t, second.WaitReady(context.Background()))
	raw, ok := second.GetData()
	require.True(t, ok)
	assert.JSONEq(t, `"persisted"`, string(raw))
	entry, ok := second.Journal().Entries.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "Day one", entry.Title)
	assert.False(t, second.MemoryOnly())
}

func TestCreate_BadEndpointsNeverFail(t *testing.T) {
	s := newSession(t, Config{
		Room:      "travel",
		Endpoints: []string{"http://example.com", "ws://127.0.0.1:1"},
	})

	kinds := func(st Status) []syncerr.Kind {
		var out []syncerr.Kind
		for _, rec := range st.Errors {
			out = append(out, rec.Kind)
		}
		return out
	}
	// An attempt is counted before its dial fails, so wait for the recorded failure.
	require.Eventually(t, func() bool {
		for _, k := range kinds(s.GetStatus()) {
			if k == syncerr.KindTransport {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	st := s.GetStatus()
	assert.False(t, st.Connected)
	assert.Equal(t, 1, st.TotalProviders)
	assert.Positive(t, st.ConnectionAttempts)
	assert.Contains(t, kinds(st), syncerr.KindConfig)
}

func TestSessions_ReplicateThroughRoom(t *testing.T) {
	endpoint := startRelay(t)
	a := newSession(t, Config{Room: "Road-Trip", Endpoints: []string{endpoint}})
	b := newSession(t, Config{Room: "road-trip", Endpoints: []string{endpoint}})
	waitConnected(t, a)
	waitConnected(t, b)

	var mu sync.Mutex
	var remote []Change
	b.OnChange(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		remote = append(remote, c)
	})

	require.NoError(t, a.SetData(map[string]any{"page": 3.0}))
	require.Eventually(t, func() bool {
		return decodeData(t, b)["page"] == 3.0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, remote)
	assert.False(t, remote[len(remote)-1].Local)
	assert.Equal(t, "road-trip", a.GetStatus().Room)
	assert.Equal(t, 1, a.GetStatus().ConnectedCount)
}

func TestStatusChanged_ReadsCurrentPool(t *testing.T) {
	endpoint := startRelay(t)
	s := newSession(t, Config{Room: "fresh-state", Endpoints: []string{endpoint}})
	waitConnected(t, s)

	// Simulate a stale offline report landing after the live one.
	s.mu.Lock()
	s.state = ReadyOffline
	pool := s.pool
	s.mu.Unlock()

	s.statusChanged(pool)
	assert.Equal(t, ReadyConnected, s.State())
}

func TestSwitchRoom_MergeKeepsLocalState(t *testing.T) {
	endpoint := startRelay(t)
	remote := newSession(t, Config{Room: "shared", Endpoints: []string{endpoint}})
	waitConnected(t, remote)
	require.NoError(t, remote.Journal().Settings.Set("theme", "dark"))

	local := newSession(t, Config{Endpoints: []string{endpoint}})
	require.NoError(t, local.Journal().Character.SetField("name", "Ilsa"))

	require.NoError(t, local.SwitchRoom(context.Background(), "Shared", ModeMerge))
	waitConnected(t, local)

	require.Eventually(t, func() bool {
		return local.Journal().Settings.String("theme") == "dark"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Ilsa", local.Journal().Character.Get().Name)
	assert.Equal(t, "Shared", local.Journal().Settings.String(journal.SettingJournalName))
	assert.Equal(t, "shared", local.Room())
	require.Eventually(t, func() bool {
		return remote.Journal().Character.Get().Name == "Ilsa"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSwitchRoom_ReplaceDiscardsLocalState(t *testing.T) {
	endpoint := startRelay(t)
	remote := newSession(t, Config{Room: "shared", Endpoints: []string{endpoint}})
	waitConnected(t, remote)
	require.NoError(t, remote.Journal().Settings.Set("theme", "dark"))

	dir := t.TempDir()
	local := newSession(t, Config{CacheDir: dir, Endpoints: []string{endpoint}})
	require.NoError(t, local.SetData("local only"))
	id := local.GetDeviceID()

	require.NoError(t, local.SwitchRoom(context.Background(), "shared", ModeReplace))
	waitConnected(t, local)

	require.Eventually(t, func() bool {
		return local.Journal().Settings.String("theme") == "dark"
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := local.GetData()
	assert.False(t, ok)
	assert.Equal(t, id, local.GetDeviceID())
	assert.False(t, local.MemoryOnly())

	// The discarded payload never reaches the room.
	_, ok = remote.GetData()
	assert.False(t, ok)
}

func TestSwitchRoom_InvalidNameLeavesSessionUntouched(t *testing.T) {
	s := newSession(t, Config{Room: "before"})

	err := s.SwitchRoom(context.Background(), "room@x", ModeMerge)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
	assert.Equal(t, "before", s.Room())
	assert.Empty(t, s.Journal().Settings.String(journal.SettingJournalName))
}

func TestStatus_JSONShape(t *testing.T) {
	s := newSession(t, Config{})
	data, err := json.Marshal(s.GetStatus())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"available", "connected", "deviceId", "lastModified", "connectionAttempts",
		"errors", "providers", "connectedCount", "totalProviders", "state", "room"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "ready-offline", fields["state"])
}
