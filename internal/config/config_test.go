package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/journalsync/internal/syncerr"
)

func TestLoadServer_Defaults(t *testing.T) {
	for _, key := range []string{"JOURNALSYNC_HOST", "JOURNALSYNC_PORT", "JOURNALSYNC_DATA_DIR",
		"JOURNALSYNC_WS_PREFIX", "DATABASE_URL", "REDIS_URL", "JOURNALSYNC_MDNS", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg := LoadServer()
	assert.Equal(t, "0.0.0.0:1234", cfg.Addr())
	assert.Equal(t, "./data/rooms", cfg.DataDir)
	assert.Equal(t, "/sync/ws", cfg.WSPrefix)
	assert.False(t, cfg.MDNS)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServer_Env(t *testing.T) {
	t.Setenv("JOURNALSYNC_HOST", "127.0.0.1")
	t.Setenv("JOURNALSYNC_PORT", "9000")
	t.Setenv("JOURNALSYNC_MDNS", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")

	cfg := LoadServer()
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.True(t, cfg.MDNS)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
}

func TestLoadServer_BadNumbersFallBack(t *testing.T) {
	t.Setenv("JOURNALSYNC_PORT", "not-a-port")
	t.Setenv("JOURNALSYNC_MDNS", "maybe")

	cfg := LoadServer()
	assert.Equal(t, 1234, cfg.Port)
	assert.False(t, cfg.MDNS)
}

func TestServer_Validate(t *testing.T) {
	cfg := Server{Port: 70000, WSPrefix: "/sync/ws", DataDir: "x"}
	assert.True(t, syncerr.Is(cfg.Validate(), syncerr.KindConfig))

	cfg = Server{Port: 1, WSPrefix: "/", DataDir: "x"}
	assert.Error(t, cfg.Validate())
}

func TestLoadClient_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JOURNALSYNC_ENDPOINTS", "")
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Endpoints)
	assert.Equal(t, "journal", cfg.Namespace)
	assert.NotEmpty(t, cfg.CacheDir)
}

func TestLoadClient_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoints:
  - ws://localhost:1234/sync/ws
  - wss://relay.example.com/sync/ws
room: My-Journal
cacheDir: /tmp/journal-cache
logLevel: debug
`), 0o644))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws://localhost:1234/sync/ws", "wss://relay.example.com/sync/ws"}, cfg.Endpoints)
	assert.Equal(t, "My-Journal", cfg.Room)
	assert.Equal(t, "/tmp/journal-cache", cfg.CacheDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadClient_RejectsBadEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoints: [\"https://relay.example.com\"]\n"), 0o644))

	_, err := LoadClient(path)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
	assert.Contains(t, err.Error(), "ws:// or wss://")
}

func TestLoadClient_EndpointsFromEnv(t *testing.T) {
	t.Setenv("JOURNALSYNC_ENDPOINTS", "ws://a:1/sync/ws, ws://b:2/sync/ws")
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ws://a:1/sync/ws", "ws://b:2/sync/ws"}, cfg.Endpoints)
}

func TestClient_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	in := Client{Endpoints: []string{"ws://localhost:1234/sync/ws"}, Room: "trip", CacheDir: "/c", Namespace: "n", LogLevel: "info"}
	require.NoError(t, in.Save(path))

	out, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
