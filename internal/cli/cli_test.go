package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/journalsync/internal/config"
)

func writeConfig(t *testing.T, cfg config.Client) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	}
	require.NoError(t, cfg.Save(path))
	return path
}

func run(t *testing.T, configPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSetThenGetAcrossInvocations(t *testing.T) {
	path := writeConfig(t, config.Client{})

	_, err := run(t, path, "", "set", `{"streak":4}`)
	require.NoError(t, err)

	out, err := run(t, path, "", "get")
	require.NoError(t, err)
	assert.JSONEq(t, `{"streak":4}`, out)

	_, err = run(t, path, "", "set", "plain words")
	require.NoError(t, err)
	out, err = run(t, path, "", "get")
	require.NoError(t, err)
	assert.Equal(t, "\"plain words\"\n", out)
}

func TestEntries(t *testing.T) {
	path := writeConfig(t, config.Client{})

	id, err := run(t, path, "", "entries", "add", "--title", "Harbor", "--content", "Fog all day")
	require.NoError(t, err)
	id = strings.TrimSpace(id)
	require.NotEmpty(t, id)

	out, err := run(t, path, "", "entries", "list")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0]["id"])
	assert.Equal(t, "Harbor", listed[0]["title"])

	_, err = run(t, path, "", "entries", "rm", id)
	require.NoError(t, err)
	_, err = run(t, path, "", "entries", "rm", id)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	path := writeConfig(t, config.Client{})

	out, err := run(t, path, "", "status")
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, false, st["connected"])
	assert.NotEmpty(t, st["deviceId"])

	again, err := run(t, path, "", "status")
	require.NoError(t, err)
	var st2 map[string]any
	require.NoError(t, json.Unmarshal([]byte(again), &st2))
	assert.Equal(t, st["deviceId"], st2["deviceId"])
}

func TestRoom_SavesChoice(t *testing.T) {
	path := writeConfig(t, config.Client{})
	_, err := run(t, path, "", "entries", "add", "--title", "kept")
	require.NoError(t, err)

	out, err := run(t, path, "", "room", "Summer-Trip")
	require.NoError(t, err)
	assert.Contains(t, out, "room summer-trip (merge, server unknown)")

	cfg, err := config.LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "Summer-Trip", cfg.Room)

	_, err = run(t, path, "", "room", "bad name!")
	assert.Error(t, err)
}

func TestBadConfigIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoints: [\"ftp://nowhere\"]\n"), 0o644))

	_, err := run(t, path, "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws:// or wss://")
}
