package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/journalsync/internal/doc"
	"collabtext/journalsync/internal/syncerr"
)

func TestOpen_ReloadsAfterClose(t *testing.T) {
	dir := t.TempDir()

	d1 := doc.New("a")
	h1, err := Open(dir, "journal", d1, nil)
	require.NoError(t, err)
	require.NoError(t, d1.Map("journal").Set("e1", map[string]string{"title": "first"}))
	require.NoError(t, d1.Map("settings").Set("aiEnabled", true))
	require.NoError(t, d1.Map("settings").Delete("aiEnabled"))
	require.NoError(t, h1.Close())

	d2 := doc.New("a")
	h2, err := Open(dir, "journal", d2, nil)
	require.NoError(t, err)
	defer h2.Close()

	select {
	case <-h2.Synced():
	default:
		t.Fatal("Synced not closed after Open returned")
	}
	assert.Equal(t, string(d1.EncodeState()), string(d2.EncodeState()))
}

func TestOpen_CompactsLog(t *testing.T) {
	dir := t.TempDir()

	d1 := doc.New("a")
	h1, err := Open(dir, "big", d1, nil)
	require.NoError(t, err)
	for i := 0; i < compactEvery+10; i++ {
		require.NoError(t, d1.Map("journal").Set("counter", i))
	}
	require.NoError(t, h1.Close())

	d2 := doc.New("b")
	h2, err := Open(dir, "big", d2, nil)
	require.NoError(t, err)
	defer h2.Close()

	v, ok := d2.Map("journal").Get("counter")
	require.True(t, ok)
	var n int
	require.NoError(t, v.Decode(&n))
	assert.Equal(t, compactEvery+9, n)
	assert.Less(t, h2.logged, compactEvery)
}

func TestClose_Idempotent(t *testing.T) {
	h, err := Open(t.TempDir(), "ns", doc.New("a"), nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestOpen_UnwritableDirIsPersistenceError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := Open(file, "ns", doc.New("a"), nil)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindPersistence))
}

func TestRemove_KeepsDeviceID(t *testing.T) {
	dir := t.TempDir()
	id, err := DeviceID(dir)
	require.NoError(t, err)

	d := doc.New("a")
	h, err := Open(dir, "ns", d, nil)
	require.NoError(t, err)
	require.NoError(t, d.Map("journal").Set("e1", "x"))
	require.NoError(t, h.Close())

	require.NoError(t, Remove(dir, "ns"))
	require.NoError(t, Remove(dir, "ns"))

	fresh := doc.New("a")
	h, err = Open(dir, "ns", fresh, nil)
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, fresh.IsEmpty())

	again, err := DeviceID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestDeviceID_Stable(t *testing.T) {
	dir := t.TempDir()
	first, err := DeviceID(dir)
	require.NoError(t, err)
	second, err := DeviceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := DeviceID(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDeviceID_ConcurrentCreatorsAgree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := DeviceID(dir)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
	assert.Equal(t, deviceFile, entries[0].Name())
}
