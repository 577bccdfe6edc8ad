package doc

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/journalsync/internal/syncerr"
)

const remote = "remote"

// fixedNow returns a clock frozen at t so counters decide ordering.
func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func captureLocal(d *Document) *[][]byte {
	var out [][]byte
	d.OnUpdate(func(u []byte, origin any) {
		if origin != remote {
			out = append(out, u)
		}
	})
	return &out
}

func TestMap_SetGetDelete(t *testing.T) {
	d := New("a")
	m := d.Map("settings")

	require.NoError(t, m.Set("journalName", "Travels"))
	v, ok := m.Get("journalName")
	require.True(t, ok)
	assert.Equal(t, "Travels", v.String())

	require.NoError(t, m.Delete("journalName"))
	_, ok = m.Get("journalName")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestDocument_Convergence(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		a := New("alice", WithNow(fixedNow(base)))
		b := New("bob", WithNow(fixedNow(base.Add(time.Duration(rng.Intn(3))*time.Millisecond))))
		aOut := captureLocal(a)
		bOut := captureLocal(b)

		keys := []string{"k1", "k2", "k3"}
		for i := 0; i < 30; i++ {
			target := a
			if rng.Intn(2) == 0 {
				target = b
			}
			key := keys[rng.Intn(len(keys))]
			if rng.Intn(5) == 0 {
				require.NoError(t, target.Map("journal").Delete(key))
			} else {
				require.NoError(t, target.Map("journal").Set(key, rng.Intn(1000)))
			}
		}

		toB := shuffledWithDuplicates(rng, *aOut)
		toA := shuffledWithDuplicates(rng, *bOut)
		for _, u := range toB {
			require.NoError(t, b.Apply(u, remote))
		}
		for _, u := range toA {
			require.NoError(t, a.Apply(u, remote))
		}

		assert.Equal(t, string(a.EncodeState()), string(b.EncodeState()), "round %d", round)
	}
}

func shuffledWithDuplicates(rng *rand.Rand, in [][]byte) [][]byte {
	out := append([][]byte(nil), in...)
	for i := 0; i < len(in)/3; i++ {
		out = append(out, in[rng.Intn(len(in))])
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func TestDocument_FullStateMerge(t *testing.T) {
	a := New("a")
	b := New("b")
	require.NoError(t, a.Map("journal").Set("e1", map[string]string{"title": "one"}))
	require.NoError(t, b.Map("character").Set("name", "Ilsa"))

	require.NoError(t, a.Apply(b.EncodeState(), remote))
	require.NoError(t, b.Apply(a.EncodeState(), remote))

	assert.Equal(t, string(a.EncodeState()), string(b.EncodeState()))
	_, ok := b.Map("journal").Get("e1")
	assert.True(t, ok)
}

func TestDocument_ApplyMalformedLeavesStateUnchanged(t *testing.T) {
	d := New("a")
	require.NoError(t, d.Map("settings").Set("aiEnabled", true))
	before := d.EncodeState()

	inputs := [][]byte{
		[]byte("not json"),
		[]byte(`{"v":2,"ops":[]}`),
		[]byte(`{"v":1,"ops":[{"m":"settings","k":"aiEnabled","val":false,"ts":{"w":9999999999999,"c":0,"a":""}}]}`),
		[]byte(`{"v":1,"ops":[{"m":"","k":"x","val":1,"ts":{"w":1,"c":0,"a":"z"}}]}`),
	}
	for _, in := range inputs {
		err := d.Apply(in, remote)
		require.Error(t, err)
		assert.True(t, syncerr.Is(err, syncerr.KindProtocol))
		assert.ErrorIs(t, err, ErrMalformedUpdate)
	}
	assert.Equal(t, string(before), string(d.EncodeState()))
}

func TestDocument_TransactNotifiesOncePerMap(t *testing.T) {
	d := New("a")
	var events []MapEvent
	d.Map("sync").Observe(func(ev MapEvent) { events = append(events, ev) })
	var updates int
	d.OnUpdate(func([]byte, any) { updates++ })

	err := d.Transact("local", func(tx *Txn) {
		tx.Set("sync", "data", map[string]int{"n": 1})
		tx.Set("sync", "lastModified", 10)
		tx.Set("sync", "deviceId", "dev")
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"data", "lastModified", "deviceId"}, events[0].Keys)
	assert.Equal(t, "local", events[0].Origin)
	assert.Equal(t, 1, updates)
}

func TestDocument_IdenticalWriteStaysQuiet(t *testing.T) {
	d := New("a")
	updates, events := 0, 0
	d.OnUpdate(func([]byte, any) { updates++ })
	d.Map("settings").Observe(func(MapEvent) { events++ })

	require.NoError(t, d.Map("settings").Set("k", "v"))
	require.NoError(t, d.Map("settings").Set("k", "v"))
	require.NoError(t, d.Map("settings").Delete("missing"))
	assert.Equal(t, 3, updates, "every local write is stamped and replicated")
	assert.Equal(t, 1, events)
}

func TestDocument_LaterRewriteBeatsOlderRemote(t *testing.T) {
	var now time.Time
	clock := func() time.Time { return now }
	a := New("a", WithNow(clock))
	b := New("b", WithNow(clock))

	now = time.UnixMilli(1000)
	require.NoError(t, a.Map("m").Set("k", "X"))
	require.NoError(t, b.Apply(a.EncodeState(), remote))

	now = time.UnixMilli(2000)
	require.NoError(t, b.Map("m").Set("k", "Y"))

	now = time.UnixMilli(3000)
	require.NoError(t, a.Map("m").Set("k", "X"))

	require.NoError(t, a.Apply(b.EncodeState(), remote))
	require.NoError(t, b.Apply(a.EncodeState(), remote))
	for _, d := range []*Document{a, b} {
		v, ok := d.Map("m").Get("k")
		require.True(t, ok)
		assert.Equal(t, "X", v.String(), d.Actor())
	}
}

func TestDocument_UnchangedFieldTravelsWithItsBatch(t *testing.T) {
	var now time.Time
	clock := func() time.Time { return now }
	a := New("a", WithNow(clock))
	b := New("b", WithNow(clock))
	write := func(d *Document, data string, ts int) {
		require.NoError(t, d.Transact("local", func(tx *Txn) {
			tx.Set("sync", "data", data)
			tx.Set("sync", "lastModified", ts)
			tx.Set("sync", "deviceId", d.Actor())
		}))
	}

	now = time.UnixMilli(1000)
	write(a, "shared", 1000)
	require.NoError(t, b.Apply(a.EncodeState(), remote))
	now = time.UnixMilli(2000)
	write(b, "from-b", 2000)
	now = time.UnixMilli(3000)
	write(a, "shared", 3000)

	require.NoError(t, b.Apply(a.EncodeState(), remote))
	data, _ := b.Map("sync").Get("data")
	device, _ := b.Map("sync").Get("deviceId")
	assert.Equal(t, "shared", data.String())
	assert.Equal(t, "a", device.String())
}

func TestDocument_WriteFromObserverIsQueued(t *testing.T) {
	d := New("a")
	m := d.Map("sync")
	var seen [][]string
	depth := 0
	m.Observe(func(ev MapEvent) {
		depth++
		defer func() { depth-- }()
		require.Equal(t, 1, depth, "observer re-entered")
		seen = append(seen, ev.Keys)
		// Echo once; the echo of the echo writes an identical value.
		_ = m.Set("echo", "done")
	})

	require.NoError(t, m.Set("data", 1))
	assert.Equal(t, [][]string{{"data"}, {"echo"}}, seen)
}

func TestDocument_UpdateCarriesOnlyWinningOps(t *testing.T) {
	base := time.UnixMilli(2_000)
	a := New("a", WithNow(fixedNow(base.Add(time.Second))))
	b := New("b", WithNow(fixedNow(base)))
	require.NoError(t, a.Map("m").Set("k", "newer"))
	require.NoError(t, b.Map("m").Set("k", "older"))

	var forwarded [][]byte
	a.OnUpdate(func(u []byte, origin any) { forwarded = append(forwarded, u) })
	require.NoError(t, a.Apply(b.EncodeState(), remote))

	assert.Empty(t, forwarded)
	v, _ := a.Map("m").Get("k")
	assert.Equal(t, "newer", v.String())
}

func TestClock_ObserveAdvancesPastRemote(t *testing.T) {
	c := NewClock("a", fixedNow(time.UnixMilli(100)))
	c.Observe(Stamp{Wall: 5000, Counter: 7, Actor: "z"})
	s := c.Next()
	assert.True(t, s.After(Stamp{Wall: 5000, Counter: 7, Actor: "z"}))
	assert.Equal(t, "a", s.Actor)
}

func TestDocument_IsEmpty(t *testing.T) {
	d := New("a")
	assert.True(t, d.IsEmpty())
	require.NoError(t, d.Map("summaries").Set("k", "text"))
	assert.False(t, d.IsEmpty())
	require.NoError(t, d.Map("summaries").Delete("k"))
	assert.True(t, d.IsEmpty())
}
