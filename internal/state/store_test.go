package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neverAlive(int) bool { return false }

func testStore(t *testing.T, probe ProbeFunc) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "running.json")
	return NewStore(path, probe)
}

func TestLoadMissingFileIsClean(t *testing.T) {
	s := testStore(t, nil)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestPutPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")

	s := NewStore(path, func(int) bool { return true })
	require.NoError(t, s.Load())
	require.NoError(t, s.Put(Record{
		Name:      "shop",
		Port:      3101,
		PID:       4242,
		URL:       "http://localhost:3101",
		StartedAt: time.Now(),
	}))

	reloaded := NewStore(path, func(int) bool { return true })
	require.NoError(t, reloaded.Load())
	rec, ok := reloaded.Get("shop")
	require.True(t, ok)
	assert.Equal(t, 3101, rec.Port)
	assert.Equal(t, 4242, rec.PID)
}

func TestLoadDropsDeadPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")

	seed := NewStore(path, func(int) bool { return true })
	require.NoError(t, seed.Put(Record{Name: "alive", Port: 3101}))
	require.NoError(t, seed.Put(Record{Name: "dead", Port: 3102}))

	s := NewStore(path, func(port int) bool { return port == 3101 })
	require.NoError(t, s.Load())

	_, ok := s.Get("alive")
	assert.True(t, ok)
	_, ok = s.Get("dead")
	assert.False(t, ok, "record with dead port should be reclaimed on load")

	// The prune must be persisted too.
	reloaded := NewStore(path, func(int) bool { return true })
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.List(), 1)
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(path, nil)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestReconcileStale(t *testing.T) {
	alive := true
	s := testStore(t, func(int) bool { return alive })
	require.NoError(t, s.Put(Record{Name: "app", Port: 3100}))

	assert.Equal(t, 0, s.ReconcileStale())

	alive = false
	assert.Equal(t, 1, s.ReconcileStale())
	assert.Empty(t, s.List())
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	s := testStore(t, neverAlive)
	assert.NoError(t, s.Remove("nothing"))
}

func TestPersistedFileIsNameKeyedMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")
	s := NewStore(path, func(int) bool { return true })
	require.NoError(t, s.Put(Record{Name: "b", Port: 2}))
	require.NoError(t, s.Put(Record{Name: "a", Port: 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records map[string]Record
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, 1, records["a"].Port)
	assert.Equal(t, 2, records["b"].Port)
}
