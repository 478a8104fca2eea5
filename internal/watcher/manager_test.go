package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRegisterDeliversChangeNotifications(t *testing.T) {
	m := NewManager(zerolog.Nop())
	defer m.CloseAll()

	dir := t.TempDir()
	var notified atomic.Int32
	require.NoError(t, m.Register("agent-a", dir, func(string) {
		notified.Add(1)
	}))
	require.True(t, m.Watched("agent-a"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o600))
	require.Eventually(t, func() bool { return notified.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRegisterDuplicateEndpointConflicts(t *testing.T) {
	m := NewManager(zerolog.Nop())
	defer m.CloseAll()

	dir := t.TempDir()
	require.NoError(t, m.Register("agent-a", dir, func(string) {}))
	require.Error(t, m.Register("agent-a", dir, func(string) {}))
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(zerolog.Nop())
	defer m.CloseAll()

	require.Error(t, m.Register("", t.TempDir(), func(string) {}))
	require.Error(t, m.Register("agent-a", t.TempDir(), nil))
}

func TestUnregisterAwaitsClose(t *testing.T) {
	m := NewManager(zerolog.Nop())
	defer m.CloseAll()

	dir := t.TempDir()
	var notified atomic.Int32
	require.NoError(t, m.Register("agent-a", dir, func(string) {
		notified.Add(1)
	}))

	require.NoError(t, m.Unregister("agent-a"))
	require.False(t, m.Watched("agent-a"))

	// After Unregister returns, changes must never reach the callback.
	before := notified.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.json"), []byte("{}"), 0o600))
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, before, notified.Load())
}

func TestUnregisterUnknownEndpoint(t *testing.T) {
	m := NewManager(zerolog.Nop())
	defer m.CloseAll()
	require.Error(t, m.Unregister("missing"))
}

func TestCloseAllStopsEverything(t *testing.T) {
	m := NewManager(zerolog.Nop())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Register(id, t.TempDir(), func(string) {}))
	}
	m.CloseAll()
	m.CloseAll()

	require.False(t, m.Watched("a"))
	require.Error(t, m.Register("d", t.TempDir(), func(string) {}))
}

func TestManagersAreIndependent(t *testing.T) {
	m1 := NewManager(zerolog.Nop())
	m2 := NewManager(zerolog.Nop())
	defer m2.CloseAll()

	dir := t.TempDir()
	var notified atomic.Int32
	require.NoError(t, m1.Register("agent-a", dir, func(string) {}))
	require.NoError(t, m2.Register("agent-a", t.TempDir(), func(string) {
		notified.Add(1)
	}))

	// Closing one manager must not disturb the other's watches.
	m1.CloseAll()
	require.True(t, m2.Watched("agent-a"))
}
