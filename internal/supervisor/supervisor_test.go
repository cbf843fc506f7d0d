package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/state"
)

// fakeToolchain spawns a long sleep instead of a real dev server.
type fakeToolchain struct {
	devCalls   atomic.Int32
	installOut string
	devCommand func(dir string, port int) *exec.Cmd
}

func (f *fakeToolchain) Install(ctx context.Context, dir string) (string, error) {
	return f.installOut, nil
}

func (f *fakeToolchain) Build(ctx context.Context, dir string) (string, int, error) {
	return "", 0, nil
}

func (f *fakeToolchain) AddPackage(ctx context.Context, dir, pkg string) (string, error) {
	return "", nil
}

func (f *fakeToolchain) DevCommand(dir string, port int) *exec.Cmd {
	f.devCalls.Add(1)
	if f.devCommand != nil {
		return f.devCommand(dir, port)
	}
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func testSupervisor(t *testing.T, tc *fakeToolchain) *Supervisor {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "running.json"), func(int) bool { return true })
	require.NoError(t, store.Load())
	sup := New(tc, store, 3100, 100)
	sup.ready = func(string) bool { return true }
	sup.pollInterval = 10 * time.Millisecond
	sup.pollAttempts = 3
	t.Cleanup(sup.StopAll)
	return sup
}

func TestFindAvailablePortSkipsBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	port, err := FindAvailablePort(bound, 10)
	require.NoError(t, err)
	assert.NotEqual(t, bound, port)
	assert.Greater(t, port, bound)
}

func TestFindAvailablePortExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	_, err = FindAvailablePort(bound, 1)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestStartTwiceReturnsExisting(t *testing.T) {
	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)

	first, err := sup.Start(context.Background(), "shop", t.TempDir())
	require.NoError(t, err)

	second, err := sup.Start(context.Background(), "shop", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, int32(1), tc.devCalls.Load(), "second start must not spawn a process")
}

func TestStopRemovesProjectImmediately(t *testing.T) {
	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)

	rec, err := sup.Start(context.Background(), "shop", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, sup.Stop("shop"))

	_, ok := sup.Get("shop")
	assert.False(t, ok, "project leaves the running map on Stop, before the process dies")
	_, ok = sup.store.Get("shop")
	assert.False(t, ok, "durable record removed on Stop")
	_ = rec
}

func TestStartAdoptsLiveRecordFromPreviousRun(t *testing.T) {
	// A listener stands in for a dev server that survived a supervisor restart.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)
	require.NoError(t, sup.store.Put(state.Record{
		Name:        "shop",
		Port:        port,
		URL:         fmt.Sprintf("http://localhost:%d", port),
		ProjectPath: "/workspace/shop",
	}))

	rec, err := sup.Start(context.Background(), "shop", "/workspace/shop")
	require.NoError(t, err)

	assert.Equal(t, port, rec.Port, "the surviving server's record is returned as-is")
	assert.Zero(t, tc.devCalls.Load(), "a live server from a previous run must not be respawned")

	stored, ok := sup.store.Get("shop")
	require.True(t, ok)
	assert.Equal(t, port, stored.Port, "the durable record is not rebound")
}

func TestStartReclaimsDeadRecordFromPreviousRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)
	require.NoError(t, sup.store.Put(state.Record{Name: "shop", Port: deadPort}))

	rec, err := sup.Start(context.Background(), "shop", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int32(1), tc.devCalls.Load(), "a dead record is reclaimed and a fresh server spawned")
	assert.NotZero(t, rec.PID)
}

func TestStartPersistsRecord(t *testing.T) {
	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)

	rec, err := sup.Start(context.Background(), "blog", t.TempDir())
	require.NoError(t, err)

	stored, ok := sup.store.Get("blog")
	require.True(t, ok)
	assert.Equal(t, rec.Port, stored.Port)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", rec.Port), stored.URL)
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)
	sup.ready = func(string) bool { return false }
	sup.pollAttempts = 2

	_, err := sup.Start(context.Background(), "slow", t.TempDir())
	assert.ErrorIs(t, err, ErrServerStartTimeout)
	_, ok := sup.Get("slow")
	assert.False(t, ok)
}

func TestStartReportsEarlyExit(t *testing.T) {
	tc := &fakeToolchain{devCommand: func(dir string, port int) *exec.Cmd {
		cmd := exec.Command("true")
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd
	}}
	sup := testSupervisor(t, tc)
	sup.ready = func(string) bool { return false }

	_, err := sup.Start(context.Background(), "crash", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
}

func TestEventsCarryLifecycle(t *testing.T) {
	tc := &fakeToolchain{}
	sup := testSupervisor(t, tc)

	_, err := sup.Start(context.Background(), "shop", t.TempDir())
	require.NoError(t, err)

	kinds := map[EventKind]bool{}
	deadline := time.After(2 * time.Second)
	for !kinds[EventReady] {
		select {
		case ev := <-sup.Events():
			kinds[ev.Kind] = true
		case <-deadline:
			t.Fatal("no ready event observed")
		}
	}
	assert.True(t, kinds[EventStarting])
}

func TestLogBufferTrimsOnLineBoundary(t *testing.T) {
	b := newLogBuffer(32)
	for i := 0; i < 10; i++ {
		b.Append(fmt.Sprintf("line-%d", i))
	}
	out := b.String()
	assert.LessOrEqual(t, len(out), 32)
	assert.NotContains(t, out, "line-0")
	assert.Contains(t, out, "line-9")
}
