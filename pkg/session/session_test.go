package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/runtime"
	"sandboxd/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	dir, err := os.MkdirTemp("", "sandboxd-session-test")
	require.NoError(t, err)
	m := New(runtime.NewFakeDriver(), dir, types.ResourceLimits{MaxMemoryMB: 256}, time.Hour, 8)
	return m, func() { os.RemoveAll(dir) }
}

func TestGetOrCreateIsLazyAndIdempotent(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	ctx := context.Background()
	p := types.Principal{ID: "p1", Enabled: true}

	s1, err := m.GetOrCreate(ctx, p, "python", types.ResourceLimits{})
	require.NoError(t, err)
	require.Equal(t, types.SessionRunning, s1.Status)
	require.NotEmpty(t, s1.ContainerID)

	s2, err := m.GetOrCreate(ctx, p, "python", types.ResourceLimits{})
	require.NoError(t, err)
	require.Equal(t, s1.ContainerID, s2.ContainerID)
}

func TestAcquireExecSerializesPerPrincipal(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	ctx := context.Background()
	p := types.Principal{ID: "p1"}
	_, err := m.GetOrCreate(ctx, p, "python", types.ResourceLimits{})
	require.NoError(t, err)

	g1, err := m.AcquireExec(ctx, "p1", time.Second)
	require.NoError(t, err)

	_, err = m.AcquireExec(ctx, "p1", 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, types.KindBusy, types.KindOf(err))

	g1.Release()

	g2, err := m.AcquireExec(ctx, "p1", time.Second)
	require.NoError(t, err)
	g2.Release()
}

func TestTerminatePurgeData(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	ctx := context.Background()
	p := types.Principal{ID: "p1"}
	s, err := m.GetOrCreate(ctx, p, "python", types.ResourceLimits{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.WorkspacePath+"/keep.txt", []byte("hi"), 0o600))

	require.NoError(t, m.Terminate(ctx, "p1", true))

	entries, err := os.ReadDir(s.WorkspacePath)
	require.NoError(t, err)
	require.Empty(t, entries)

	inspected, ok := m.Inspect("p1")
	require.True(t, ok)
	require.Equal(t, types.SessionStopped, inspected.Status)
}

func TestReapIdle(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	ctx := context.Background()
	p := types.Principal{ID: "p1"}
	_, err := m.GetOrCreate(ctx, p, "python", types.ResourceLimits{})
	require.NoError(t, err)

	reaped := m.ReapIdle(ctx, time.Now().Add(2*time.Hour))
	require.Equal(t, 1, reaped)

	s, ok := m.Inspect("p1")
	require.True(t, ok)
	require.Equal(t, types.SessionStopped, s.Status)
}

func TestAcquireExecQueueDepthCapped(t *testing.T) {
	dir, err := os.MkdirTemp("", "sandboxd-session-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	m := New(runtime.NewFakeDriver(), dir, types.ResourceLimits{}, time.Hour, 1)

	ctx := context.Background()
	_, err = m.GetOrCreate(ctx, types.Principal{ID: "p1"}, "python", types.ResourceLimits{})
	require.NoError(t, err)

	g, err := m.AcquireExec(ctx, "p1", time.Second)
	require.NoError(t, err)
	defer g.Release()

	// one waiter fits in the queue
	queued := make(chan error, 1)
	go func() {
		_, werr := m.AcquireExec(ctx, "p1", 300*time.Millisecond)
		queued <- werr
	}()
	time.Sleep(50 * time.Millisecond)

	// the queue is full now: the next caller is turned away immediately
	start := time.Now()
	_, err = m.AcquireExec(ctx, "p1", time.Second)
	require.Error(t, err)
	require.Equal(t, types.KindBusy, types.KindOf(err))
	require.Less(t, time.Since(start), 500*time.Millisecond)

	werr := <-queued
	require.Error(t, werr)
	require.Equal(t, types.KindBusy, types.KindOf(werr))
}
