package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"sandboxd/pkg/types"
)

// FakeDriver is an in-memory Driver used by engine/session tests so they
// never need a real daemon. The whole execution backend stays swappable
// behind the Driver interface.
type FakeDriver struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	idSeq      int64
	execCalls  int64

	// ExecFunc, when set, lets tests control exec_oneshot output/behavior
	// per call instead of the canned default.
	ExecFunc func(argv []string, stdin string) (*ExecOneshotResult, error)
}

type fakeContainer struct {
	principalID string
	language    string
	workspace   string
	removed     bool
}

// NewFakeDriver builds an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{containers: make(map[string]*fakeContainer)}
}

// ExecCallCount reports how many ExecOneshot calls have been made; used by
// the screener invariant test ("no container exec is attempted" on reject).
func (f *FakeDriver) ExecCallCount() int64 { return atomic.LoadInt64(&f.execCalls) }

func (f *FakeDriver) CreateContainer(_ context.Context, principalID, language string, _ types.ResourceLimits, workspacePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idSeq++
	id := fmt.Sprintf("fake-container-%d", f.idSeq)
	f.containers[id] = &fakeContainer{principalID: principalID, language: language, workspace: workspacePath}
	return id, nil
}

func (f *FakeDriver) ExecOneshot(ctx context.Context, containerID string, argv []string, stdin string, _ map[string]string, deadline time.Duration) (*ExecOneshotResult, error) {
	atomic.AddInt64(&f.execCalls, 1)

	f.mu.Lock()
	c, ok := f.containers[containerID]
	f.mu.Unlock()
	if !ok || c.removed {
		return nil, types.NewError(types.KindRuntimeError, "unknown container", nil)
	}

	if f.ExecFunc != nil {
		return f.ExecFunc(argv, stdin)
	}

	select {
	case <-ctx.Done():
		return &ExecOneshotResult{ExitCode: -1, TerminatedByDeadline: true}, nil
	case <-time.After(time.Millisecond):
	}
	_ = deadline
	return &ExecOneshotResult{ExitCode: 0, Stdout: stdin, Stderr: ""}, nil
}

func (f *FakeDriver) ExecStreaming(ctx context.Context, containerID string, argv []string, stdin io.Reader, env map[string]string, deadline time.Duration) (io.ReadCloser, io.ReadCloser, WaitHandle, error) {
	data, _ := io.ReadAll(stdin)
	res, err := f.ExecOneshot(ctx, containerID, argv, string(data), env, deadline)
	if err != nil {
		return nil, nil, nil, err
	}
	return io.NopCloser(newStringReader(res.Stdout)), io.NopCloser(newStringReader(res.Stderr)), &fakeWaitHandle{exitCode: res.ExitCode, timedOut: res.TerminatedByDeadline}, nil
}

type fakeWaitHandle struct {
	exitCode int
	timedOut bool
}

func (w *fakeWaitHandle) Wait(context.Context) (int, bool, error) { return w.exitCode, w.timedOut, nil }

func (f *FakeDriver) Stat(_ context.Context, containerID string) (Stat, error) {
	f.mu.Lock()
	_, ok := f.containers[containerID]
	f.mu.Unlock()
	if !ok {
		return Stat{}, types.NewError(types.KindRuntimeError, "unknown container", nil)
	}
	return Stat{CPUNanos: 1_000_000, MemoryRSS: 16 * 1024 * 1024, PIDs: 3}, nil
}

func (f *FakeDriver) Stop(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.removed = true
	}
	return nil
}

func (f *FakeDriver) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeDriver) RuntimeVersion(context.Context) (string, error) { return "fake/1.0", nil }

func newStringReader(s string) io.Reader { return &stringReaderCloser{s: s} }

type stringReaderCloser struct {
	s   string
	pos int
}

func (r *stringReaderCloser) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
