// Package session implements the session manager: principal -> Session
// state, lazy container creation, per-session execution serialization, and
// idle reaping. A coarse sync.RWMutex protects the map; a narrower
// per-session lock serializes executions.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sandboxd/pkg/launcher"
	"sandboxd/pkg/log"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/sampler"
	"sandboxd/pkg/types"

	"go.uber.org/zap"
)

// Guard represents held ownership of a session's exec_lock; the caller must
// call Release when the execution completes.
type Guard struct {
	release func()
}

// Release frees the exec_lock, allowing the next queued execution through.
func (g *Guard) Release() {
	if g != nil && g.release != nil {
		g.release()
	}
}

// entry is the mutable state behind one Session, including the
// concurrency primitives the public Session data-model type deliberately
// excludes.
type entry struct {
	mu sync.Mutex // protects the fields below, not the exec_lock itself
	types.Session

	execSem chan struct{} // capacity-1 semaphore
	waiters int32         // callers queued on execSem, capped at queueDepth

	kernelsMu sync.Mutex
	kernels   map[string]*types.KernelHandle
}

// Manager owns every principal's Session.
type Manager struct {
	driver  runtime.Driver
	dataDir string

	defaultLimits types.ResourceLimits
	idleHorizon   time.Duration
	queueDepth    int

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New builds a Session Manager backed by driver, storing workspaces under
// dataDir/sessions/<principal_id>/workspace.
func New(driver runtime.Driver, dataDir string, defaultLimits types.ResourceLimits, idleHorizon time.Duration, queueDepth int) *Manager {
	return &Manager{
		driver:        driver,
		dataDir:       dataDir,
		defaultLimits: defaultLimits,
		idleHorizon:   idleHorizon,
		queueDepth:    queueDepth,
		sessions:      make(map[string]*entry),
	}
}

func (m *Manager) workspacePath(principalID string) string {
	return filepath.Join(m.dataDir, "sessions", principalID, "workspace")
}

func (m *Manager) kernelStatePath(principalID, language string) string {
	return filepath.Join(m.dataDir, "sessions", principalID, "kernel", language+".state")
}

// GetOrCreate resolves principal's session, creating the container lazily
// on first use. If the session thinks it has a live container but the
// runtime reports it unknown, the container is rebuilt while the workspace
// is preserved.
func (m *Manager) GetOrCreate(ctx context.Context, principal types.Principal, language string, limits types.ResourceLimits) (types.Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[principal.ID]
	if !ok {
		ws := m.workspacePath(principal.ID)
		if err := os.MkdirAll(ws, 0o700); err != nil {
			m.mu.Unlock()
			return types.Session{}, types.NewError(types.KindInternal, "create workspace", err)
		}
		e = &entry{
			Session: types.Session{
				PrincipalID:   principal.ID,
				CreatedAt:     time.Now(),
				LastActivity:  time.Now(),
				Status:        types.SessionCreating,
				WorkspacePath: ws,
			},
			execSem: make(chan struct{}, 1),
			kernels: make(map[string]*types.KernelHandle),
		}
		m.sessions[principal.ID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Status == types.SessionRunning && e.ContainerID != "" {
		if _, err := m.driver.Stat(ctx, e.ContainerID); err == nil {
			return e.Session, nil
		}
		e.Status = types.SessionCreating
	}
	if e.ContainerID != "" {
		// recorded container is dead or the session errored: tear the old
		// container down and rebuild, preserving the workspace.
		_ = m.driver.Stop(ctx, e.ContainerID, 2*time.Second)
		_ = m.driver.Remove(ctx, e.ContainerID)
		e.ContainerID = ""
	}

	effective := limits.Min(m.defaultLimits)
	containerID, err := m.driver.CreateContainer(ctx, principal.ID, language, effective, e.WorkspacePath)
	if err != nil {
		e.Status = types.SessionError
		return types.Session{}, types.NewError(types.KindInternal, "session create failed", err)
	}
	e.ContainerID = containerID
	e.Status = types.SessionRunning
	e.LastActivity = time.Now()
	return e.Session, nil
}

// WorkspacePathFor resolves (and creates, if missing) a principal's
// workspace directory without spinning up a container — the file surface
// must work before the first execution.
func (m *Manager) WorkspacePathFor(principalID string) (string, error) {
	ws := m.workspacePath(principalID)
	if err := os.MkdirAll(ws, 0o700); err != nil {
		return "", types.NewError(types.KindInternal, "create workspace", err)
	}
	return ws, nil
}

// AcquireExec waits for the session's exec_lock up to timeout, returning a
// Guard that must be released when the execution finishes. If the deadline
// elapses first, or the waiter queue is already at its depth cap, it returns
// a Busy error.
func (m *Manager) AcquireExec(ctx context.Context, principalID string, timeout time.Duration) (*Guard, error) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindInternal, "no session for principal", nil)
	}

	if n := atomic.AddInt32(&e.waiters, 1); m.queueDepth > 0 && int(n) > m.queueDepth {
		atomic.AddInt32(&e.waiters, -1)
		return nil, types.NewError(types.KindBusy, "exec queue depth exceeded", nil)
	}
	defer atomic.AddInt32(&e.waiters, -1)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case e.execSem <- struct{}{}:
		return &Guard{release: func() { <-e.execSem }}, nil
	case <-waitCtx.Done():
		return nil, types.NewError(types.KindBusy, "exec lock queue deadline exceeded", nil)
	}
}

// Touch updates last_activity for the given principal.
func (m *Manager) Touch(principalID string) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.LastActivity = time.Now()
	e.mu.Unlock()
}

// MarkError transitions a session to Error after an unrecoverable runtime
// failure during execution.
func (m *Manager) MarkError(principalID string) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.Status = types.SessionError
	e.ErrorCount++
	e.mu.Unlock()
}

// RecordExecution increments the execution counter; execution_count is
// never reset across container rebuilds.
func (m *Manager) RecordExecution(principalID string) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.ExecutionCount++
	e.mu.Unlock()
}

// Terminate stops and removes the container, drops persistent kernels, and
// optionally purges the workspace.
func (m *Manager) Terminate(ctx context.Context, principalID string, purgeData bool) error {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindNotFound, "no session for principal", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ContainerID != "" {
		_ = m.driver.Stop(ctx, e.ContainerID, 5*time.Second)
		_ = m.driver.Remove(ctx, e.ContainerID)
		e.ContainerID = ""
	}

	e.kernelsMu.Lock()
	e.kernels = make(map[string]*types.KernelHandle)
	e.kernelsMu.Unlock()

	if purgeData {
		_ = os.RemoveAll(e.WorkspacePath)
		_ = os.MkdirAll(e.WorkspacePath, 0o700)
	}

	e.Status = types.SessionStopped
	return nil
}

// ReapIdle terminates every session whose last_activity is older than the
// configured idle horizon.
func (m *Manager) ReapIdle(ctx context.Context, now time.Time) int {
	var toReap []string
	m.mu.RLock()
	for id, e := range m.sessions {
		e.mu.Lock()
		idle := e.Status == types.SessionRunning && now.Sub(e.LastActivity) > m.idleHorizon
		e.mu.Unlock()
		if idle {
			toReap = append(toReap, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toReap {
		if err := m.Terminate(ctx, id, false); err != nil {
			log.L().Warn("idle reap failed", zap.String("principal_id", id), zap.Error(err))
		}
	}
	return len(toReap)
}

// Inspect returns a read-only copy of a principal's Session.
func (m *Manager) Inspect(principalID string) (types.Session, bool) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Session, true
}

// List returns a read-only snapshot of every known Session.
func (m *Manager) List() []types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		e.mu.Lock()
		out = append(out, e.Session)
		e.mu.Unlock()
	}
	return out
}

// ListLive implements sampler.SessionLister: every session currently
// Running, for the resource sampler's polling loop.
func (m *Manager) ListLive() []sampler.LiveContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []sampler.LiveContainer
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.Status == types.SessionRunning && e.ContainerID != "" {
			out = append(out, sampler.LiveContainer{
				PrincipalID:   e.PrincipalID,
				ContainerID:   e.ContainerID,
				Limits:        m.defaultLimits,
				WorkspacePath: e.WorkspacePath,
			})
		}
		e.mu.Unlock()
	}
	return out
}

// Kernel returns the persistent kernel handle recorded for (principal,
// language), if any; it creates nothing. The caller (the engine's
// persistent dispatch path) is responsible for spawning the kernel process
// and recording it with SetKernel.
func (m *Manager) Kernel(principalID, language string) (*types.KernelHandle, bool) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.kernelsMu.Lock()
	defer e.kernelsMu.Unlock()
	h, ok := e.kernels[language]
	return h, ok
}

// SetKernel installs (or replaces) the kernel handle for (principal,
// language) — used on first persistent request and after a respawn.
func (m *Manager) SetKernel(principalID, language string, handle *types.KernelHandle) {
	m.mu.RLock()
	e, ok := m.sessions[principalID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.kernelsMu.Lock()
	e.kernels[language] = handle
	e.kernelsMu.Unlock()
}

// KernelStatePath returns the per-session, per-language state artifact
// path; only the kernel process ever writes to it.
func (m *Manager) KernelStatePath(principalID, language string) string {
	return m.kernelStatePath(principalID, language)
}

// EnsureLauncher validates that language is a registered launcher and the
// principal is allowed to use it.
func EnsureLauncher(principal types.Principal, language string) (*launcher.LauncherSpec, error) {
	if !principal.LanguageAllowed(language) {
		return nil, types.NewError(types.KindForbidden, fmt.Sprintf("language %q not in allow-list", language), nil)
	}
	spec, err := launcher.Get(language)
	if err != nil {
		return nil, types.NewError(types.KindForbidden, err.Error(), nil)
	}
	return spec, nil
}

// WorkspaceSnapshot lists workspace-relative file paths at the current
// instant, used by the engine to diff "files created during this
// execution" via before/after mtime comparison.
func WorkspaceSnapshot(workspacePath string) map[string]time.Time {
	out := map[string]time.Time{}
	_ = filepath.Walk(workspacePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(workspacePath, path)
		if relErr != nil {
			return nil
		}
		out[rel] = info.ModTime()
		return nil
	})
	return out
}
