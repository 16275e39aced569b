// Package kernel implements the persistent-mode interpreter subsystem: a
// long-lived in-container process that reads request frames from a pipe
// and writes response frames, preserving interpreter state across
// requests. Framing is newline-delimited JSON over the same streaming
// exec primitive (runtime.Driver.ExecStreaming) the one-shot path uses.
package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"sandboxd/pkg/launcher"
	"sandboxd/pkg/log"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/types"

	"go.uber.org/zap"
)

// Frame is a single request sent to a kernel process.
type Frame struct {
	ExecutionID string `json:"execution_id"`
	Code        string `json:"code"`
}

// Response is a single reply from a kernel process.
type Response struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	OK     bool   `json:"ok"`
}

// Process is one running kernel: the writer side of its stdin pipe and a
// line scanner over its stdout, serialized by a mutex because persistent-
// mode responses must be strictly ordered with respect to that kernel's
// input frames.
type Process struct {
	mu     sync.Mutex
	stdinW io.WriteCloser
	stdout *bufio.Scanner
	wait   runtime.WaitHandle
	dead   bool

	handle types.KernelHandle
}

// Handle returns a copy of the kernel's bookkeeping handle.
func (p *Process) Handle() types.KernelHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// Dead reports whether the kernel process has been observed to exit; the
// next request for this (session, language) must spawn a replacement.
func (p *Process) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Execute sends one frame and waits for its matching response, honoring
// the same per-request deadline the rest of the pipeline uses. A request
// exceeding the deadline marks the process dead (Execute sends it no
// signal), so the next request spawns a replacement whose state reload
// recovers to the last successful save.
func (p *Process) Execute(ctx context.Context, executionID, code string, deadline time.Duration) (stdout, stderr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return "", "", types.NewError(types.KindRuntimeError, "kernel process is dead", nil)
	}

	frame := Frame{ExecutionID: executionID, Code: code}
	encoded, marshalErr := json.Marshal(frame)
	if marshalErr != nil {
		return "", "", types.NewError(types.KindInternal, "encode kernel frame", marshalErr)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	writeDone := make(chan error, 1)
	go func() {
		_, werr := p.stdinW.Write(append(encoded, '\n'))
		writeDone <- werr
	}()

	select {
	case werr := <-writeDone:
		if werr != nil {
			p.dead = true
			return "", "", types.NewError(types.KindRuntimeError, "write kernel frame", werr)
		}
	case <-deadlineCtx.Done():
		p.dead = true
		return "", "", types.NewError(types.KindTimeout, "kernel write deadline exceeded", nil)
	}

	readDone := make(chan Response, 1)
	readErr := make(chan error, 1)
	go func() {
		if !p.stdout.Scan() {
			readErr <- p.stdout.Err()
			return
		}
		var resp Response
		if err := json.Unmarshal(p.stdout.Bytes(), &resp); err != nil {
			readErr <- err
			return
		}
		readDone <- resp
	}()

	select {
	case resp := <-readDone:
		p.handle.LastUsed = time.Now()
		if !resp.OK {
			return resp.Stdout, resp.Stderr, types.NewError(types.KindRuntimeError, "kernel reported failure", nil)
		}
		return resp.Stdout, resp.Stderr, nil
	case e := <-readErr:
		p.dead = true
		return "", "", types.NewError(types.KindRuntimeError, "kernel response read failed", e)
	case <-deadlineCtx.Done():
		p.dead = true
		return "", "", types.NewError(types.KindTimeout, "kernel request deadline exceeded", nil)
	}
}

// Manager spawns and tracks at most one kernel Process per (principal,
// language); kernel death is observed by callers polling Dead(), never
// signalled by the kernel itself.
type Manager struct {
	driver runtime.Driver

	mu        sync.Mutex
	processes map[string]*Process // key: principalID + "/" + language
}

// New builds a kernel Manager.
func New(driver runtime.Driver) *Manager {
	return &Manager{driver: driver, processes: make(map[string]*Process)}
}

func key(principalID, language string) string { return principalID + "/" + language }

// GetOrSpawn returns the live kernel process for (principal, language),
// spawning (or respawning, if the previous one died) a fresh process that
// reloads its state file on startup.
func (m *Manager) GetOrSpawn(ctx context.Context, principalID, containerID, language, statePath string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processes[key(principalID, language)]; ok && !p.Dead() {
		return p, nil
	}

	spec, err := launcher.Get(language)
	if err != nil {
		return nil, err
	}
	if !spec.Persistent {
		return nil, types.NewError(types.KindForbidden, fmt.Sprintf("language %q has no persistent kernel", language), nil)
	}

	argv := spec.KernelArgv()
	stdinR, stdinW := io.Pipe()
	stdout, _, wait, err := m.driver.ExecStreaming(ctx, containerID, argv, stdinR, map[string]string{"SANDBOXD_STATE_FILE": statePath}, 0)
	if err != nil {
		return nil, err
	}

	p := &Process{
		stdinW: stdinW,
		stdout: bufio.NewScanner(stdout),
		wait:   wait,
		handle: types.KernelHandle{Language: language, StateFilePath: statePath, LastUsed: time.Now()},
	}
	m.processes[key(principalID, language)] = p

	go func() {
		_, _, _ = p.wait.Wait(context.Background())
		p.mu.Lock()
		p.dead = true
		p.mu.Unlock()
		log.WithPrincipal(principalID).Info("kernel process exited", zap.String("language", language))
	}()

	return p, nil
}

// DropAll removes every tracked kernel process for a principal without
// killing them explicitly — used when the owning session terminates and
// the container (and therefore every kernel in it) is removed wholesale.
func (m *Manager) DropAll(principalID string) {
	m.mu.Lock()
	for k := range m.processes {
		if len(k) > len(principalID) && k[:len(principalID)] == principalID && k[len(principalID)] == '/' {
			delete(m.processes, k)
		}
	}
	m.mu.Unlock()
}
