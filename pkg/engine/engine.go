// Package engine is the execution engine: the synchronous pipeline
// that takes an already-authenticated (principal, request) tuple through
// rate limiting, screening, session resolution, per-session serialization,
// and dispatch into the sandbox container, plus the async job path and the
// replay surface layered on top of it.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/pkg/audit"
	"sandboxd/pkg/config"
	"sandboxd/pkg/jobqueue"
	"sandboxd/pkg/kernel"
	"sandboxd/pkg/launcher"
	"sandboxd/pkg/log"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/ratelimit"
	"sandboxd/pkg/replay"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/sampler"
	"sandboxd/pkg/screener"
	"sandboxd/pkg/session"
	"sandboxd/pkg/types"
)

// How long an execution may wait for the per-session exec lock before the
// request fails with Busy.
const execQueueWait = 5 * time.Second

// envAllowList is the fixed set of caller-suppliable environment keys; any
// other key is silently dropped before dispatch.
var envAllowList = map[string]bool{
	"LANG": true, "LC_ALL": true, "TZ": true, "PYTHONPATH": true, "NODE_PATH": true,
}

var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9@/._-]*$`)

// PrincipalResolver maps a stored principal ID back to its profile; used by
// replay rerun when an admin replays another tenant's record.
type PrincipalResolver func(principalID string) (types.Principal, error)

// Engine ties the runtime driver, session manager, screener, limiter,
// sampler, and stores together behind the public execution operations.
type Engine struct {
	cfg      *config.Config
	driver   runtime.Driver
	sessions *session.Manager
	kernels  *kernel.Manager
	screen   *screener.Screener
	limiter  *ratelimit.Store
	sampler  *sampler.Sampler
	replays  *replay.Store
	auditLog *audit.Logger
	metrics  *metrics.Registry
	resolve  PrincipalResolver

	jobs *jobqueue.Queue
}

// New wires the engine. replays and auditLog may be nil (disabled).
func New(cfg *config.Config, driver runtime.Driver, sessions *session.Manager, kernels *kernel.Manager,
	screen *screener.Screener, limiter *ratelimit.Store, smp *sampler.Sampler,
	replays *replay.Store, auditLog *audit.Logger, reg *metrics.Registry, resolve PrincipalResolver,
	queueCapacity, workers int) *Engine {

	e := &Engine{
		cfg:      cfg,
		driver:   driver,
		sessions: sessions,
		kernels:  kernels,
		screen:   screen,
		limiter:  limiter,
		sampler:  smp,
		replays:  replays,
		auditLog: auditLog,
		metrics:  reg,
		resolve:  resolve,
	}
	e.jobs = jobqueue.New(e.ExecuteSync, queueCapacity, workers, 30*time.Minute, reg)
	return e
}

// Close stops the async worker pool.
func (e *Engine) Close() { e.jobs.Close() }

// ExecuteSync runs one request to completion through the synchronous
// pipeline. Terminal-status failures (RateLimited, Rejected, Busy, Timeout,
// Killed) come back inside the result or as a kind-classified error per the
// propagation policy; transport mapping is the caller's concern.
func (e *Engine) ExecuteSync(ctx context.Context, principal types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error) {
	executionID := uuid.NewString()

	if !principal.Enabled {
		return types.ExecutionResult{}, types.NewError(types.KindForbidden, "principal is disabled", nil)
	}

	if req.Language == "" {
		req.Language = e.cfg.DefaultLanguage
	}
	spec, err := session.EnsureLauncher(principal, req.Language)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	lang := spec.Language

	// Step 1: rate limit, before any container interaction.
	if !e.limiter.Allow(principal.ID) {
		if e.metrics != nil {
			e.metrics.RateLimitRejections.WithLabelValues(principal.ID).Inc()
		}
		e.auditLog.Log(audit.Entry{
			ExecutionID: executionID,
			PrincipalID: principal.ID,
			Language:    lang,
			Action:      "rate_limit",
			Category:    audit.CategorySecurity,
		})
		return types.ExecutionResult{}, types.NewError(types.KindRateLimited, "rate limit exceeded", nil)
	}

	// Step 2: screener. A reject never touches the container.
	if verdict := e.screen.Screen(req.Code, lang); !verdict.Allowed {
		for _, r := range verdict.Reasons {
			if e.metrics != nil {
				e.metrics.ScreenerRejections.WithLabelValues(r).Inc()
			}
		}
		e.auditLog.Log(audit.Entry{
			ExecutionID: executionID,
			PrincipalID: principal.ID,
			Language:    lang,
			Action:      "reject",
			Category:    audit.CategorySecurity,
			CodeHash:    audit.HashCode(req.Code),
		})
		result := types.ExecutionResult{
			ExecutionID:  executionID,
			Status:       types.StatusRejected,
			Stderr:       "code rejected: " + strings.Join(verdict.Reasons, "; "),
			FilesCreated: []string{},
		}
		e.observe(result, lang)
		return result, nil
	}

	// Step 3: session.
	sess, err := e.sessions.GetOrCreate(ctx, principal, lang, principal.LimitOverride.Min(spec.DefaultLimits))
	if err != nil {
		return types.ExecutionResult{}, err
	}

	// Step 4: per-session serialization.
	guard, err := e.sessions.AcquireExec(ctx, principal.ID, execQueueWait)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	defer guard.Release()

	deadline := e.resolveDeadline(req, principal)
	env := filterEnv(req.Env)
	before := session.WorkspaceSnapshot(sess.WorkspacePath)

	// Step 5: dispatch, with one transparent container-rebuild retry on a
	// runtime failure. The dispatch context is the secondary watchdog: if
	// the runtime fails to enforce its own deadline, the exec is cut off
	// shortly after.
	dispatchCtx, cancelDispatch := context.WithTimeout(ctx, deadline+15*time.Second)
	defer cancelDispatch()

	start := time.Now()
	timer := e.metrics.NewTimer(lang)
	result, dispatchErr := e.dispatch(dispatchCtx, principal, sess, spec, req, executionID, env, deadline)
	if dispatchErr != nil && types.KindOf(dispatchErr) == types.KindRuntimeError {
		log.WithExecution(executionID).Warn("runtime error, rebuilding container", zap.Error(dispatchErr))
		if e.metrics != nil {
			e.metrics.RuntimeRetries.Inc()
		}
		e.sessions.MarkError(principal.ID)
		sess, err = e.sessions.GetOrCreate(ctx, principal, lang, principal.LimitOverride.Min(spec.DefaultLimits))
		if err == nil {
			result, dispatchErr = e.dispatch(dispatchCtx, principal, sess, spec, req, executionID, env, deadline)
		}
	}
	durationMs := timer.ObserveDuration()

	if dispatchErr != nil {
		e.sessions.MarkError(principal.ID)
		e.auditLog.Log(audit.Entry{
			ExecutionID: executionID,
			PrincipalID: principal.ID,
			ContainerID: sess.ContainerID,
			Language:    lang,
			Action:      "error",
			DurationMs:  durationMs,
			Error:       dispatchErr.Error(),
		})
		return types.ExecutionResult{}, dispatchErr
	}

	// Step 6: wrap-up.
	result.ExecutionID = executionID
	result.DurationMs = durationMs
	result.FilesCreated = filesCreatedSince(sess.WorkspacePath, before, start)
	result.ResourceUsage = e.usageFor(ctx, principal.ID, sess.ContainerID)
	e.killStragglers(ctx, sess.ContainerID)

	e.sessions.RecordExecution(principal.ID)
	e.sessions.Touch(principal.ID)

	exitCode := 0
	if result.ExitCode != nil {
		exitCode = *result.ExitCode
	}
	e.auditLog.Log(audit.Entry{
		ExecutionID: executionID,
		PrincipalID: principal.ID,
		ContainerID: sess.ContainerID,
		Language:    lang,
		Action:      actionFor(result.Status),
		DurationMs:  result.DurationMs,
		ExitCode:    exitCode,
		CodeHash:    audit.HashCode(req.Code),
	})
	e.observe(result, lang)

	if e.replays != nil {
		rec := types.ReplayRecord{
			ExecutionID: executionID,
			PrincipalID: principal.ID,
			Timestamp:   time.Now().UTC(),
			Request:     req,
			Result:      result,
		}
		if err := e.replays.Append(rec); err != nil {
			log.WithExecution(executionID).Warn("replay record write failed", zap.Error(err))
		} else if e.metrics != nil {
			e.metrics.ReplayRecordsOnDisk.Set(float64(e.replays.Count()))
		}
	}

	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, principal types.Principal, sess types.Session,
	spec *launcher.LauncherSpec, req types.ExecutionRequest, executionID string,
	env map[string]string, deadline time.Duration) (types.ExecutionResult, error) {

	if req.Persistent {
		return e.dispatchPersistent(ctx, principal, sess, spec, req, executionID, deadline)
	}
	return e.dispatchOneshot(ctx, sess, spec, req, executionID, env, deadline)
}

// dispatchOneshot runs the fixed per-language launcher once. Code rides on
// stdin where the launcher supports it; otherwise it is written to a temp
// path under the container's tmpfs first.
func (e *Engine) dispatchOneshot(ctx context.Context, sess types.Session, spec *launcher.LauncherSpec,
	req types.ExecutionRequest, executionID string, env map[string]string, deadline time.Duration) (types.ExecutionResult, error) {

	var res *runtime.ExecOneshotResult
	var err error

	switch {
	case spec.Compile != nil:
		dir := "/tmp/build-" + executionID[:8]
		src := dir + "/" + spec.EntryFile
		bin := dir + "/" + spec.Compile.BinaryName

		if err = e.writeInContainer(ctx, sess.ContainerID, dir, src, req.Code, env); err != nil {
			return types.ExecutionResult{}, err
		}
		compileStart := time.Now()
		compile, cerr := e.driver.ExecOneshot(ctx, sess.ContainerID, spec.Compile.Argv(src, bin), "", env, deadline)
		if cerr != nil {
			return types.ExecutionResult{}, cerr
		}
		if compile.TerminatedByDeadline {
			return types.ExecutionResult{Status: types.StatusTimeout, Stderr: compile.Stderr}, nil
		}
		if compile.ExitCode != 0 {
			code := compile.ExitCode
			return types.ExecutionResult{Status: types.StatusError, Stderr: compile.Stderr, ExitCode: &code}, nil
		}
		// the compile step spends from the same budget, not a separate one
		remaining := deadline - time.Since(compileStart)
		if remaining <= 0 {
			return types.ExecutionResult{Status: types.StatusTimeout, Stderr: compile.Stderr}, nil
		}
		res, err = e.driver.ExecOneshot(ctx, sess.ContainerID, spec.Argv(bin), "", env, remaining)

	case spec.StdinFeed:
		res, err = e.driver.ExecOneshot(ctx, sess.ContainerID, spec.Argv("-"), req.Code, env, deadline)

	default:
		path := "/tmp/" + spec.EntryFile
		if err = e.writeInContainer(ctx, sess.ContainerID, "/tmp", path, req.Code, env); err != nil {
			return types.ExecutionResult{}, err
		}
		res, err = e.driver.ExecOneshot(ctx, sess.ContainerID, spec.Argv(path), "", env, deadline)
	}
	if err != nil {
		return types.ExecutionResult{}, err
	}

	exitCode := res.ExitCode
	result := types.ExecutionResult{
		Status:   statusFor(res),
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: &exitCode,
	}
	return result, nil
}

// writeInContainer stages source under the tmpfs via a short shell exec, for
// launchers that cannot read code from stdin.
func (e *Engine) writeInContainer(ctx context.Context, containerID, dir, path, code string, env map[string]string) error {
	argv := []string{"/bin/sh", "-c", fmt.Sprintf("mkdir -p %s && cat > %s", dir, path)}
	res, err := e.driver.ExecOneshot(ctx, containerID, argv, code, env, 10*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewError(types.KindRuntimeError, "stage source in container: "+res.Stderr, nil)
	}
	return nil
}

// dispatchPersistent routes the request through the session's long-lived
// kernel, spawning (or respawning) it first when needed.
func (e *Engine) dispatchPersistent(ctx context.Context, principal types.Principal, sess types.Session,
	spec *launcher.LauncherSpec, req types.ExecutionRequest, executionID string, deadline time.Duration) (types.ExecutionResult, error) {

	statePath := e.sessions.KernelStatePath(principal.ID, spec.Language)
	proc, err := e.kernels.GetOrSpawn(ctx, principal.ID, sess.ContainerID, spec.Language, statePath)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	handle := proc.Handle()
	e.sessions.SetKernel(principal.ID, spec.Language, &handle)

	stdout, stderr, err := proc.Execute(ctx, executionID, req.Code, deadline)
	if err != nil && types.KindOf(err) == types.KindRuntimeError && proc.Dead() {
		// kernel died mid-request: respawn once; state reload recovers to
		// the last successful save.
		proc, err = e.kernels.GetOrSpawn(ctx, principal.ID, sess.ContainerID, spec.Language, statePath)
		if err == nil {
			handle = proc.Handle()
			e.sessions.SetKernel(principal.ID, spec.Language, &handle)
			stdout, stderr, err = proc.Execute(ctx, executionID, req.Code, deadline)
		}
	}
	if err != nil {
		switch types.KindOf(err) {
		case types.KindTimeout:
			return types.ExecutionResult{Status: types.StatusTimeout, Stdout: stdout, Stderr: stderr}, nil
		default:
			return types.ExecutionResult{}, err
		}
	}
	return types.ExecutionResult{Status: types.StatusSuccess, Stdout: stdout, Stderr: stderr}, nil
}

// ExecuteAsync enqueues the request and returns its job ID immediately.
func (e *Engine) ExecuteAsync(principal types.Principal, req types.ExecutionRequest) (string, error) {
	if !principal.Enabled {
		return "", types.NewError(types.KindForbidden, "principal is disabled", nil)
	}
	return e.jobs.Submit(principal, req)
}

// JobStatus returns the job by ID; callers only see their own jobs unless
// they are an admin.
func (e *Engine) JobStatus(caller types.Principal, jobID string) (types.Job, error) {
	job, err := e.jobs.Status(jobID)
	if err != nil {
		return types.Job{}, err
	}
	if !caller.IsAdmin && job.PrincipalID != caller.ID {
		return types.Job{}, types.NewError(types.KindForbidden, "job belongs to another principal", nil)
	}
	return job, nil
}

// CancelJob cancels a queued or running job.
func (e *Engine) CancelJob(caller types.Principal, jobID string) error {
	job, err := e.jobs.Status(jobID)
	if err != nil {
		return err
	}
	if !caller.IsAdmin && job.PrincipalID != caller.ID {
		return types.NewError(types.KindForbidden, "job belongs to another principal", nil)
	}
	return e.jobs.Cancel(jobID)
}

// QueueDepth reports the async queue's current backlog.
func (e *Engine) QueueDepth() int { return e.jobs.Depth() }

// ReplaysList lists retained replay records; non-admin callers only see
// their own.
func (e *Engine) ReplaysList(caller types.Principal, limit int) ([]types.ReplayRecord, error) {
	if e.replays == nil {
		return nil, types.NewError(types.KindNotFound, "replay is disabled", nil)
	}
	filter := caller.ID
	if caller.IsAdmin {
		filter = ""
	}
	return e.replays.List(filter, limit), nil
}

// ReplayGet fetches one record, enforcing ownership.
func (e *Engine) ReplayGet(caller types.Principal, executionID string) (types.ReplayRecord, error) {
	if e.replays == nil {
		return types.ReplayRecord{}, types.NewError(types.KindNotFound, "replay is disabled", nil)
	}
	rec, err := e.replays.Get(executionID)
	if err != nil {
		return types.ReplayRecord{}, err
	}
	if !caller.IsAdmin && rec.PrincipalID != caller.ID {
		return types.ReplayRecord{}, types.NewError(types.KindForbidden, "replay belongs to another principal", nil)
	}
	return rec, nil
}

// ReplayRerun re-submits a record's sanitized request as a fresh execution
// for the original principal. An evicted record returns NotFound.
func (e *Engine) ReplayRerun(ctx context.Context, caller types.Principal, executionID string) (types.ExecutionResult, error) {
	rec, err := e.ReplayGet(caller, executionID)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	principal := caller
	if caller.IsAdmin && rec.PrincipalID != caller.ID && e.resolve != nil {
		principal, err = e.resolve(rec.PrincipalID)
		if err != nil {
			return types.ExecutionResult{}, err
		}
	}
	return e.ExecuteSync(ctx, principal, rec.Request)
}

// TerminateSession tears down a principal's session: container stopped and
// removed, kernel processes dropped, workspace optionally purged.
func (e *Engine) TerminateSession(ctx context.Context, principalID string, purgeData bool) error {
	if err := e.sessions.Terminate(ctx, principalID, purgeData); err != nil {
		return err
	}
	e.kernels.DropAll(principalID)
	e.auditLog.Log(audit.Entry{
		PrincipalID: principalID,
		Action:      "terminate",
		Category:    audit.CategoryLifecycle,
	})
	return nil
}

// InstallPackage is the controlled exec path for adding a package to a
// session's environment: it runs the language's package manager under the
// same serialization and deadline discipline as any execution.
func (e *Engine) InstallPackage(ctx context.Context, principal types.Principal, language, name string) (types.ExecutionResult, error) {
	if !packageNameRe.MatchString(name) {
		return types.ExecutionResult{}, types.NewError(types.KindForbidden, fmt.Sprintf("invalid package name %q", name), nil)
	}
	spec, err := session.EnsureLauncher(principal, language)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	var argv []string
	switch spec.Language {
	case "python":
		argv = []string{"pip", "install", "--user", "--no-cache-dir", name}
	case "javascript":
		argv = []string{"npm", "install", "--no-save", name}
	default:
		return types.ExecutionResult{}, types.NewError(types.KindForbidden, fmt.Sprintf("package install not supported for %q", spec.Language), nil)
	}

	sess, err := e.sessions.GetOrCreate(ctx, principal, spec.Language, principal.LimitOverride.Min(spec.DefaultLimits))
	if err != nil {
		return types.ExecutionResult{}, err
	}
	guard, err := e.sessions.AcquireExec(ctx, principal.ID, execQueueWait)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	defer guard.Release()

	start := time.Now()
	res, err := e.driver.ExecOneshot(ctx, sess.ContainerID, argv, "", nil, 2*time.Minute)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	exitCode := res.ExitCode
	return types.ExecutionResult{
		ExecutionID:  uuid.NewString(),
		Status:       statusFor(res),
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     &exitCode,
		DurationMs:   time.Since(start).Milliseconds(),
		FilesCreated: []string{},
	}, nil
}

// resolveDeadline applies min(request, global max, principal override).
func (e *Engine) resolveDeadline(req types.ExecutionRequest, principal types.Principal) time.Duration {
	secs := e.cfg.DefaultLimits.MaxExecutionSeconds
	if req.TimeoutSeconds > 0 && req.TimeoutSeconds < secs {
		secs = req.TimeoutSeconds
	}
	if o := principal.LimitOverride.MaxExecutionSeconds; o > 0 && o < secs {
		secs = o
	}
	return time.Duration(secs) * time.Second
}

// usageFor prefers the sampler's latest snapshot, falling back to a direct
// stat so a freshly created session still reports something.
func (e *Engine) usageFor(ctx context.Context, principalID, containerID string) types.ResourceUsage {
	if e.sampler != nil {
		if snap, ok := e.sampler.Latest(principalID); ok {
			return snap.ResourceUsage
		}
	}
	if containerID != "" {
		if stat, err := e.driver.Stat(ctx, containerID); err == nil {
			return types.ResourceUsage{
				MemoryMB: float64(stat.MemoryRSS) / (1024 * 1024),
				PIDs:     stat.PIDs,
			}
		}
	}
	return types.ResourceUsage{}
}

// killStragglers best-effort terminates any processes user code left
// behind. PID 1 (the keepalive) is exempt from the process-group kill.
func (e *Engine) killStragglers(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	argv := []string{"/bin/sh", "-c", "kill -9 -1 2>/dev/null; true"}
	_, _ = e.driver.ExecOneshot(ctx, containerID, argv, "", nil, 2*time.Second)
}

// observe counts the execution by terminal status; duration lands in the
// histogram through the Timer wrapped around dispatch.
func (e *Engine) observe(result types.ExecutionResult, language string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ExecutionsTotal.WithLabelValues(string(result.Status), language).Inc()
}

func statusFor(res *runtime.ExecOneshotResult) types.ExecStatus {
	switch {
	case res.TerminatedByDeadline:
		return types.StatusTimeout
	case res.Killed:
		return types.StatusKilled
	case res.ExitCode == 0:
		return types.StatusSuccess
	default:
		return types.StatusError
	}
}

func actionFor(status types.ExecStatus) string {
	switch status {
	case types.StatusSuccess:
		return "complete"
	case types.StatusTimeout:
		return "timeout"
	case types.StatusKilled:
		return "kill"
	case types.StatusRejected:
		return "reject"
	default:
		return "error"
	}
}

func filterEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if envAllowList[k] {
			out[k] = v
		}
	}
	return out
}

// filesCreatedSince diffs the workspace against the pre-dispatch snapshot:
// any path that is new, or whose mtime moved past tStart, counts as created
// by this execution.
func filesCreatedSince(workspacePath string, before map[string]time.Time, tStart time.Time) []string {
	after := session.WorkspaceSnapshot(workspacePath)
	out := []string{}
	for rel, mtime := range after {
		prev, existed := before[rel]
		if !existed || (mtime.After(tStart) && !mtime.Equal(prev)) {
			out = append(out, filepath.ToSlash(rel))
		}
	}
	return out
}
