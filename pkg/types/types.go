// Package types holds the data model shared across the broker: principals,
// resource limits, sessions, kernel handles, execution requests/results, and
// the job and replay records that wrap an execution.
package types

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionCreating SessionStatus = "Creating"
	SessionRunning  SessionStatus = "Running"
	SessionStopped  SessionStatus = "Stopped"
	SessionError    SessionStatus = "Error"
)

// ExecStatus is the terminal status of an ExecutionResult.
type ExecStatus string

const (
	StatusSuccess  ExecStatus = "Success"
	StatusError    ExecStatus = "Error"
	StatusTimeout  ExecStatus = "Timeout"
	StatusKilled   ExecStatus = "Killed"
	StatusRejected ExecStatus = "Rejected"
)

// JobState is the lifecycle state of an async Job.
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
)

// Terminal reports whether the state is one of the frozen terminal states.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ResourceLimits bounds what a single execution (or persistent session) may
// consume. Zero fields are treated as "use the global default" by callers
// that merge a principal's overrides onto the configured defaults.
type ResourceLimits struct {
	MaxMemoryMB         int64   `json:"max_memory_mb"`
	MaxCPUs             float64 `json:"max_cpus"`
	MaxPIDs             int64   `json:"max_pids"`
	MaxExecutionSeconds int     `json:"max_execution_seconds"`
	MaxDiskMB           int64   `json:"max_disk_mb"`
}

// Min returns the element-wise minimum of two limit sets; zero on either
// side is treated as "no opinion" and the other side wins.
func (r ResourceLimits) Min(other ResourceLimits) ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:         minNonZero(r.MaxMemoryMB, other.MaxMemoryMB),
		MaxCPUs:             minNonZeroF(r.MaxCPUs, other.MaxCPUs),
		MaxPIDs:             minNonZero(r.MaxPIDs, other.MaxPIDs),
		MaxExecutionSeconds: int(minNonZero(int64(r.MaxExecutionSeconds), int64(other.MaxExecutionSeconds))),
		MaxDiskMB:           minNonZero(r.MaxDiskMB, other.MaxDiskMB),
	}
}

func minNonZero(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func minNonZeroF(a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// Principal is a tenant identity resolved by the (external) transport layer
// before any core operation runs.
type Principal struct {
	ID            string          `json:"id"`
	Enabled       bool            `json:"enabled"`
	AllowedLangs  map[string]bool `json:"allowed_languages"`
	LimitOverride ResourceLimits  `json:"limit_override"`
	IsAdmin       bool            `json:"is_admin"`
}

// LanguageAllowed reports whether lang is in the principal's allow-list. An
// empty allow-list means "all languages permitted".
func (p Principal) LanguageAllowed(lang string) bool {
	if len(p.AllowedLangs) == 0 {
		return true
	}
	return p.AllowedLangs[lang]
}

// KernelHandle tracks a persistent-mode interpreter process for one
// (session, language) pair.
type KernelHandle struct {
	Language        string    `json:"language"`
	ProcessIDInside int       `json:"process_id_inside_container"`
	StateFilePath   string    `json:"state_file_path"`
	LastUsed        time.Time `json:"last_used"`
}

// ExecutionRequest is what a caller asks the engine to run.
type ExecutionRequest struct {
	Code           string            `json:"code"`
	Language       string            `json:"language"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Persistent     bool              `json:"persistent"`
	Env            map[string]string `json:"env"`
}

// ResourceUsage is the latest reading of a session's live container,
// produced by the resource sampler: CPU averaged over the last sampling
// interval, memory and PIDs as instantaneous values, disk from the most
// recent disk walk. It holds no peak values.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	DiskMB     float64 `json:"disk_mb"`
	PIDs       int64   `json:"pids"`
}

// ExecutionResult is the outcome of execute_sync (and, once resolved, of an
// async Job).
type ExecutionResult struct {
	ExecutionID   string        `json:"execution_id"`
	Status        ExecStatus    `json:"status"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
	FilesCreated  []string      `json:"files_created"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

// Job is an asynchronously dispatched execution.
type Job struct {
	JobID       string           `json:"job_id"`
	PrincipalID string           `json:"principal_id"`
	Request     ExecutionRequest `json:"request"`
	State       JobState         `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
}

// ReplayRecord captures one completed execution for audit and re-run.
type ReplayRecord struct {
	ExecutionID string           `json:"execution_id"`
	PrincipalID string           `json:"principal_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Request     ExecutionRequest `json:"request"`
	Result      ExecutionResult  `json:"result"`
}

// Session is the per-principal sandbox state owned by the session manager.
// The exec lock and kernel map live alongside it in pkg/session, not here,
// because they are concurrency primitives rather than serialized data.
type Session struct {
	PrincipalID    string        `json:"principal_id"`
	ContainerID    string        `json:"container_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Status         SessionStatus `json:"status"`
	ExecutionCount int64         `json:"execution_count"`
	ErrorCount     int64         `json:"error_count"`
	WorkspacePath  string        `json:"workspace_path"`
}
