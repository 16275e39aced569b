// Package runtime wraps the OCI-compatible container runtime:
// creating, execing into, sampling, stopping, and removing the
// per-principal sandbox containers, all under a locked-down security
// profile whose default-on switches production refuses to relax.
package runtime

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"sandboxd/pkg/types"
)

// Stat is a point-in-time cgroup accounting read for one container.
type Stat struct {
	CPUNanos  int64
	MemoryRSS int64
	PIDs      int64
	DiskUsed  int64
}

// ExecOneshotResult is the outcome of a single non-interactive exec.
type ExecOneshotResult struct {
	ExitCode             int
	Stdout               string
	Stderr               string
	TerminatedByDeadline bool
	Killed               bool
}

// WaitHandle lets a caller block on a streaming exec's completion.
type WaitHandle interface {
	Wait(ctx context.Context) (exitCode int, terminatedByDeadline bool, err error)
}

// Driver is the narrow command surface the rest of the system drives the
// container runtime through. Implementations: DockerDriver for
// production, FakeDriver for tests that must never touch a real daemon.
type Driver interface {
	CreateContainer(ctx context.Context, principalID, language string, limits types.ResourceLimits, workspacePath string) (containerID string, err error)
	ExecOneshot(ctx context.Context, containerID string, argv []string, stdin string, env map[string]string, deadline time.Duration) (*ExecOneshotResult, error)
	ExecStreaming(ctx context.Context, containerID string, argv []string, stdin io.Reader, env map[string]string, deadline time.Duration) (stdout io.ReadCloser, stderr io.ReadCloser, wait WaitHandle, err error)
	Stat(ctx context.Context, containerID string) (Stat, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	RuntimeVersion(ctx context.Context) (string, error)
}

// SecurityProfile captures the container hardening settings every sandbox
// container is created with: read-only root, a capped noexec/nosuid tmpfs,
// all capabilities dropped, no new privileges, no network, and a seccomp
// filter over a fixed syscall deny-list. The switches mirror the security
// configuration; production mode refuses to disable the default-on ones.
type SecurityProfile struct {
	ReadOnlyRootfs  bool
	TmpfsPath       string
	TmpfsSizeBytes  int64
	DropAllCaps     bool
	NoNewPrivileges bool
	DisableNetwork  bool
	SeccompDenyList []string
}

// DefaultSeccompDenyList is the fixed set of syscalls the sandbox profile
// blocks regardless of language.
var DefaultSeccompDenyList = []string{
	"mount", "umount2", "reboot", "swapon", "ptrace",
	"process_vm_readv", "process_vm_writev", "keyctl", "add_key", "bpf", "perf_event_open",
}

// DefaultSecurityProfile returns the locked-down profile with every switch
// on; there is no per-language opt-out of any of these switches.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		ReadOnlyRootfs:  true,
		TmpfsPath:       "/tmp",
		TmpfsSizeBytes:  100 * 1024 * 1024,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		DisableNetwork:  true,
		SeccompDenyList: DefaultSeccompDenyList,
	}
}

// SeccompProfileJSON renders a deny-list as a seccomp profile the runtime
// loads directly from the security-opt value: default-allow, with every
// listed syscall failing with EPERM.
func SeccompProfileJSON(denyList []string) (string, error) {
	type rule struct {
		Names  []string `json:"names"`
		Action string   `json:"action"`
	}
	profile := struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []rule `json:"syscalls"`
	}{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls:      []rule{{Names: denyList, Action: "SCMP_ACT_ERRNO"}},
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsTransient reports whether a runtime error is the kind the driver
// retries internally (rate limit, socket busy) rather than surfacing as a
// RuntimeError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *TransientError:
		return true
	default:
		return false
	}
}

// TransientError marks an error as retryable inside the driver.
type TransientError struct{ Cause error }

func (e *TransientError) Error() string { return "transient runtime error: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }
