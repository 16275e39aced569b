package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"sandboxd/pkg/launcher"
	"sandboxd/pkg/log"
	"sandboxd/pkg/types"
)

// DockerDriver drives an OCI runtime through the Docker Engine API, using
// the real SDK client rather than shelling out to the docker CLI.
type DockerDriver struct {
	cli     *client.Client
	profile SecurityProfile

	imageCacheMu  sync.Mutex
	imageCache    map[string]time.Time
	imageCacheTTL time.Duration
}

// NewDockerDriver connects to the Docker daemon at host (empty uses the
// environment default, e.g. DOCKER_HOST or the local socket) and applies
// profile to every container it creates.
func NewDockerDriver(host string, profile SecurityProfile) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	return &DockerDriver{
		cli:           cli,
		profile:       profile,
		imageCache:    make(map[string]time.Time),
		imageCacheTTL: 10 * time.Minute,
	}, nil
}

// RuntimeVersion reports the daemon's engine version, used for the admin
// stats surface and startup logging.
func (d *DockerDriver) RuntimeVersion(ctx context.Context) (string, error) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "", classify(err)
	}
	return v.Version, nil
}

// CreateContainer starts a per-principal sandbox container, kept alive with
// a trivial foreground sleep so that subsequent execs are cheap, under the
// fixed security profile.
func (d *DockerDriver) CreateContainer(ctx context.Context, principalID, language string, limits types.ResourceLimits, workspacePath string) (string, error) {
	spec, err := launcher.Get(language)
	if err != nil {
		return "", types.NewError(types.KindForbidden, "language not supported", err)
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	effective := limits.Min(spec.DefaultLimits)
	hostCfg, err := d.buildHostConfig(effective, workspacePath)
	if err != nil {
		return "", err
	}

	name := "sandboxd-" + sanitizeName(principalID) + "-" + sanitizeName(language)
	var created container.CreateResponse
	err = d.retry(ctx, func() error {
		var cerr error
		created, cerr = d.cli.ContainerCreate(ctx, &container.Config{
			Image:           spec.Image,
			Cmd:             []string{"sleep", "infinity"},
			WorkingDir:      "/workspace",
			NetworkDisabled: d.profile.DisableNetwork,
			Labels:          map[string]string{"sandboxd.principal": principalID, "sandboxd.language": language},
		}, hostCfg, &network.NetworkingConfig{}, nil, name)
		return classify(cerr)
	})
	if err != nil {
		return "", err
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", classify(err)
	}

	log.WithPrincipal(principalID).Info("sandbox container created",
		zap.String("container_id", created.ID), zap.String("language", language))
	return created.ID, nil
}

// buildHostConfig assembles the HostConfig enforcing the security profile:
// read-only root, all capabilities dropped, no-new-privileges, network
// disabled, a seccomp filter over the deny-list, a capped noexec/nosuid
// tmpfs, the workspace bind mount, and cgroup limits derived from the
// effective ResourceLimits. The workspace bind mount carries no
// noexec/nosuid/nodev options.
func (d *DockerDriver) buildHostConfig(limits types.ResourceLimits, workspacePath string) (*container.HostConfig, error) {
	securityOpt := []string{}
	if d.profile.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}
	if len(d.profile.SeccompDenyList) > 0 {
		seccomp, err := SeccompProfileJSON(d.profile.SeccompDenyList)
		if err != nil {
			return nil, types.NewError(types.KindInternal, "render seccomp profile", err)
		}
		securityOpt = append(securityOpt, "seccomp="+seccomp)
	}

	pidsLimit := limits.MaxPIDs
	if pidsLimit <= 0 {
		pidsLimit = 64
	}
	memoryBytes := limits.MaxMemoryMB * 1024 * 1024
	if memoryBytes <= 0 {
		memoryBytes = 256 * 1024 * 1024
	}
	nanoCPUs := int64(limits.MaxCPUs * 1_000_000_000)
	if nanoCPUs <= 0 {
		nanoCPUs = 1_000_000_000
	}

	mounts := []mount.Mount{
		{
			Type:        mount.TypeBind,
			Source:      workspacePath,
			Target:      "/workspace",
			BindOptions: &mount.BindOptions{},
			ReadOnly:    false,
		},
	}

	networkMode := container.NetworkMode("none")
	if !d.profile.DisableNetwork {
		networkMode = "bridge"
	}

	var capDrop []string
	if d.profile.DropAllCaps {
		capDrop = []string{"ALL"}
	}

	return &container.HostConfig{
		AutoRemove:     false,
		ReadonlyRootfs: d.profile.ReadOnlyRootfs,
		SecurityOpt:    securityOpt,
		CapDrop:        capDrop,
		NetworkMode:    networkMode,
		Tmpfs: map[string]string{
			d.profile.TmpfsPath: fmt.Sprintf("rw,noexec,nosuid,size=%d", d.profile.TmpfsSizeBytes),
		},
		Mounts: mounts,
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}, nil
}

// ExecOneshot runs argv to completion (or the deadline), capturing
// stdout/stderr with a hard byte cap and reporting whether the deadline
// forced termination.
func (d *DockerDriver) ExecOneshot(ctx context.Context, containerID string, argv []string, stdin string, env map[string]string, deadline time.Duration) (*ExecOneshotResult, error) {
	const maxOutputBytes = 2 * 1024 * 1024

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          flattenEnv(env),
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}
	created, err := d.cli.ContainerExecCreate(execCtx, containerID, execCfg)
	for attempt := 1; attempt < 3 && IsTransient(classify(err)); attempt++ {
		select {
		case <-execCtx.Done():
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
		created, err = d.cli.ContainerExecCreate(execCtx, containerID, execCfg)
	}
	if err != nil {
		return nil, classify(err)
	}

	attached, err := d.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer attached.Close()

	if stdin != "" {
		go func() {
			_, _ = attached.Conn.Write([]byte(stdin))
			attached.CloseWrite()
		}()
	}

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxOutputBytes, maxOutputBytes

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
		copyDone <- copyErr
	}()

	result := &ExecOneshotResult{}
	select {
	case <-execCtx.Done():
		result.TerminatedByDeadline = errors.Is(execCtx.Err(), context.DeadlineExceeded)
		// unblock the copier: the hijacked connection does not observe ctx
		attached.Close()
		<-copyDone
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		result.ExitCode = -1
		return result, nil
	case copyErr := <-copyDone:
		if copyErr != nil && copyErr != io.EOF {
			return nil, classify(copyErr)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classify(err)
	}
	result.ExitCode = inspect.ExitCode
	result.Stdout, result.Stderr = stdout.String(), stderr.String()
	return result, nil
}

// ExecStreaming exposes a streaming exec for interactive/persistent-kernel
// I/O; callers read from stdout/stderr incrementally and block on wait.
func (d *DockerDriver) ExecStreaming(ctx context.Context, containerID string, argv []string, stdin io.Reader, env map[string]string, deadline time.Duration) (io.ReadCloser, io.ReadCloser, WaitHandle, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          flattenEnv(env),
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, nil, nil, classify(err)
	}
	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, nil, classify(err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attached.Reader)
		stdoutW.Close()
		stderrW.Close()
	}()
	go func() {
		_, _ = io.Copy(attached.Conn, stdin)
		attached.CloseWrite()
	}()

	return stdoutR, stderrR, &dockerWaitHandle{driver: d, execID: created.ID, deadline: deadline}, nil
}

type dockerWaitHandle struct {
	driver   *DockerDriver
	execID   string
	deadline time.Duration
}

func (w *dockerWaitHandle) Wait(ctx context.Context) (int, bool, error) {
	// deadline <= 0 means no deadline: long-lived kernels run until their
	// session terminates.
	deadlineCtx := ctx
	if w.deadline > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, w.deadline)
		defer cancel()
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadlineCtx.Done():
			return -1, true, nil
		case <-ticker.C:
			inspect, err := w.driver.cli.ContainerExecInspect(ctx, w.execID)
			if err != nil {
				return -1, false, classify(err)
			}
			if !inspect.Running {
				return inspect.ExitCode, false, nil
			}
		}
	}
}

// Stat reads cgroup-derived accounting for the container via the Docker
// stats API rather than parsing CLI output. Missing fields return zero
// with no error.
func (d *DockerDriver) Stat(ctx context.Context, containerID string) (Stat, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stat{}, classify(err)
	}
	defer resp.Body.Close()

	var v struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
		} `json:"cpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
		} `json:"memory_stats"`
		PidsStats struct {
			Current uint64 `json:"current"`
		} `json:"pids_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		log.L().Warn("container stats unavailable", zap.String("container_id", containerID), zap.Error(err))
		return Stat{}, nil // controller unavailable: warn-and-zero, never error
	}
	return Stat{
		CPUNanos:  int64(v.CPUStats.CPUUsage.TotalUsage),
		MemoryRSS: int64(v.MemoryStats.Usage),
		PIDs:      int64(v.PidsStats.Current),
	}, nil
}

// Stop sends SIGTERM, waits up to grace, then SIGKILL.
func (d *DockerDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	timeoutSeconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return classify(err)
	}
	return nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return classify(err)
	}
	return nil
}

// ensureImage checks the bounded-TTL image availability cache before
// hitting the daemon; a miss pulls the image and refreshes the cache entry.
func (d *DockerDriver) ensureImage(ctx context.Context, imageName string) error {
	d.imageCacheMu.Lock()
	if until, ok := d.imageCache[imageName]; ok && time.Now().Before(until) {
		d.imageCacheMu.Unlock()
		return nil
	}
	d.imageCacheMu.Unlock()

	if _, _, err := d.cli.ImageInspectWithRaw(ctx, imageName); err == nil {
		d.cacheImage(imageName)
		return nil
	}

	rc, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return types.NewError(types.KindRuntimeError, "image missing and pull failed: "+imageName, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	d.cacheImage(imageName)
	return nil
}

func (d *DockerDriver) cacheImage(name string) {
	d.imageCacheMu.Lock()
	d.imageCache[name] = time.Now().Add(d.imageCacheTTL)
	d.imageCacheMu.Unlock()
}

// retry runs op up to three times, backing off briefly between attempts,
// but only for errors classified as transient; anything else surfaces on
// the first attempt.
func (d *DockerDriver) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = op(); err == nil || !IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return err
}

// classify turns a Docker SDK error into the broker's taxonomy: transient
// errors (rate limit, socket busy) are wrapped so the caller can retry with
// bounded backoff; everything else is a RuntimeError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "socket: too many") || strings.Contains(msg, "connection reset") {
		return &TransientError{Cause: err}
	}
	return types.NewError(types.KindRuntimeError, "container runtime failure", err)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// limitedBuffer wraps bytes.Buffer with a hard byte cap: oversize output
// is truncated rather than growing without bound.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	written   int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.written >= l.limit {
		l.truncated = true
		return len(p), nil
	}
	remaining := l.limit - l.written
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		l.written = l.limit
		l.truncated = true
		return len(p), nil
	}
	n, err := l.buf.Write(p)
	l.written += n
	return len(p), err
}

func (l *limitedBuffer) String() string {
	if l.truncated {
		return l.buf.String() + "\n[output truncated]"
	}
	return l.buf.String()
}
