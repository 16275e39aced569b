package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/config"
	"sandboxd/pkg/kernel"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/ratelimit"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/screener"
	"sandboxd/pkg/session"
	"sandboxd/pkg/types"
)

func newTestEngine(t *testing.T, rateCapacity int) (*Engine, *runtime.FakeDriver, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sandboxd-engine-test")
	require.NoError(t, err)

	cfg := &config.Config{
		Environment:     config.EnvDevelopment,
		DataDir:         dir,
		DefaultLanguage: "python",
		DefaultLimits: types.ResourceLimits{
			MaxMemoryMB:         256,
			MaxCPUs:             1,
			MaxPIDs:             64,
			MaxExecutionSeconds: 30,
			MaxDiskMB:           100,
		},
	}

	driver := runtime.NewFakeDriver()
	sessions := session.New(driver, dir, cfg.DefaultLimits, time.Hour, 8)
	limiter := ratelimit.New(rateCapacity, rateCapacity)

	eng := New(cfg, driver, sessions, kernel.New(driver), screener.New(), limiter, nil,
		nil, nil, metrics.New(), nil, 4, 2)

	cleanup := func() {
		eng.Close()
		limiter.Close()
		os.RemoveAll(dir)
	}
	return eng, driver, cleanup
}

func TestExecuteSyncSuccess(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		return &runtime.ExecOneshotResult{ExitCode: 0, Stdout: "42\n"}, nil
	}

	result, err := eng.ExecuteSync(context.Background(), types.Principal{ID: "p1", Enabled: true},
		types.ExecutionRequest{Code: "print(42)"})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, result.Status)
	require.Equal(t, "42\n", result.Stdout)
	require.NotNil(t, result.ExitCode)
	require.Equal(t, 0, *result.ExitCode)
	require.NotEmpty(t, result.ExecutionID)
}

func TestScreenerRejectNeverTouchesContainer(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	result, err := eng.ExecuteSync(context.Background(), types.Principal{ID: "p1", Enabled: true},
		types.ExecutionRequest{Code: ":(){ :|: & };:", Language: "shell"})
	require.NoError(t, err)
	require.Equal(t, types.StatusRejected, result.Status)
	require.Contains(t, result.Stderr, "fork bomb")
	require.Equal(t, int64(0), driver.ExecCallCount())
}

func TestRateLimitExhaustion(t *testing.T) {
	eng, _, cleanup := newTestEngine(t, 1)
	defer cleanup()

	p := types.Principal{ID: "p1", Enabled: true}
	_, err := eng.ExecuteSync(context.Background(), p, types.ExecutionRequest{Code: "x = 1"})
	require.NoError(t, err)

	_, err = eng.ExecuteSync(context.Background(), p, types.ExecutionRequest{Code: "x = 2"})
	require.Error(t, err)
	require.Equal(t, types.KindRateLimited, types.KindOf(err))
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		return &runtime.ExecOneshotResult{ExitCode: 137, TerminatedByDeadline: true}, nil
	}

	result, err := eng.ExecuteSync(context.Background(), types.Principal{ID: "p1", Enabled: true},
		types.ExecutionRequest{Code: "while True: pass", TimeoutSeconds: 2})
	require.NoError(t, err)
	require.Equal(t, types.StatusTimeout, result.Status)
}

func TestDisabledPrincipalForbidden(t *testing.T) {
	eng, _, cleanup := newTestEngine(t, 60)
	defer cleanup()

	_, err := eng.ExecuteSync(context.Background(), types.Principal{ID: "p1", Enabled: false},
		types.ExecutionRequest{Code: "x = 1"})
	require.Error(t, err)
	require.Equal(t, types.KindForbidden, types.KindOf(err))
}

func TestLanguageAllowListEnforced(t *testing.T) {
	eng, _, cleanup := newTestEngine(t, 60)
	defer cleanup()

	p := types.Principal{ID: "p1", Enabled: true, AllowedLangs: map[string]bool{"python": true}}
	_, err := eng.ExecuteSync(context.Background(), p, types.ExecutionRequest{Code: "ls", Language: "shell"})
	require.Error(t, err)
	require.Equal(t, types.KindForbidden, types.KindOf(err))
}

func TestNoConcurrentExecutionsPerPrincipal(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	var inFlight, maxSeen int32
	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &runtime.ExecOneshotResult{ExitCode: 0, Stdout: "ok"}, nil
	}

	p := types.Principal{ID: "p1", Enabled: true}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.ExecuteSync(context.Background(), p, types.ExecutionRequest{Code: "x = 1"})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestAsyncConvergesToCompleted(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		return &runtime.ExecOneshotResult{ExitCode: 0, Stdout: "42\n"}, nil
	}

	p := types.Principal{ID: "p1", Enabled: true}
	jobID, err := eng.ExecuteAsync(p, types.ExecutionRequest{Code: "print(42)"})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := eng.JobStatus(p, jobID)
		require.NoError(t, err)
		if job.State.Terminal() {
			require.Equal(t, types.JobCompleted, job.State)
			require.NotNil(t, job.Result)
			require.Equal(t, "42\n", job.Result.Stdout)
			return
		}
		require.True(t, time.Now().Before(deadline), "job never reached a terminal state")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobOwnershipEnforced(t *testing.T) {
	eng, _, cleanup := newTestEngine(t, 60)
	defer cleanup()

	jobID, err := eng.ExecuteAsync(types.Principal{ID: "p1", Enabled: true}, types.ExecutionRequest{Code: "x = 1"})
	require.NoError(t, err)

	_, err = eng.JobStatus(types.Principal{ID: "p2", Enabled: true}, jobID)
	require.Error(t, err)
	require.Equal(t, types.KindForbidden, types.KindOf(err))
}

func TestFilesCreatedDetection(t *testing.T) {
	eng, driver, cleanup := newTestEngine(t, 60)
	defer cleanup()

	p := types.Principal{ID: "p1", Enabled: true}
	ws := filepath.Join(eng.cfg.DataDir, "sessions", "p1", "workspace")

	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		// side effect a real execution would have through the bind mount
		_ = os.WriteFile(filepath.Join(ws, "out.txt"), []byte("data"), 0o600)
		return &runtime.ExecOneshotResult{ExitCode: 0}, nil
	}

	result, err := eng.ExecuteSync(context.Background(), p, types.ExecutionRequest{Code: "open('out.txt','w')"})
	require.NoError(t, err)
	require.Contains(t, result.FilesCreated, "out.txt")
}

func TestInstallPackageRejectsHostileName(t *testing.T) {
	eng, _, cleanup := newTestEngine(t, 60)
	defer cleanup()

	_, err := eng.InstallPackage(context.Background(), types.Principal{ID: "p1", Enabled: true},
		"python", "requests; rm -rf /")
	require.Error(t, err)
	require.Equal(t, types.KindForbidden, types.KindOf(err))
}
