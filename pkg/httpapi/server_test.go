package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/config"
	"sandboxd/pkg/engine"
	"sandboxd/pkg/kernel"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/ratelimit"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/screener"
	"sandboxd/pkg/session"
	"sandboxd/pkg/types"
	"sandboxd/pkg/users"
)

func newTestServer(t *testing.T) (*Server, *runtime.FakeDriver) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sandboxd-httpapi-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := &config.Config{
		Environment:     config.EnvDevelopment,
		DataDir:         dir,
		DefaultLanguage: "python",
		DefaultLimits: types.ResourceLimits{
			MaxMemoryMB: 256, MaxCPUs: 1, MaxPIDs: 64, MaxExecutionSeconds: 30, MaxDiskMB: 100,
		},
	}

	driver := runtime.NewFakeDriver()
	sessions := session.New(driver, dir, cfg.DefaultLimits, time.Hour, 8)
	limiter := ratelimit.New(60, 60)
	t.Cleanup(limiter.Close)
	reg := metrics.New()

	eng := engine.New(cfg, driver, sessions, kernel.New(driver), screener.New(), limiter, nil,
		nil, nil, reg, nil, 4, 1)
	t.Cleanup(eng.Close)

	store, err := users.Open(dir + "/users.json")
	require.NoError(t, err)
	_, err = store.Create(users.User{ID: "p1", Username: "alice", Enabled: true})
	require.NoError(t, err)
	_, err = store.Create(users.User{ID: "root", Username: "root", Enabled: true, IsAdmin: true})
	require.NoError(t, err)
	_, err = store.Create(users.User{ID: "p-off", Username: "off", Enabled: false})
	require.NoError(t, err)

	return New(cfg, eng, sessions, store, nil, driver, reg), driver
}

func do(t *testing.T, s *Server, method, path, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestExecuteRequiresPrincipal(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/execute", "", `{"code":"x=1"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDisabledPrincipalForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/execute", "p-off", `{"code":"x=1"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestExecuteHappyPath(t *testing.T) {
	s, driver := newTestServer(t)
	driver.ExecFunc = func(argv []string, stdin string) (*runtime.ExecOneshotResult, error) {
		return &runtime.ExecOneshotResult{ExitCode: 0, Stdout: "42\n"}, nil
	}

	w := do(t, s, http.MethodPost, "/execute", "p1", `{"code":"print(42)"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result types.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, types.StatusSuccess, result.Status)
	require.Equal(t, "42\n", result.Stdout)
}

func TestScreenerRejectReturns200WithStatus(t *testing.T) {
	s, driver := newTestServer(t)
	w := do(t, s, http.MethodPost, "/execute", "p1", `{"code":":(){ :|: & };:","language":"shell"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result types.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, types.StatusRejected, result.Status)
	require.Equal(t, int64(0), driver.ExecCallCount())
}

func TestAdminSurfaceRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/admin/sessions", "p1", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/admin/sessions", "root", "").Code)
}

func TestAdminUserLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/admin/users", "root", `{"id":"p2","username":"bob","enabled":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/admin/users/p2", "root", "")
	require.Equal(t, http.StatusOK, w.Code)
	var u users.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	require.Equal(t, "bob", u.Username)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/admin/users/p2", "root", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/admin/users/p2", "root", "").Code)
}

func TestFilesRoundTripAndTraversalRejected(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/files", "p1", `{"path":"notes/hello.txt","content":"hi"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/files?path=notes/hello.txt", "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hi", w.Body.String())

	w = do(t, s, http.MethodGet, "/files?path=../../../etc/passwd", "p1", "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodDelete, "/files?path=notes/hello.txt", "p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/files?path=notes/hello.txt", "p1", "").Code)
}

func TestHealthIsOpen(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", "", "").Code)
}

func TestSafePath(t *testing.T) {
	dir := t.TempDir()

	_, err := safePath(dir, "a/../../escape")
	require.Error(t, err)

	p, err := safePath(dir, "sub/file.txt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p, dir))

	p, err = safePath(dir, "/leading/slash")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p, dir))
}
