// Package httpapi mounts the broker's operations behind an HTTP surface.
// It performs no authentication beyond resolving the already-authenticated
// principal header to a stored profile; token parsing, TLS, and proxy
// topology live outside this process.
package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandboxd/pkg/config"
	"sandboxd/pkg/engine"
	"sandboxd/pkg/launcher"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/sampler"
	"sandboxd/pkg/session"
	"sandboxd/pkg/types"
	"sandboxd/pkg/users"
)

// PrincipalHeader carries the authenticated tenant identity, set by the
// external transport layer in front of this process.
const PrincipalHeader = "X-Sandboxd-Principal"

const principalKey = "principal"

// Server wires the route table.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	sessions *session.Manager
	users    *users.Store
	sampler  *sampler.Sampler
	driver   runtime.Driver
	metrics  *metrics.Registry

	// Optional WebSocket handlers (MCP, admin terminal) mounted if set.
	MCPHandler      gin.HandlerFunc
	TerminalHandler gin.HandlerFunc
}

// New builds the server; call Router to get the mounted handler.
func New(cfg *config.Config, eng *engine.Engine, sessions *session.Manager, userStore *users.Store,
	smp *sampler.Sampler, driver runtime.Driver, reg *metrics.Registry) *Server {
	return &Server{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		users:    userStore,
		sampler:  smp,
		driver:   driver,
		metrics:  reg,
	}
}

// Router assembles the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(RequestID(), Recovery(), AccessLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registerer(), promhttp.HandlerOpts{})))

	authed := r.Group("/", s.resolvePrincipal)
	{
		authed.POST("/execute", s.handleExecute)
		authed.POST("/execute/async", s.handleExecuteAsync)
		authed.GET("/jobs/:id", s.handleJobStatus)
		authed.DELETE("/jobs/:id", s.handleJobCancel)

		authed.GET("/files", s.handleFilesGet)
		authed.POST("/files", s.handleFilesPut)
		authed.DELETE("/files", s.handleFilesDelete)

		authed.GET("/session", s.handleSessionInspect)
		authed.POST("/session", s.handleSessionRecreate)
		authed.DELETE("/session", s.handleSessionTerminate)

		authed.POST("/packages", s.handleInstallPackage)

		authed.GET("/replays", s.handleReplaysList)
		authed.GET("/replays/:id", s.handleReplayGet)
		authed.POST("/replays/:id/replay", s.handleReplayRerun)

		if s.MCPHandler != nil {
			authed.GET("/mcp", s.MCPHandler)
		}

		admin := authed.Group("/admin", s.requireAdmin)
		{
			admin.GET("/sessions", s.handleAdminSessions)
			admin.DELETE("/sessions/:id", s.handleAdminTerminateSession)
			admin.GET("/stats", s.handleAdminStats)
			admin.GET("/users", s.handleAdminUsersList)
			admin.POST("/users", s.handleAdminUserCreate)
			admin.GET("/users/:id", s.handleAdminUserGet)
			admin.PUT("/users/:id", s.handleAdminUserUpdate)
			admin.DELETE("/users/:id", s.handleAdminUserDelete)
			if s.TerminalHandler != nil {
				admin.GET("/sessions/:id/terminal", s.TerminalHandler)
			}
		}
	}

	return r
}

// resolvePrincipal maps the principal header onto a stored profile. A
// missing or unknown header is Unauthorized; a disabled profile is
// Forbidden.
func (s *Server) resolvePrincipal(c *gin.Context) {
	id := c.GetHeader(PrincipalHeader)
	if id == "" {
		writeError(c, types.NewError(types.KindUnauthorized, "no principal", nil))
		c.Abort()
		return
	}
	u, err := s.users.Get(id)
	if err != nil {
		writeError(c, types.NewError(types.KindUnauthorized, "unknown principal", nil))
		c.Abort()
		return
	}
	if !u.Enabled {
		writeError(c, types.NewError(types.KindForbidden, "principal is disabled", nil))
		c.Abort()
		return
	}
	c.Set(principalKey, u.Principal())
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	if !principalFrom(c).IsAdmin {
		writeError(c, types.NewError(types.KindForbidden, "admin access required", nil))
		c.Abort()
		return
	}
	c.Next()
}

func principalFrom(c *gin.Context) types.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(types.Principal)
	return principal
}

func (s *Server) handleHealth(c *gin.Context) {
	version, err := s.driver.RuntimeVersion(c.Request.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
		version = ""
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"runtime_version": version,
		"time":            time.Now().UTC(),
	})
}

// handleExecute runs the synchronous pipeline. Per the propagation policy,
// kinds that are an execution's terminal status come back as 200 with the
// status field carrying the kind; everything else is a transport error.
func (s *Server) handleExecute(c *gin.Context) {
	var req types.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	result, err := s.engine.ExecuteSync(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		if kind := types.KindOf(err); kind.TerminalStatus() {
			c.JSON(http.StatusOK, gin.H{
				"status": string(kind),
				"error":  err.Error(),
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExecuteAsync(c *gin.Context) {
	var req types.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	jobID, err := s.engine.ExecuteAsync(principalFrom(c), req)
	if err != nil {
		if kind := types.KindOf(err); kind.TerminalStatus() {
			c.JSON(http.StatusOK, gin.H{"status": string(kind), "error": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := s.engine.JobStatus(principalFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobCancel(c *gin.Context) {
	if err := s.engine.CancelJob(principalFrom(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// safePath resolves a caller-supplied workspace-relative path, rejecting
// traversal and symlink escape.
func safePath(workspace, rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return workspace, nil
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", types.NewError(types.KindForbidden, "path traversal rejected", nil)
		}
	}
	abs := filepath.Join(workspace, filepath.FromSlash(rel))
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		wsResolved, werr := filepath.EvalSymlinks(workspace)
		if werr == nil && resolved != wsResolved && !strings.HasPrefix(resolved, wsResolved+string(filepath.Separator)) {
			return "", types.NewError(types.KindForbidden, "symlink escape rejected", nil)
		}
	}
	return abs, nil
}

func (s *Server) workspaceFor(c *gin.Context) (string, bool) {
	ws, err := s.sessions.WorkspacePathFor(principalFrom(c).ID)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return ws, true
}

func (s *Server) handleFilesGet(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	path, err := safePath(ws, c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(c, types.NewError(types.KindNotFound, "no such file", nil))
		return
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			writeError(c, types.NewError(types.KindInternal, "read dir", err))
			return
		}
		type fileInfo struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
			Size  int64  `json:"size"`
		}
		out := make([]fileInfo, 0, len(entries))
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileInfo{Name: e.Name(), IsDir: e.IsDir(), Size: fi.Size()})
		}
		c.JSON(http.StatusOK, gin.H{"entries": out})
		return
	}
	c.File(path)
}

func (s *Server) handleFilesPut(c *gin.Context) {
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	path, err := safePath(ws, body.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		writeError(c, types.NewError(types.KindInternal, "create parent dir", err))
		return
	}
	if err := os.WriteFile(path, []byte(body.Content), 0o600); err != nil {
		writeError(c, types.NewError(types.KindInternal, "write file", err))
		return
	}
	s.sessions.Touch(principalFrom(c).ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFilesDelete(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		writeError(c, types.NewError(types.KindForbidden, "refusing to delete workspace root", nil))
		return
	}
	path, err := safePath(ws, rel)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		writeError(c, types.NewError(types.KindInternal, "delete", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessionInspect(c *gin.Context) {
	sess, ok := s.sessions.Inspect(principalFrom(c).ID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no session", nil))
		return
	}
	resp := gin.H{"session": sess}
	if s.sampler != nil {
		if snap, ok := s.sampler.Latest(sess.PrincipalID); ok {
			resp["resource_usage"] = snap.ResourceUsage
			resp["warnings"] = snap.Warnings
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessionRecreate(c *gin.Context) {
	p := principalFrom(c)
	if _, ok := s.sessions.Inspect(p.ID); ok {
		if err := s.engine.TerminateSession(c.Request.Context(), p.ID, false); err != nil {
			writeError(c, err)
			return
		}
	}
	lang := c.DefaultQuery("language", s.cfg.DefaultLanguage)
	sess, err := s.sessions.GetOrCreate(c.Request.Context(), p, lang, p.LimitOverride)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionTerminate(c *gin.Context) {
	purge := c.Query("purge") == "true"
	if err := s.engine.TerminateSession(c.Request.Context(), principalFrom(c).ID, purge); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInstallPackage(c *gin.Context) {
	var body struct {
		Language string `json:"language"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	if body.Language == "" {
		body.Language = s.cfg.DefaultLanguage
	}
	result, err := s.engine.InstallPackage(c.Request.Context(), principalFrom(c), body.Language, body.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleReplaysList(c *gin.Context) {
	records, err := s.engine.ReplaysList(principalFrom(c), 100)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replays": records})
}

func (s *Server) handleReplayGet(c *gin.Context) {
	rec, err := s.engine.ReplayGet(principalFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleReplayRerun(c *gin.Context) {
	result, err := s.engine.ReplayRerun(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		if kind := types.KindOf(err); kind.TerminalStatus() {
			c.JSON(http.StatusOK, gin.H{"status": string(kind), "error": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAdminSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) handleAdminTerminateSession(c *gin.Context) {
	purge := c.Query("purge") == "true"
	if err := s.engine.TerminateSession(c.Request.Context(), c.Param("id"), purge); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminStats(c *gin.Context) {
	sessions := s.sessions.List()
	running := 0
	var executions int64
	for _, sess := range sessions {
		if sess.Status == types.SessionRunning {
			running++
		}
		executions += sess.ExecutionCount
	}
	version, _ := s.driver.RuntimeVersion(c.Request.Context())
	languages := make([]string, 0)
	for _, spec := range launcher.All() {
		languages = append(languages, spec.Language)
	}
	sort.Strings(languages)
	c.JSON(http.StatusOK, gin.H{
		"sessions_total":   len(sessions),
		"sessions_running": running,
		"executions_total": executions,
		"queue_depth":      s.engine.QueueDepth(),
		"runtime_version":  version,
		"languages":        languages,
	})
}

func (s *Server) handleAdminUsersList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.users.List()})
}

func (s *Server) handleAdminUserCreate(c *gin.Context) {
	var u users.User
	if err := c.ShouldBindJSON(&u); err != nil {
		writeBadRequest(c, err)
		return
	}
	created, err := s.users.Create(u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleAdminUserGet(c *gin.Context) {
	u, err := s.users.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleAdminUserUpdate(c *gin.Context) {
	var u users.User
	if err := c.ShouldBindJSON(&u); err != nil {
		writeBadRequest(c, err)
		return
	}
	u.ID = c.Param("id")
	updated, err := s.users.Update(u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleAdminUserDelete(c *gin.Context) {
	if err := s.users.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
