package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sandboxd/pkg/audit"
	"sandboxd/pkg/config"
	"sandboxd/pkg/engine"
	"sandboxd/pkg/httpapi"
	"sandboxd/pkg/kernel"
	"sandboxd/pkg/log"
	"sandboxd/pkg/mcptransport"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/ratelimit"
	"sandboxd/pkg/replay"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/sampler"
	"sandboxd/pkg/screener"
	"sandboxd/pkg/session"
	"sandboxd/pkg/terminal"
	"sandboxd/pkg/types"
	"sandboxd/pkg/users"
)

// Async path sizing: a fixed worker pool draining a bounded queue.
const (
	asyncQueueCapacity = 256
	asyncWorkers       = 4
)

func main() {
	log.Init()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.L().Fatal("configuration invalid", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.L().Fatal("create data dir", zap.Error(err))
	}

	profile := runtime.DefaultSecurityProfile()
	profile.ReadOnlyRootfs = cfg.Security.ReadOnlyRootfs
	profile.DropAllCaps = cfg.Security.DropAllCaps
	profile.NoNewPrivileges = cfg.Security.NoNewPrivileges
	profile.DisableNetwork = cfg.Security.DisableNetwork

	driver, err := runtime.NewDockerDriver(cfg.DockerHost, profile)
	if err != nil {
		log.L().Fatal("container runtime unavailable", zap.Error(err))
	}

	reg := metrics.New()

	sessions := session.New(driver, cfg.DataDir, cfg.DefaultLimits,
		time.Duration(cfg.Session.IdleHorizonSeconds)*time.Second, cfg.Session.ExecQueueDepth)

	smp := sampler.New(driver, sessions, reg,
		time.Duration(cfg.Sampler.IntervalSeconds)*time.Second,
		time.Duration(cfg.Sampler.DiskIntervalSeconds)*time.Second)

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerMinute)
	defer limiter.Close()

	var replays *replay.Store
	if cfg.Replay.Enabled {
		replays, err = replay.Open(filepath.Join(cfg.DataDir, "replays"), cfg.Replay.MaxRecords)
		if err != nil {
			log.L().Fatal("open replay store", zap.Error(err))
		}
	}

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		log.L().Fatal("open audit log", zap.Error(err))
	}
	defer auditLog.Close()

	userStore, err := users.Open(filepath.Join(cfg.DataDir, "users.json"))
	if err != nil {
		log.L().Fatal("open user store", zap.Error(err))
	}
	resolve := func(principalID string) (types.Principal, error) {
		u, err := userStore.Get(principalID)
		if err != nil {
			return types.Principal{}, err
		}
		return u.Principal(), nil
	}

	eng := engine.New(cfg, driver, sessions, kernel.New(driver), screener.New(), limiter, smp,
		replays, auditLog, reg, resolve, asyncQueueCapacity, asyncWorkers)
	defer eng.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go smp.Run(rootCtx)
	go reapLoop(rootCtx, sessions, reg)

	api := httpapi.New(cfg, eng, sessions, userStore, smp, driver, reg)
	api.MCPHandler = mcptransport.New(eng).Handler(func(c *gin.Context) types.Principal {
		v, _ := c.Get("principal")
		p, _ := v.(types.Principal)
		return p
	})
	api.TerminalHandler = terminal.New(sessions).Handler()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.L().Info("sandboxd listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("environment", cfg.Environment),
			zap.String("data_dir", cfg.DataDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.L().Fatal("http server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.L().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	// Stop every live container so nothing is orphaned across restarts.
	for _, sess := range sessions.List() {
		if sess.Status == types.SessionRunning {
			_ = sessions.Terminate(shutdownCtx, sess.PrincipalID, false)
		}
	}
}

// reapLoop evicts idle sessions on a fixed cadence and keeps the active
// session gauge current.
func reapLoop(ctx context.Context, sessions *session.Manager, reg *metrics.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.ReapIdle(ctx, time.Now()); n > 0 {
				log.L().Info("idle sessions reaped", zap.Int("count", n))
			}
			running := 0
			for _, s := range sessions.List() {
				if s.Status == types.SessionRunning {
					running++
				}
			}
			reg.ActiveSessions.Set(float64(running))
		}
	}
}
