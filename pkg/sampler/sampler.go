// Package sampler implements the resource sampler: a single background
// task that samples every live container's cgroup accounting on a fixed
// cadence and serves the latest per-session cpu/memory/pid/disk snapshot.
package sampler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandboxd/pkg/log"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/runtime"
	"sandboxd/pkg/types"
)

// Snapshot is the most recent reading for one session. There is no
// per-sample history; only the latest value is retained.
type Snapshot struct {
	types.ResourceUsage
	SampledAt time.Time
	Warnings  []string
}

// LiveContainer is the minimal view the sampler needs of a session to know
// what to sample.
type LiveContainer struct {
	PrincipalID   string
	ContainerID   string
	Limits        types.ResourceLimits
	WorkspacePath string
}

// SessionLister is implemented by the session manager; the sampler never
// imports the session package directly to avoid a cyclic dependency.
type SessionLister interface {
	ListLive() []LiveContainer
}

// Sampler runs the periodic sampling loop and serves the latest snapshot
// per principal.
type Sampler struct {
	driver  runtime.Driver
	lister  SessionLister
	metrics *metrics.Registry

	interval     time.Duration
	diskInterval time.Duration

	mu         sync.RWMutex
	snapshots  map[string]Snapshot
	prevCPU    map[string]cpuSample
	lastDiskAt map[string]time.Time
	lastDiskMB map[string]float64
}

type cpuSample struct {
	nanos int64
	at    time.Time
}

// New builds a Sampler; it does not start sampling until Run is called.
func New(driver runtime.Driver, lister SessionLister, reg *metrics.Registry, interval, diskInterval time.Duration) *Sampler {
	return &Sampler{
		driver:       driver,
		lister:       lister,
		metrics:      reg,
		interval:     interval,
		diskInterval: diskInterval,
		snapshots:    make(map[string]Snapshot),
		prevCPU:      make(map[string]cpuSample),
		lastDiskAt:   make(map[string]time.Time),
		lastDiskMB:   make(map[string]float64),
	}
}

// Run blocks, sampling every live container on the configured cadence until
// ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	for _, c := range s.lister.ListLive() {
		stat, err := s.driver.Stat(ctx, c.ContainerID)
		if err != nil {
			log.WithPrincipal(c.PrincipalID).Warn("sampler stat failed", zap.Error(err))
			continue
		}

		now := time.Now()
		cpuPercent := 0.0
		if prev, ok := s.prevCPU[c.PrincipalID]; ok {
			elapsed := now.Sub(prev.at).Seconds()
			cores := c.Limits.MaxCPUs
			if cores <= 0 {
				cores = 1
			}
			if elapsed > 0 {
				deltaNanos := stat.CPUNanos - prev.nanos
				cpuPercent = (float64(deltaNanos) / 1e9 / elapsed / cores) * 100
			}
		}
		s.prevCPU[c.PrincipalID] = cpuSample{nanos: stat.CPUNanos, at: now}

		diskMB := s.lastDiskMB[c.PrincipalID]
		if last, ok := s.lastDiskAt[c.PrincipalID]; !ok || now.Sub(last) >= s.diskInterval {
			diskMB = diskUsageMB(c.WorkspacePath)
			s.lastDiskAt[c.PrincipalID] = now
			s.lastDiskMB[c.PrincipalID] = diskMB
		}

		usage := types.ResourceUsage{
			CPUPercent: cpuPercent,
			MemoryMB:   float64(stat.MemoryRSS) / (1024 * 1024),
			DiskMB:     diskMB,
			PIDs:       stat.PIDs,
		}
		warnings := s.warningsFor(usage, c.Limits)

		s.mu.Lock()
		s.snapshots[c.PrincipalID] = Snapshot{ResourceUsage: usage, SampledAt: now, Warnings: warnings}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.SamplerCPUPercent.WithLabelValues(c.PrincipalID).Set(cpuPercent)
			s.metrics.SamplerMemoryMB.WithLabelValues(c.PrincipalID).Set(usage.MemoryMB)
			s.metrics.SamplerPIDs.WithLabelValues(c.PrincipalID).Set(float64(usage.PIDs))
		}
		for _, w := range warnings {
			log.WithPrincipal(c.PrincipalID).Warn("resource usage warning", zap.String("dimension", w))
		}
	}
}

// warningsFor flags any dimension that has crossed 90% of its configured
// limit.
func (s *Sampler) warningsFor(usage types.ResourceUsage, limits types.ResourceLimits) []string {
	const softThreshold = 0.9
	var warnings []string
	// cpu_percent is already relative to the MaxCPUs core count
	if limits.MaxCPUs > 0 && usage.CPUPercent >= 100*softThreshold {
		warnings = append(warnings, "cpu usage near limit")
	}
	if limits.MaxMemoryMB > 0 && usage.MemoryMB >= float64(limits.MaxMemoryMB)*softThreshold {
		warnings = append(warnings, "memory usage near limit")
	}
	if limits.MaxPIDs > 0 && float64(usage.PIDs) >= float64(limits.MaxPIDs)*softThreshold {
		warnings = append(warnings, "pid count near limit")
	}
	if limits.MaxDiskMB > 0 && usage.DiskMB >= float64(limits.MaxDiskMB)*softThreshold {
		warnings = append(warnings, "disk usage near limit")
	}
	return warnings
}

// Latest returns the most recent snapshot for a principal, if any.
func (s *Sampler) Latest(principalID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[principalID]
	return snap, ok
}

func diskUsageMB(root string) float64 {
	if root == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return float64(total) / (1024 * 1024)
}
