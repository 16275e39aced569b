// Package config loads and validates sandboxd's runtime configuration from
// the environment: the broker's resource, security, rate-limit, replay,
// sampler, and session knobs, each with a default. Only the security
// switches are validated; the numeric knobs are not range-checked.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"sandboxd/pkg/types"
)

// Environment constants, mirrored from the ambient stack's convention.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	Environment string

	DataDir string

	DefaultLimits types.ResourceLimits

	Security SecurityConfig

	RateLimit RateLimitConfig

	Replay ReplayConfig

	Sampler SamplerConfig

	Session SessionConfig

	DockerHost      string
	HTTPAddr        string
	DefaultLanguage string
}

// SecurityConfig holds the container profile switches. ReadOnlyRootfs and
// DropAllCaps default on; disabling either is rejected outright in
// production.
type SecurityConfig struct {
	ReadOnlyRootfs  bool
	DropAllCaps     bool
	NoNewPrivileges bool
	DisableNetwork  bool
}

// RateLimitConfig configures the per-principal token bucket.
type RateLimitConfig struct {
	Capacity        int
	RefillPerMinute int
}

// ReplayConfig configures the capped on-disk replay ring.
type ReplayConfig struct {
	Enabled    bool
	MaxRecords int
}

// SamplerConfig configures the resource sampler's cadence.
type SamplerConfig struct {
	IntervalSeconds     int
	DiskIntervalSeconds int
}

// SessionConfig configures session idle eviction and queueing.
type SessionConfig struct {
	IdleHorizonSeconds int
	ExecQueueDepth     int
}

// requirement is one validated configuration knob, in the declarative style
// this codebase uses to validate its own settings.
type requirement struct {
	envVar   string
	required bool
	validate func(string) error
}

// ValidationError aggregates every requirement violation so the caller sees
// the whole picture at once instead of failing on the first bad knob.
type ValidationError struct {
	Invalid []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Invalid, "; "))
}

func (e *ValidationError) HasErrors() bool { return len(e.Invalid) > 0 }

// Load reads a .env file (if present, development convenience only) and
// builds a validated Config from the environment. In production mode,
// disabling a default-on security switch is a fatal validation error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := strings.ToLower(getenv("SANDBOXD_ENV", EnvDevelopment))
	isProd := env == EnvProduction

	cfg := &Config{
		Environment:     env,
		DataDir:         getenv("SANDBOXD_DATA_DIR", "./data"),
		DockerHost:      getenv("SANDBOXD_DOCKER_HOST", ""),
		HTTPAddr:        getenv("SANDBOXD_HTTP_ADDR", ":8080"),
		DefaultLanguage: getenv("SANDBOXD_DEFAULT_LANGUAGE", "python"),
		DefaultLimits: types.ResourceLimits{
			MaxMemoryMB:         getint("SANDBOXD_MAX_MEMORY_MB", 256),
			MaxCPUs:             getfloat("SANDBOXD_MAX_CPUS", 1.0),
			MaxPIDs:             getint("SANDBOXD_MAX_PIDS", 64),
			MaxExecutionSeconds: int(getint("SANDBOXD_MAX_EXECUTION_SECONDS", 30)),
			MaxDiskMB:           getint("SANDBOXD_MAX_DISK_MB", 100),
		},
		Security: SecurityConfig{
			ReadOnlyRootfs:  getbool("SANDBOXD_READ_ONLY_ROOTFS", true),
			DropAllCaps:     getbool("SANDBOXD_DROP_ALL_CAPS", true),
			NoNewPrivileges: getbool("SANDBOXD_NO_NEW_PRIVILEGES", true),
			DisableNetwork:  getbool("SANDBOXD_DISABLE_NETWORK", true),
		},
		RateLimit: RateLimitConfig{
			Capacity:        int(getint("SANDBOXD_RATE_LIMIT_CAPACITY", 60)),
			RefillPerMinute: int(getint("SANDBOXD_RATE_LIMIT_REFILL_PER_MINUTE", 60)),
		},
		Replay: ReplayConfig{
			Enabled:    getbool("SANDBOXD_REPLAY_ENABLED", true),
			MaxRecords: int(getint("SANDBOXD_REPLAY_MAX_RECORDS", 500)),
		},
		Sampler: SamplerConfig{
			IntervalSeconds:     int(getint("SANDBOXD_SAMPLER_INTERVAL_SECONDS", 5)),
			DiskIntervalSeconds: int(getint("SANDBOXD_SAMPLER_DISK_INTERVAL_SECONDS", 30)),
		},
		Session: SessionConfig{
			IdleHorizonSeconds: int(getint("SANDBOXD_SESSION_IDLE_HORIZON_SECONDS", 1800)),
			ExecQueueDepth:     int(getint("SANDBOXD_SESSION_EXEC_QUEUE_DEPTH", 32)),
		},
	}

	verr := &ValidationError{}
	for _, req := range requirements(cfg) {
		value := os.Getenv(req.envVar)
		if req.validate == nil {
			continue
		}
		if err := req.validate(value); err != nil {
			if isProd {
				verr.Invalid = append(verr.Invalid, fmt.Sprintf("%s: %v", req.envVar, err))
			}
		}
	}
	if isProd && verr.HasErrors() {
		return nil, verr
	}

	return cfg, nil
}

// requirements wires the production-mode security switches into the
// declarative validation table: disabling any of them in production is
// rejected.
func requirements(cfg *Config) []requirement {
	return []requirement{
		{
			envVar: "SANDBOXD_READ_ONLY_ROOTFS",
			validate: func(string) error {
				if !cfg.Security.ReadOnlyRootfs {
					return fmt.Errorf("read-only rootfs cannot be disabled in production")
				}
				return nil
			},
		},
		{
			envVar: "SANDBOXD_DROP_ALL_CAPS",
			validate: func(string) error {
				if !cfg.Security.DropAllCaps {
					return fmt.Errorf("capability dropping cannot be disabled in production")
				}
				return nil
			},
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
