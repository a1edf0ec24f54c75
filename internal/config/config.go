package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	ListenAddr  string
	CORSOrigins []string
	LogFile     string // when set, stdout/stderr are redirected here

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Image policy
	AllowedRegistries []string
	AllowedImages     []string // optional explicit allow-list; empty means registry check only
	RegistryAuth      string   // JSON registry credentials; value must never be logged

	// Execution engine
	ExecsPerContainer     int64
	ExecOutputBudgetBytes int64
	ExecPollResponseBytes int64
	DefaultExecTimeout    time.Duration

	// Workspace gateway
	WorkspaceMount    string
	TransferRateBytes int64 // bytes/sec throttle for tar import/export, 0 = unlimited

	// Container resource defaults
	MemoryLimitBytes int64
	CPULimit         float64
	PidsLimit        int64
	NetworkMode      string

	// Lifecycle
	DrainGrace      time.Duration
	TransientGCDays int

	// Warm pool
	WarmPoolEnabled    bool
	WarmPoolSize       int
	WarmPoolImage      string
	WarmHealthInterval time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.ListenAddr = getEnv("DEVBENCH_LISTEN_ADDR", ":8080")
	cfg.CORSOrigins = getEnvList("DEVBENCH_CORS_ORIGINS", []string{"*"})
	cfg.LogFile = getEnv("DEVBENCH_LOG_FILE", "")

	// Database
	cfg.DatabaseDSN = getEnv("DEVBENCH_STATE_DB", "sqlite3://"+defaultStateDBPath())
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Image policy
	cfg.AllowedRegistries = getEnvList("DEVBENCH_ALLOWED_REGISTRIES", []string{"docker.io", "ghcr.io"})
	cfg.AllowedImages = getEnvList("DEVBENCH_ALLOWED_IMAGES", nil)
	cfg.RegistryAuth = getEnv("DEVBENCH_REGISTRY_AUTH", "")

	// Execution engine
	cfg.ExecsPerContainer = getEnvInt64("DEVBENCH_EXECS_PER_CONTAINER", 4)
	cfg.ExecOutputBudgetBytes = getEnvInt64("DEVBENCH_EXEC_OUTPUT_BUDGET", 64<<20)
	cfg.ExecPollResponseBytes = getEnvInt64("DEVBENCH_EXEC_POLL_RESPONSE_LIMIT", 1<<20)
	cfg.DefaultExecTimeout = getEnvDuration("DEVBENCH_DEFAULT_EXEC_TIMEOUT", 10*time.Minute)

	// Workspace gateway
	cfg.WorkspaceMount = getEnv("DEVBENCH_WORKSPACE_MOUNT", "/workspace")
	cfg.TransferRateBytes = getEnvInt64("DEVBENCH_TRANSFER_RATE_LIMIT", 0)

	// Container resource defaults
	cfg.MemoryLimitBytes = getEnvInt64("DEVBENCH_MEMORY_LIMIT_BYTES", 512<<20)
	cfg.CPULimit = getEnvFloat("DEVBENCH_CPU_LIMIT", 1.0)
	cfg.PidsLimit = getEnvInt64("DEVBENCH_PIDS_LIMIT", 256)
	cfg.NetworkMode = getEnv("DEVBENCH_NETWORK_MODE", "bridge")

	// Lifecycle
	cfg.DrainGrace = getEnvDuration("DEVBENCH_DRAIN_GRACE", 60*time.Second)
	cfg.TransientGCDays = getEnvInt("DEVBENCH_TRANSIENT_GC_DAYS", 7)

	// Warm pool
	cfg.WarmPoolEnabled = getEnvBool("DEVBENCH_WARM_POOL_ENABLED", true)
	cfg.WarmPoolSize = getEnvInt("DEVBENCH_WARM_POOL_SIZE", 1)
	cfg.WarmPoolImage = getEnv("DEVBENCH_WARM_POOL_IMAGE", "python:3.11-slim")
	cfg.WarmHealthInterval = getEnvDuration("DEVBENCH_WARM_HEALTH_INTERVAL", 60*time.Second)

	if cfg.ExecsPerContainer < 1 {
		return nil, fmt.Errorf("DEVBENCH_EXECS_PER_CONTAINER must be at least 1, got %d", cfg.ExecsPerContainer)
	}
	if cfg.ExecOutputBudgetBytes < 1 {
		return nil, fmt.Errorf("DEVBENCH_EXEC_OUTPUT_BUDGET must be positive, got %d", cfg.ExecOutputBudgetBytes)
	}
	if cfg.DefaultExecTimeout <= 0 {
		return nil, fmt.Errorf("DEVBENCH_DEFAULT_EXEC_TIMEOUT must be positive, got %s", cfg.DefaultExecTimeout)
	}
	if !strings.HasPrefix(cfg.WorkspaceMount, "/") {
		return nil, fmt.Errorf("DEVBENCH_WORKSPACE_MOUNT must be an absolute path, got %q", cfg.WorkspaceMount)
	}
	cfg.WorkspaceMount = strings.TrimRight(cfg.WorkspaceMount, "/")
	if cfg.WorkspaceMount == "" {
		return nil, fmt.Errorf("DEVBENCH_WORKSPACE_MOUNT must not be the filesystem root")
	}
	if len(cfg.AllowedRegistries) == 0 {
		return nil, fmt.Errorf("DEVBENCH_ALLOWED_REGISTRIES must name at least one registry")
	}
	if cfg.WarmPoolEnabled && cfg.WarmPoolSize < 1 {
		return nil, fmt.Errorf("DEVBENCH_WARM_POOL_SIZE must be at least 1 when the warm pool is enabled, got %d", cfg.WarmPoolSize)
	}

	return cfg, nil
}

// defaultStateDBPath places the state database under the XDG data directory
// so the server works out of the box without any configuration.
func defaultStateDBPath() string {
	return filepath.Join(xdg.DataHome, "devbench", "state.db")
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
