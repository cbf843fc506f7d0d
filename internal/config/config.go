// Package config loads SITESMITH runtime configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all tunable runtime settings. Values come from environment
// variables with production-biased defaults; none are required.
type Config struct {
	// HTTP API port for the sitesmith server itself.
	Port string

	// WorkspaceRoot is where generated project directories live.
	WorkspaceRoot string

	// StateFile is the durable JSON projection of running projects.
	StateFile string

	// HistoryDB is the SQLite file for build/repair history.
	HistoryDB string

	// DevServerBasePort is the first port probed for generated dev servers.
	DevServerBasePort int

	// PortProbeAttempts bounds the port allocator's search window.
	PortProbeAttempts int

	// MaxRepairAttempts bounds LLM-fixer invocations per repair run.
	MaxRepairAttempts int

	// InterTaskDelay spaces generation requests to respect provider rate limits.
	InterTaskDelay time.Duration

	// StateResyncInterval is the periodic full rewrite of the state file.
	StateResyncInterval time.Duration

	// StateReconcileInterval is how often tracked ports are re-probed.
	StateReconcileInterval time.Duration
}

// Load reads configuration from the environment.
func Load() Config {
	workspace := envOr("SITESMITH_WORKSPACE_ROOT", filepath.Join(os.TempDir(), "sitesmith-projects"))

	return Config{
		Port:                   envOr("PORT", "8080"),
		WorkspaceRoot:          workspace,
		StateFile:              envOr("SITESMITH_STATE_FILE", filepath.Join(workspace, "running-projects.json")),
		HistoryDB:              envOr("SITESMITH_HISTORY_DB", filepath.Join(workspace, "history.db")),
		DevServerBasePort:      envIntOr("SITESMITH_DEV_BASE_PORT", 3100),
		PortProbeAttempts:      envIntOr("SITESMITH_PORT_PROBE_ATTEMPTS", 100),
		MaxRepairAttempts:      envIntOr("SITESMITH_MAX_REPAIR_ATTEMPTS", 3),
		InterTaskDelay:         envDurationOr("SITESMITH_INTER_TASK_DELAY", 2*time.Second),
		StateResyncInterval:    envDurationOr("SITESMITH_STATE_RESYNC_INTERVAL", 30*time.Second),
		StateReconcileInterval: envDurationOr("SITESMITH_STATE_RECONCILE_INTERVAL", 60*time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
