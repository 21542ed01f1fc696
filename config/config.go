// Package config resolves the supervisor's runtime configuration from the
// environment. All settings use the FORGE_ prefix, e.g. FORGE_REPO_PATH.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated, immutable runtime configuration for the
// supervisor. Build one with Load; do not mutate it afterwards.
type Config struct {
	// RepoPath is the root of the shared worker checkout. It must contain
	// main.py (the worker entry point) plus the shared asset trees
	// (models/, custom_nodes/) that instance workspaces link against.
	RepoPath   string
	PythonExec string

	// Listen is the address worker processes bind to. It may be a wildcard
	// (0.0.0.0) for external reachability; InternalHost is the address the
	// supervisor itself uses for health probes and history fetches.
	Listen       string
	InternalHost string

	// PublicBaseURL, when set, overrides the host portion of the URL
	// handed back to callers (e.g. "http://10.10.1.199"). The allocated
	// port is appended by the launcher.
	PublicBaseURL string

	PortStart int
	PortEnd   int

	InstanceBaseDir string
	LogDir          string

	StartupTimeout      time.Duration
	HeartbeatInterval   time.Duration
	HistorySyncInterval time.Duration
	HistoryPageSize     int
	ShutdownGrace       time.Duration

	ForceCPU bool

	// CallbackURL and InternalSecret are passed to worker processes so they
	// can report completions back to the hub. An empty secret disables the
	// callback endpoint.
	CallbackURL    string
	InternalSecret string

	DatabasePath string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1")
	v.SetDefault("internal_host", "")
	v.SetDefault("public_base_url", "")
	v.SetDefault("port_range", "8200-8299")
	v.SetDefault("instance_base_dir", "runtime/forge_instances")
	v.SetDefault("log_dir", "runtime/forge_logs")
	v.SetDefault("startup_timeout_seconds", 60)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("history_sync_interval_seconds", 10)
	v.SetDefault("history_page_size", 50)
	v.SetDefault("shutdown_grace_seconds", 10)
	v.SetDefault("force_cpu", false)
	v.SetDefault("callback_url", "")
	v.SetDefault("internal_secret", "")
	v.SetDefault("database_path", "runtime/forgehub.db")
}

// parsePortRange parses a "start-end" range string into its bounds.
func parsePortRange(s string) (int, int, error) {
	left, right, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("invalid port range %q: expected start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if start <= 0 || end <= 0 || start > end {
		return 0, 0, fmt.Errorf("invalid port range %q: bounds must be positive and ordered", s)
	}
	return start, end, nil
}

// deriveInternalHost returns the address the supervisor should use to reach
// a worker. Workers may bind a wildcard address for external clients, but
// the supervisor always probes over a concretely routable host.
func deriveInternalHost(listen, override string) string {
	if override != "" {
		return override
	}
	switch listen {
	case "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return listen
}

// Load reads and validates the supervisor configuration from FORGE_*
// environment variables. It fails fast on structural problems: a missing
// worker checkout, a missing entry point, or a malformed port range.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORGE")
	v.AutomaticEnv()
	setDefaults(v)

	repoPath := v.GetString("repo_path")
	if repoPath == "" {
		return nil, fmt.Errorf("FORGE_REPO_PATH is empty")
	}
	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve FORGE_REPO_PATH: %w", err)
	}
	if _, err := os.Stat(repoPath); err != nil {
		return nil, fmt.Errorf("FORGE_REPO_PATH not found: %s", repoPath)
	}
	if _, err := os.Stat(filepath.Join(repoPath, "main.py")); err != nil {
		return nil, fmt.Errorf("worker main.py not found in: %s", repoPath)
	}

	pythonExec := v.GetString("python_exec")
	if pythonExec == "" {
		return nil, fmt.Errorf("FORGE_PYTHON_EXEC is empty")
	}

	portStart, portEnd, err := parsePortRange(v.GetString("port_range"))
	if err != nil {
		return nil, err
	}

	listen := v.GetString("listen")

	instanceBaseDir, err := filepath.Abs(v.GetString("instance_base_dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance base dir: %w", err)
	}
	logDir, err := filepath.Abs(v.GetString("log_dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log dir: %w", err)
	}

	return &Config{
		RepoPath:            repoPath,
		PythonExec:          pythonExec,
		Listen:              listen,
		InternalHost:        deriveInternalHost(listen, v.GetString("internal_host")),
		PublicBaseURL:       strings.TrimRight(v.GetString("public_base_url"), "/"),
		PortStart:           portStart,
		PortEnd:             portEnd,
		InstanceBaseDir:     instanceBaseDir,
		LogDir:              logDir,
		StartupTimeout:      time.Duration(v.GetInt("startup_timeout_seconds")) * time.Second,
		HeartbeatInterval:   time.Duration(v.GetInt("heartbeat_interval_seconds")) * time.Second,
		HistorySyncInterval: time.Duration(v.GetInt("history_sync_interval_seconds")) * time.Second,
		HistoryPageSize:     v.GetInt("history_page_size"),
		ShutdownGrace:       time.Duration(v.GetInt("shutdown_grace_seconds")) * time.Second,
		ForceCPU:            v.GetBool("force_cpu"),
		CallbackURL:         v.GetString("callback_url"),
		InternalSecret:      v.GetString("internal_secret"),
		DatabasePath:        v.GetString("database_path"),
	}, nil
}
