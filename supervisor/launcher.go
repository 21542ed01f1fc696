package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fitowlab/forgehub/access"
	"github.com/fitowlab/forgehub/config"
	"github.com/fitowlab/forgehub/registry"
)

const (
	startupPollInterval   = 1 * time.Second
	acceleratorProbeLimit = 10 * time.Second
	callbackTokenLifetime = 24 * time.Hour
)

// LaunchResult describes a successfully started worker instance.
type LaunchResult struct {
	Port    int
	BaseURL string
	PID     int
	BaseDir string
	LogPath string
}

// Launcher starts worker processes. The process launcher is the only
// component that creates operating-system processes.
type Launcher interface {
	Launch(ctx context.Context, tenant registry.TenantKey) (*LaunchResult, error)
}

// WorkerLauncher launches forge worker processes from the shared checkout,
// one per tenant, each detached into its own process group with output
// redirected to a per-instance log file.
type WorkerLauncher struct {
	cfg    *config.Config
	prober Prober
	logger *slog.Logger
}

// NewWorkerLauncher creates a WorkerLauncher.
func NewWorkerLauncher(cfg *config.Config, prober Prober, logger *slog.Logger) *WorkerLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerLauncher{
		cfg:    cfg,
		prober: prober,
		logger: logger.With("component", "WorkerLauncher"),
	}
}

// internalURL is the URL the supervisor uses to reach the instance.
func (l *WorkerLauncher) internalURL(port int) string {
	return fmt.Sprintf("http://%s:%d", l.cfg.InternalHost, port)
}

// publicURL is the URL handed back to callers. Falls back to the internal
// URL when no public base is configured.
func (l *WorkerLauncher) publicURL(port int) string {
	if l.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s:%d", l.cfg.PublicBaseURL, port)
	}
	return l.internalURL(port)
}

// Launch allocates a port, prepares the tenant workspace, starts the worker
// process, and blocks until it reports healthy or the startup deadline
// passes. On timeout the just-started process is torn down before the error
// is returned.
func (l *WorkerLauncher) Launch(ctx context.Context, tenant registry.TenantKey) (*LaunchResult, error) {
	port, err := PickPort(l.cfg.PortStart, l.cfg.PortEnd)
	if err != nil {
		return nil, err
	}

	baseDir, err := EnsureWorkspace(l.cfg, tenant)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(l.cfg.LogDir,
		fmt.Sprintf("forge_u%d_p%d_%d.log", tenant.UserID, tenant.ProjectID, port))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance log %s: %w", logPath, err)
	}

	args := []string{
		filepath.Join(l.cfg.RepoPath, "main.py"),
		"--listen", l.cfg.Listen,
		"--port", fmt.Sprintf("%d", port),
		"--disable-auto-launch",
		"--base-directory", baseDir,
		"--extra-model-paths-config", PathMappingFile(baseDir),
	}
	if l.shouldForceCPU(ctx) {
		args = append(args, "--cpu")
	}

	l.logger.Info("Starting worker", "userID", tenant.UserID, "projectID", tenant.ProjectID,
		"command", l.cfg.PythonExec+" "+strings.Join(args, " "))

	cmd := exec.Command(l.cfg.PythonExec, args...)
	cmd.Dir = l.cfg.RepoPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = l.workerEnv(tenant)
	// New session: the worker survives a supervisor restart and can be
	// signaled as a group later.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	err = cmd.Start()
	logFile.Close() // the child holds its own descriptor now
	if err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	pid := cmd.Process.Pid
	// The worker is detached; reap it in the background so a crashed child
	// does not linger as a zombie while the supervisor runs.
	go cmd.Wait()

	internalURL := l.internalURL(port)
	deadline := time.Now().Add(l.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		if l.prober.Healthy(ctx, internalURL) {
			l.logger.Info("Worker became healthy", "userID", tenant.UserID,
				"projectID", tenant.ProjectID, "pid", pid, "port", port)
			return &LaunchResult{
				Port:    port,
				BaseURL: l.publicURL(port),
				PID:     pid,
				BaseDir: baseDir,
				LogPath: logPath,
			}, nil
		}
		select {
		case <-ctx.Done():
			StopPID(pid, l.cfg.ShutdownGrace)
			return nil, ctx.Err()
		case <-time.After(startupPollInterval):
		}
	}

	l.logger.Error("Worker startup timed out, terminating", "userID", tenant.UserID,
		"projectID", tenant.ProjectID, "pid", pid, "port", port)
	if err := StopPID(pid, l.cfg.ShutdownGrace); err != nil {
		l.logger.Error("Failed to stop timed-out worker", "pid", pid, "error", err)
	}
	return nil, &StartupTimeoutError{Tenant: tenant, Port: port, PID: pid}
}

// workerEnv builds the child environment: the inherited environment plus the
// callback plumbing the worker uses to report completions back to the hub.
func (l *WorkerLauncher) workerEnv(tenant registry.TenantKey) []string {
	env := os.Environ()
	if l.cfg.CallbackURL != "" {
		env = append(env, fmt.Sprintf("PLATFORM_CALLBACK_URL=%s", l.cfg.CallbackURL))
	}
	if l.cfg.InternalSecret != "" {
		env = append(env, fmt.Sprintf("PLATFORM_CALLBACK_SECRET=%s", l.cfg.InternalSecret))
		token, err := access.MintCallbackToken([]byte(l.cfg.InternalSecret), tenant.UserID, tenant.ProjectID, callbackTokenLifetime)
		if err != nil {
			l.logger.Warn("Failed to mint callback token", "error", err)
		} else {
			env = append(env, fmt.Sprintf("PLATFORM_CALLBACK_TOKEN=%s", token))
		}
	}
	env = append(env, fmt.Sprintf("PLATFORM_PROJECT_ID=%d", tenant.ProjectID))
	return env
}

// shouldForceCPU decides whether to pass the CPU-only flag. Forced via
// config, otherwise decided by asking the worker's python whether a CUDA
// accelerator is visible. Any probe failure means no accelerator.
func (l *WorkerLauncher) shouldForceCPU(ctx context.Context) bool {
	if l.cfg.ForceCPU {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, acceleratorProbeLimit)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, l.cfg.PythonExec,
		"-c", "import torch; print(int(torch.cuda.is_available()))").CombinedOutput()
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(out)) != "1"
}
