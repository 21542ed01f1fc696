// Package supervisor multiplexes heavyweight forge worker processes across
// tenants. It owns the full instance lifecycle: port allocation, workspace
// preparation, launch, health reconciliation, teardown, and synchronization
// of worker completion history into the generation log.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fitowlab/forgehub/config"
	"github.com/fitowlab/forgehub/registry"
)

const (
	defaultHealthTimeout  = 3 * time.Second
	defaultHistoryTimeout = 10 * time.Second
	activityCapacity      = 500
)

// Supervisor is the instance lifecycle supervisor: one live worker per
// tenant, with the registry as the single durable source of truth. All
// launch/stop decisions for a tenant are serialized through a per-tenant
// mutex so concurrent Ensure calls can never double-launch.
type Supervisor struct {
	cfg       *config.Config
	instances *registry.InstanceStore
	genlog    *registry.GenerationLogStore

	launcher Launcher
	prober   Prober
	history  HistoryFetcher
	stopPID  func(pid int, grace time.Duration) error

	activity *ActivityBuffer
	logger   *slog.Logger

	mu          sync.Mutex
	tenantLocks map[registry.TenantKey]*sync.Mutex
}

// Options holds construction options for the Supervisor. Launcher, Prober,
// and History default to the real HTTP/process implementations; tests swap
// in fakes.
type Options struct {
	Launcher Launcher
	Prober   Prober
	History  HistoryFetcher
	StopPID  func(pid int, grace time.Duration) error
	Logger   *slog.Logger
}

// New creates a Supervisor.
func New(cfg *config.Config, instances *registry.InstanceStore, genlog *registry.GenerationLogStore, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prober := opts.Prober
	history := opts.History
	if prober == nil || history == nil {
		httpProber := NewHTTPProber(defaultHealthTimeout, defaultHistoryTimeout)
		if prober == nil {
			prober = httpProber
		}
		if history == nil {
			history = httpProber
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = NewWorkerLauncher(cfg, prober, logger)
	}

	stopPID := opts.StopPID
	if stopPID == nil {
		stopPID = StopPID
	}

	return &Supervisor{
		cfg:         cfg,
		instances:   instances,
		genlog:      genlog,
		launcher:    launcher,
		prober:      prober,
		history:     history,
		stopPID:     stopPID,
		activity:    NewActivityBuffer(activityCapacity),
		logger:      logger.With("component", "Supervisor"),
		tenantLocks: make(map[registry.TenantKey]*sync.Mutex),
	}
}

// Activity exposes the recent-activity ring for the diagnostics endpoint.
func (s *Supervisor) Activity() *ActivityBuffer {
	return s.activity
}

// tenantLock returns the mutex serializing lifecycle operations for a
// tenant.
func (s *Supervisor) tenantLock(tenant registry.TenantKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tenantLocks[tenant]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenant] = l
	}
	return l
}

// internalProbeURL is the supervisor-reachable URL for a record. Records
// store the public base URL, which may not be routable from the supervisor
// host, so probes always go through the internal host.
func (s *Supervisor) internalProbeURL(inst *registry.Instance) string {
	return fmt.Sprintf("http://%s:%d", s.cfg.InternalHost, inst.Port)
}

// Ensure returns a healthy instance for the tenant, launching one if needed.
//
// Fast path: an existing record marked online whose live health probe
// succeeds is returned as-is with a refreshed heartbeat; no process churn.
// Otherwise any process the record still points at is stopped first (this
// covers online-stale records and crash recovery after a supervisor
// restart), a fresh instance is launched, and the record is upserted. The
// stop-before-relaunch step is what upholds the one-live-worker-per-tenant
// guarantee.
func (s *Supervisor) Ensure(ctx context.Context, tenant registry.TenantKey) (*registry.Instance, error) {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.instances.Get(tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	if existing != nil && existing.Status == registry.StatusOnline && existing.BaseURL != "" {
		if s.prober.Healthy(ctx, s.internalProbeURL(existing)) {
			if err := s.instances.TouchHeartbeat(tenant, time.Now()); err != nil {
				return nil, fmt.Errorf("failed to refresh heartbeat: %w", err)
			}
			return s.instances.Get(tenant)
		}
	}

	if existing != nil && existing.PID.Valid {
		pid := int(existing.PID.Int64)
		s.logger.Info("Stopping stale worker before relaunch",
			"userID", tenant.UserID, "projectID", tenant.ProjectID, "pid", pid)
		if err := s.stopPID(pid, s.cfg.ShutdownGrace); err != nil {
			s.logger.Warn("Failed to stop old worker", "pid", pid, "error", err)
		}
	}

	result, err := s.launcher.Launch(ctx, tenant)
	if err != nil {
		return nil, err
	}

	inst, err := s.instances.Upsert(tenant, result.Port, result.BaseURL, result.PID,
		result.BaseDir, result.LogPath, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to record launched instance: %w", err)
	}

	s.activity.Add("launch", tenant.UserID, tenant.ProjectID,
		fmt.Sprintf("worker started on port %d (pid %d)", result.Port, result.PID))
	return inst, nil
}

// Stop terminates the tenant's worker, if any, and marks the record offline
// with its pid cleared. A tenant with no record is a no-op success.
func (s *Supervisor) Stop(ctx context.Context, tenant registry.TenantKey) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	return s.stopLocked(tenant)
}

func (s *Supervisor) stopLocked(tenant registry.TenantKey) error {
	existing, err := s.instances.Get(tenant)
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	if existing == nil {
		return nil
	}

	if existing.PID.Valid {
		pid := int(existing.PID.Int64)
		if err := s.stopPID(pid, s.cfg.ShutdownGrace); err != nil {
			return fmt.Errorf("failed to stop worker pid %d: %w", pid, err)
		}
	}
	if err := s.instances.ClearPID(tenant); err != nil {
		return fmt.Errorf("failed to clear instance record: %w", err)
	}
	s.activity.Add("stop", tenant.UserID, tenant.ProjectID, "worker stopped")
	return nil
}

// Remove stops the tenant's worker and deletes its registry record. Called
// when the owning project is deleted.
func (s *Supervisor) Remove(ctx context.Context, tenant registry.TenantKey) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	if err := s.stopLocked(tenant); err != nil {
		return err
	}
	if err := s.instances.Delete(tenant); err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}
	return nil
}
