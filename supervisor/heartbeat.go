package supervisor

import (
	"context"
	"time"

	"github.com/fitowlab/forgehub/registry"
)

// RunHeartbeat probes every registered instance on a fixed interval and
// keeps registry status truthful: online with a refreshed heartbeat on a
// passing probe, offline on a failing one. This loop is the only writer of
// offline status, so reachability as recorded is authoritative regardless of
// what the launch path last wrote.
//
// A non-positive interval disables the loop; the method logs once and
// returns. The loop exits within one interval of ctx cancellation.
func (s *Supervisor) RunHeartbeat(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		s.logger.Warn("Heartbeat loop disabled (interval <= 0)")
		return
	}

	s.logger.Info("Heartbeat loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Heartbeat loop stopping")
			return
		case <-ticker.C:
			s.HeartbeatOnce(ctx)
		}
	}
}

// HeartbeatOnce runs a single reconciliation cycle over all registered
// instances. A probe failure for one record never aborts the rest; each
// record's outcome is isolated.
func (s *Supervisor) HeartbeatOnce(ctx context.Context) {
	instances, err := s.instances.List()
	if err != nil {
		s.logger.Error("Heartbeat cycle failed to list instances", "error", err)
		return
	}

	for i := range instances {
		select {
		case <-ctx.Done():
			return
		default:
		}

		inst := &instances[i]
		if inst.BaseURL == "" {
			continue
		}
		tenant := inst.Tenant()

		if s.prober.Healthy(ctx, s.internalProbeURL(inst)) {
			if inst.Status != registry.StatusOnline {
				s.activity.Add("health", tenant.UserID, tenant.ProjectID, "worker back online")
			}
			if err := s.instances.TouchHeartbeat(tenant, time.Now()); err != nil {
				s.logger.Error("Failed to record heartbeat",
					"userID", tenant.UserID, "projectID", tenant.ProjectID, "error", err)
			}
			continue
		}

		// Avoid redundant writes: only transition when the status changes.
		if inst.Status != registry.StatusOffline {
			s.logger.Warn("Worker failed health probe, marking offline",
				"userID", tenant.UserID, "projectID", tenant.ProjectID, "port", inst.Port)
			s.activity.Add("health", tenant.UserID, tenant.ProjectID, "worker went offline")
			if err := s.instances.MarkOffline(tenant); err != nil {
				s.logger.Error("Failed to mark instance offline",
					"userID", tenant.UserID, "projectID", tenant.ProjectID, "error", err)
			}
		}
	}
}
