package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fitowlab/forgehub/registry"
)

// historyStatus is the slice of a worker history item the synchronizer
// inspects. The full raw payload is preserved in the log entry's details.
type historyStatus struct {
	Status struct {
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// classifyStatus folds a worker-reported status string into the closed
// generation outcome vocabulary.
func classifyStatus(raw json.RawMessage) string {
	var item historyStatus
	if err := json.Unmarshal(raw, &item); err != nil {
		return registry.GenerationUnknown
	}
	switch item.Status.StatusStr {
	case "success":
		return registry.GenerationSuccess
	case "error":
		return registry.GenerationFailure
	}
	return registry.GenerationUnknown
}

// RunHistorySync drains completion history from every online instance into
// the generation log on a fixed interval. Same disable convention as the
// heartbeat loop: a non-positive interval logs once and returns.
func (s *Supervisor) RunHistorySync(ctx context.Context) {
	interval := s.cfg.HistorySyncInterval
	if interval <= 0 {
		s.logger.Warn("History sync loop disabled (interval <= 0)")
		return
	}

	s.logger.Info("History sync loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("History sync loop stopping")
			return
		case <-ticker.C:
			if n, err := s.SyncHistoryOnce(ctx); err != nil {
				s.logger.Error("History sync cycle failed", "error", err)
			} else if n > 0 {
				s.logger.Info("History synced", "created", n)
			}
		}
	}
}

// SyncHistoryOnce pulls recent history from every online instance and
// appends events not yet present in the generation log. Ingestion is
// idempotent: the (project, prompt) uniqueness key in the log makes
// re-observing an event a no-op, so overlapping cycles and supervisor
// restarts never duplicate rows. A fetch failure for one instance is logged
// and skipped; it never stops synchronization of the rest. Returns the
// number of entries created.
func (s *Supervisor) SyncHistoryOnce(ctx context.Context) (int, error) {
	online, err := s.instances.ListOnline()
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range online {
		select {
		case <-ctx.Done():
			return created, ctx.Err()
		default:
		}

		inst := &online[i]
		if inst.BaseURL == "" {
			continue
		}
		tenant := inst.Tenant()

		history, err := s.history.FetchHistory(ctx, s.internalProbeURL(inst), s.cfg.HistoryPageSize)
		if err != nil {
			s.logger.Warn("History fetch failed",
				"userID", tenant.UserID, "projectID", tenant.ProjectID, "error", err)
			continue
		}

		for promptID, raw := range history {
			if promptID == "" {
				continue
			}
			status := classifyStatus(raw)
			ok, err := s.genlog.Append(tenant, time.Now(), status, promptID, nil, string(raw))
			if err != nil {
				s.logger.Error("Failed to append generation log entry",
					"projectID", tenant.ProjectID, "promptID", promptID, "error", err)
				continue
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}
