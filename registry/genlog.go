package registry

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Generation outcome labels. Worker-reported statuses are folded into this
// closed vocabulary before they reach the log.
const (
	GenerationSuccess = "success"
	GenerationFailure = "failure"
	GenerationUnknown = "unknown"
)

// GenerationLogEntry is one immutable row of the generation log. Rows are
// only ever appended; there are deliberately no update or delete statements
// for this table.
type GenerationLogEntry struct {
	ID           int64          `db:"id"`
	UserID       int64          `db:"user_id"`
	ProjectID    int64          `db:"project_id"`
	Timestamp    int64          `db:"timestamp"`
	Status       string         `db:"status"`
	PromptID     sql.NullString `db:"prompt_id"`
	ConcurrentID sql.NullInt64  `db:"concurrent_id"`
	Details      sql.NullString `db:"details"`
}

// GenerationLogStore provides append and read access to the generation log.
type GenerationLogStore struct {
	db *sqlx.DB
}

// NewGenerationLogStore creates a GenerationLogStore and initializes the
// schema.
func NewGenerationLogStore(db *sqlx.DB) (*GenerationLogStore, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &GenerationLogStore{db: db}, nil
}

// Append inserts a generation log entry. When promptID is non-empty and an
// entry with the same (project, prompt) already exists, the insert is a
// no-op and Append reports created=false. This is what makes history
// ingestion idempotent: re-observing the same worker event never produces a
// duplicate row. Entries without a prompt id always insert.
func (s *GenerationLogStore) Append(tenant TenantKey, ts time.Time, status, promptID string, concurrentID *int64, details string) (bool, error) {
	var prompt any
	if promptID != "" {
		prompt = promptID
	}
	res, err := s.db.Exec(`
		INSERT INTO generation_logs (
			user_id, project_id, timestamp, status, prompt_id, concurrent_id, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(project_id, prompt_id) DO NOTHING`,
		tenant.UserID, tenant.ProjectID, ts.UTC().Unix(), status, prompt, concurrentID, details)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasPrompt reports whether an entry for (project, prompt) already exists.
func (s *GenerationLogStore) HasPrompt(projectID int64, promptID string) (bool, error) {
	var count int
	err := s.db.Get(&count,
		"SELECT COUNT(*) FROM generation_logs WHERE project_id = $1 AND prompt_id = $2",
		projectID, promptID)
	return count > 0, err
}

// ListByProject returns the most recent entries for a project.
func (s *GenerationLogStore) ListByProject(projectID int64, limit int) ([]GenerationLogEntry, error) {
	var entries []GenerationLogEntry
	err := s.db.Select(&entries,
		"SELECT * FROM generation_logs WHERE project_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2",
		projectID, limit)
	return entries, err
}

// Recent returns the most recent entries across all projects.
func (s *GenerationLogStore) Recent(limit int) ([]GenerationLogEntry, error) {
	var entries []GenerationLogEntry
	err := s.db.Select(&entries,
		"SELECT * FROM generation_logs ORDER BY timestamp DESC, id DESC LIMIT $1",
		limit)
	return entries, err
}
