package registry

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Instance status values. The heartbeat loop is the only writer of
// StatusOffline; the launch path only ever records StatusOnline.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// TenantKey identifies the owner of an instance. Each tenant may own at most
// one live worker instance.
type TenantKey struct {
	UserID    int64
	ProjectID int64
}

// Instance is one row of the worker registry: the last-known state of a
// tenant's worker process.
type Instance struct {
	ID            int64          `db:"id"`
	UserID        int64          `db:"user_id"`
	ProjectID     int64          `db:"project_id"`
	Port          int            `db:"port"`
	Status        string         `db:"status"`
	BaseURL       string         `db:"base_url"`
	LastHeartbeat sql.NullInt64  `db:"last_heartbeat"`
	PID           sql.NullInt64  `db:"pid"`
	BaseDir       sql.NullString `db:"base_dir"`
	LogPath       sql.NullString `db:"log_path"`
	StartTime     sql.NullInt64  `db:"start_time"`
}

// Tenant returns the owning tenant key for this instance.
func (i *Instance) Tenant() TenantKey {
	return TenantKey{UserID: i.UserID, ProjectID: i.ProjectID}
}

// InstanceStore provides access to the worker_instances table.
type InstanceStore struct {
	db *sqlx.DB
}

// NewInstanceStore creates an InstanceStore and initializes the schema.
func NewInstanceStore(db *sqlx.DB) (*InstanceStore, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &InstanceStore{db: db}, nil
}

// Get returns the instance record for a tenant, or nil if none exists.
func (s *InstanceStore) Get(tenant TenantKey) (*Instance, error) {
	var inst Instance
	err := s.db.Get(&inst,
		"SELECT * FROM worker_instances WHERE user_id = $1 AND project_id = $2",
		tenant.UserID, tenant.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetByProject returns the instance record for a project, or nil if none
// exists. Used by the callback path, which only knows the project id.
func (s *InstanceStore) GetByProject(projectID int64) (*Instance, error) {
	var inst Instance
	err := s.db.Get(&inst,
		"SELECT * FROM worker_instances WHERE project_id = $1", projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// List returns all instance records.
func (s *InstanceStore) List() ([]Instance, error) {
	var instances []Instance
	err := s.db.Select(&instances, "SELECT * FROM worker_instances ORDER BY user_id, project_id")
	return instances, err
}

// ListOnline returns all instance records currently marked online.
func (s *InstanceStore) ListOnline() ([]Instance, error) {
	var instances []Instance
	err := s.db.Select(&instances,
		"SELECT * FROM worker_instances WHERE status = $1 ORDER BY user_id, project_id",
		StatusOnline)
	return instances, err
}

// Upsert records a freshly launched instance for a tenant, creating the row
// if absent or replacing the live fields in place if present. The uniqueness
// constraint on (user_id, project_id) makes this a single atomic statement,
// never a read-then-write race.
func (s *InstanceStore) Upsert(tenant TenantKey, port int, baseURL string, pid int, baseDir, logPath string, now time.Time) (*Instance, error) {
	ts := now.UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO worker_instances (
			user_id, project_id, port, status, base_url,
			last_heartbeat, pid, base_dir, log_path, start_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(user_id, project_id) DO UPDATE SET
			port = excluded.port,
			status = excluded.status,
			base_url = excluded.base_url,
			last_heartbeat = excluded.last_heartbeat,
			pid = excluded.pid,
			base_dir = excluded.base_dir,
			log_path = excluded.log_path,
			start_time = excluded.start_time`,
		tenant.UserID, tenant.ProjectID, port, StatusOnline, baseURL,
		ts, pid, baseDir, logPath, ts)
	if err != nil {
		return nil, err
	}
	return s.Get(tenant)
}

// TouchHeartbeat refreshes the last heartbeat timestamp and marks the
// instance online.
func (s *InstanceStore) TouchHeartbeat(tenant TenantKey, now time.Time) error {
	_, err := s.db.Exec(
		"UPDATE worker_instances SET status = $1, last_heartbeat = $2 WHERE user_id = $3 AND project_id = $4",
		StatusOnline, now.UTC().Unix(), tenant.UserID, tenant.ProjectID)
	return err
}

// MarkOffline sets the instance status to offline.
func (s *InstanceStore) MarkOffline(tenant TenantKey) error {
	_, err := s.db.Exec(
		"UPDATE worker_instances SET status = $1 WHERE user_id = $2 AND project_id = $3",
		StatusOffline, tenant.UserID, tenant.ProjectID)
	return err
}

// ClearPID marks the instance offline and forgets its process id, after the
// process has been terminated.
func (s *InstanceStore) ClearPID(tenant TenantKey) error {
	_, err := s.db.Exec(
		"UPDATE worker_instances SET status = $1, pid = NULL WHERE user_id = $2 AND project_id = $3",
		StatusOffline, tenant.UserID, tenant.ProjectID)
	return err
}

// Delete removes the instance record entirely. Callers must terminate any
// live process first; this is only for owning-resource deletion.
func (s *InstanceStore) Delete(tenant TenantKey) error {
	_, err := s.db.Exec(
		"DELETE FROM worker_instances WHERE user_id = $1 AND project_id = $2",
		tenant.UserID, tenant.ProjectID)
	return err
}
