// Package registry is the durable record of which tenant owns which worker
// instance, plus the append-only generation log those instances feed. It is
// the single synchronization point shared by the request path and the
// background loops; every mutation goes through the store methods here.
package registry

import (
	"github.com/jmoiron/sqlx"
)

// DBInit creates the registry tables and indexes if they do not exist.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS worker_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		port INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'online',
		base_url TEXT NOT NULL,
		last_heartbeat INTEGER,
		pid INTEGER,
		base_dir TEXT,
		log_path TEXT,
		start_time INTEGER,
		UNIQUE(user_id, project_id)
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_worker_instances_status ON worker_instances(status)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS generation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL,
		prompt_id TEXT,
		concurrent_id INTEGER,
		details TEXT,
		UNIQUE(project_id, prompt_id)
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_generation_logs_project_ts ON generation_logs(project_id, timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_generation_logs_user_ts ON generation_logs(user_id, timestamp)`)
	return err
}
