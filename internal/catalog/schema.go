package catalog

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Migrations run in order,
// each inside its own transaction, gated by the schema_version singleton
// row; a failure rolls back only the migration that failed, and earlier
// migrations of the same startup stay applied.
// Unlike the teacher's "CREATE TABLE IF NOT EXISTS" idempotent schema,
// these are numbered and applied exactly once — spec.md requires that a
// migration failure be fatal, which only holds if versions are tracked.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE disks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				mount_path TEXT NOT NULL,
				pool TEXT NOT NULL DEFAULT '',
				fs_type TEXT NOT NULL DEFAULT '',
				total_bytes INTEGER NOT NULL DEFAULT 0,
				used_bytes INTEGER NOT NULL DEFAULT 0,
				free_bytes INTEGER NOT NULL DEFAULT 0,
				included INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			)`,
			`CREATE TABLE scans (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				disk_id INTEGER NOT NULL REFERENCES disks(id),
				started_at TEXT NOT NULL DEFAULT (datetime('now')),
				finished_at TEXT,
				partial INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				files_seen INTEGER NOT NULL DEFAULT 0,
				bytes_seen INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				disk_id INTEGER NOT NULL REFERENCES disks(id),
				file_path TEXT NOT NULL,
				base_name TEXT NOT NULL,
				parent_path TEXT NOT NULL DEFAULT '',
				size_bytes INTEGER NOT NULL DEFAULT 0,
				is_directory INTEGER NOT NULL DEFAULT 0,
				mtime INTEGER NOT NULL DEFAULT 0,
				scan_id INTEGER NOT NULL REFERENCES scans(id),
				UNIQUE(disk_id, file_path)
			)`,
			`CREATE INDEX idx_files_disk_scan ON files(disk_id, scan_id)`,
			`CREATE INDEX idx_files_disk_size ON files(disk_id, size_bytes)`,
			`CREATE TABLE folder_aggregates (
				disk_id INTEGER NOT NULL REFERENCES disks(id),
				folder_path TEXT NOT NULL,
				total_bytes INTEGER NOT NULL DEFAULT 0,
				file_count INTEGER NOT NULL DEFAULT 0,
				scan_id INTEGER NOT NULL REFERENCES scans(id),
				PRIMARY KEY (disk_id, folder_path)
			)`,
			`CREATE TABLE plans (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				tolerance REAL NOT NULL,
				slider_alpha REAL NOT NULL,
				target_utilization REAL NOT NULL,
				initial_imbalance REAL NOT NULL,
				projected_imbalance REAL NOT NULL,
				total_moves INTEGER NOT NULL DEFAULT 0,
				total_bytes_to_move INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'planned'
			)`,
			`CREATE TABLE planned_moves (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id INTEGER NOT NULL REFERENCES plans(id),
				file_id INTEGER NOT NULL REFERENCES files(id),
				source_disk_id INTEGER NOT NULL REFERENCES disks(id),
				target_disk_id INTEGER NOT NULL REFERENCES disks(id),
				file_path TEXT NOT NULL,
				file_size INTEGER NOT NULL,
				exec_order INTEGER NOT NULL,
				phase INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				error_message TEXT NOT NULL DEFAULT '',
				CHECK (source_disk_id != target_disk_id)
			)`,
			`CREATE UNIQUE INDEX idx_moves_plan_order ON planned_moves(plan_id, exec_order)`,
			`CREATE INDEX idx_moves_plan_status ON planned_moves(plan_id, status)`,
			`CREATE TABLE audit_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				action TEXT NOT NULL DEFAULT '',
				resource TEXT NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '',
				success INTEGER NOT NULL DEFAULT 1,
				prev_hash TEXT NOT NULL DEFAULT '',
				row_hash TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX idx_audit_timestamp ON audit_logs(timestamp)`,
		},
	},
}

// migrate applies all migrations with version greater than the current
// schema_version, each inside its own transaction, updating the
// singleton version row as the last statement of that transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current := 0
	row := s.db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`)
	if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%w\nstatement: %s", err, stmt)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}
