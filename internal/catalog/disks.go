package catalog

import (
	"database/sql"
	"fmt"
)

// Disk mirrors spec.md §3's Disk entity: a stable short name and mount
// path, independent free/used accounting, and an included flag gating
// both scan and balance participation.
type Disk struct {
	ID         int64
	Name       string
	MountPath  string
	Pool       string
	FSType     string
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
	Included   bool
}

// UpsertDisk creates the disk on first observation or refreshes its
// capacity fields on every later scan/move commit.
func (s *Store) UpsertDisk(d Disk) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO disks (name, mount_path, pool, fs_type, total_bytes, used_bytes, free_bytes, included, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(name) DO UPDATE SET
			mount_path = excluded.mount_path,
			pool = excluded.pool,
			fs_type = excluded.fs_type,
			total_bytes = excluded.total_bytes,
			used_bytes = excluded.used_bytes,
			free_bytes = excluded.free_bytes,
			included = excluded.included,
			updated_at = datetime('now')`,
		d.Name, d.MountPath, d.Pool, d.FSType, d.TotalBytes, d.UsedBytes, d.FreeBytes, boolToInt(d.Included))
	if err != nil {
		return 0, fmt.Errorf("upsert disk %s: %w", d.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// Conflict path: LastInsertId is unreliable after an UPDATE, look the row up.
		var existing int64
		if qerr := s.db.QueryRow(`SELECT id FROM disks WHERE name = ?`, d.Name).Scan(&existing); qerr != nil {
			return 0, fmt.Errorf("lookup disk %s after upsert: %w", d.Name, qerr)
		}
		return existing, nil
	}
	return id, nil
}

// ListIncludedDisks returns all disks eligible for scanning and balancing.
func (s *Store) ListIncludedDisks() ([]Disk, error) {
	return s.queryDisks(`SELECT id, name, mount_path, pool, fs_type, total_bytes, used_bytes, free_bytes, included FROM disks WHERE included = 1 ORDER BY name`)
}

// ListAllDisks returns every known disk, included or not.
func (s *Store) ListAllDisks() ([]Disk, error) {
	return s.queryDisks(`SELECT id, name, mount_path, pool, fs_type, total_bytes, used_bytes, free_bytes, included FROM disks ORDER BY name`)
}

func (s *Store) queryDisks(query string, args ...interface{}) ([]Disk, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list disks: %w", err)
	}
	defer rows.Close()

	var disks []Disk
	for rows.Next() {
		var d Disk
		var included int
		if err := rows.Scan(&d.ID, &d.Name, &d.MountPath, &d.Pool, &d.FSType, &d.TotalBytes, &d.UsedBytes, &d.FreeBytes, &included); err != nil {
			return nil, fmt.Errorf("scan disk row: %w", err)
		}
		d.Included = included != 0
		disks = append(disks, d)
	}
	return disks, rows.Err()
}

// GetDisk fetches a single disk by id.
func (s *Store) GetDisk(id int64) (Disk, error) {
	var d Disk
	var included int
	row := s.db.QueryRow(`SELECT id, name, mount_path, pool, fs_type, total_bytes, used_bytes, free_bytes, included FROM disks WHERE id = ?`, id)
	if err := row.Scan(&d.ID, &d.Name, &d.MountPath, &d.Pool, &d.FSType, &d.TotalBytes, &d.UsedBytes, &d.FreeBytes, &included); err != nil {
		return Disk{}, fmt.Errorf("get disk %d: %w", id, err)
	}
	d.Included = included != 0
	return d, nil
}

// AdjustDiskFree adds delta bytes to used_bytes and subtracts the same
// delta from free_bytes for a disk, inside the caller's transaction
// when tx is non-nil, or directly on the store otherwise. delta is
// positive when bytes arrive on the disk (a move target), negative when
// they leave it (a move source).
func (s *Store) AdjustDiskFree(tx *sql.Tx, diskID int64, delta int64) error {
	exec := s.db.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(`UPDATE disks SET used_bytes = used_bytes + ?, free_bytes = free_bytes - ?, updated_at = datetime('now') WHERE id = ?`,
		delta, delta, diskID)
	if err != nil {
		return fmt.Errorf("adjust disk %d free space: %w", diskID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
