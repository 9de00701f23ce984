package catalog

import (
	"database/sql"
	"fmt"
)

// File is one catalog row: a path on a single disk, last observed by
// the scan identified by ScanID. Directories are recorded (is_directory)
// so the balancer can filter them out without a separate stat call.
type File struct {
	ID         int64
	DiskID     int64
	FilePath   string
	BaseName   string
	ParentPath string
	SizeBytes  int64
	IsDir      bool
	Mtime      int64
	ScanID     int64
}

// Scan is one walk of a single disk: a generation marker used to purge
// stale file rows once the walk completes.
type Scan struct {
	ID           int64
	DiskID       int64
	FinishedAt   sql.NullString
	Partial      bool
	ErrorMessage string
	FilesSeen    int64
	BytesSeen    int64
}

// BeginScan opens a new scan generation for a disk and returns its id.
// Every File row inserted under this id supersedes the disk's prior
// generation once FinalizeScan purges it.
func (s *Store) BeginScan(diskID int64) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO scans (disk_id) VALUES (?)`, diskID)
	if err != nil {
		return 0, fmt.Errorf("begin scan for disk %d: %w", diskID, err)
	}
	return res.LastInsertId()
}

// InsertFilesBatch inserts rows for the given scan with one transaction
// per chunk, so a single scan of a huge disk never holds one oversized
// transaction open. 2,000 rows per chunk keeps commit time dominated by
// disk seek rather than statement parsing (per the catalog's batching
// contract) while still bounding memory and lock hold time.
const filesBatchChunkSize = 2000

func (s *Store) InsertFilesBatch(scanID int64, files []File) error {
	for start := 0; start < len(files); start += filesBatchChunkSize {
		end := start + filesBatchChunkSize
		if end > len(files) {
			end = len(files)
		}
		if err := s.insertFilesChunk(scanID, files[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertFilesChunk(scanID int64, chunk []File) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin files chunk tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO files (disk_id, file_path, base_name, parent_path, size_bytes, is_directory, mtime, scan_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(disk_id, file_path) DO UPDATE SET
			base_name = excluded.base_name,
			parent_path = excluded.parent_path,
			size_bytes = excluded.size_bytes,
			is_directory = excluded.is_directory,
			mtime = excluded.mtime,
			scan_id = excluded.scan_id`)
	if err != nil {
		return fmt.Errorf("prepare files insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range chunk {
		if _, err := stmt.Exec(f.DiskID, f.FilePath, f.BaseName, f.ParentPath, f.SizeBytes, boolToInt(f.IsDir), f.Mtime, scanID); err != nil {
			return fmt.Errorf("insert file %s: %w", f.FilePath, err)
		}
	}

	if _, err := tx.Exec(`UPDATE scans SET files_seen = files_seen + ?, bytes_seen = bytes_seen + ? WHERE id = ?`,
		len(chunk), sumSizes(chunk), scanID); err != nil {
		return fmt.Errorf("update scan counters: %w", err)
	}

	return tx.Commit()
}

func sumSizes(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.SizeBytes
	}
	return total
}

// FinalizeScan purges rows from prior generations for the scan's disk,
// marks the scan finished, rebuilds folder aggregates, and refreshes
// the disk's used/free bytes — all inside one transaction, so a reader
// never observes a half-purged generation.
func (s *Store) FinalizeScan(scanID int64, partial bool, errMsg string, usedBytes, freeBytes int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finalize scan tx: %w", err)
	}
	defer tx.Rollback()

	var diskID int64
	if err := tx.QueryRow(`SELECT disk_id FROM scans WHERE id = ?`, scanID).Scan(&diskID); err != nil {
		return fmt.Errorf("lookup scan %d disk: %w", scanID, err)
	}

	if _, err := tx.Exec(`DELETE FROM files WHERE disk_id = ? AND scan_id != ?`, diskID, scanID); err != nil {
		return fmt.Errorf("purge stale files for disk %d: %w", diskID, err)
	}

	if _, err := tx.Exec(`DELETE FROM folder_aggregates WHERE disk_id = ?`, diskID); err != nil {
		return fmt.Errorf("clear folder aggregates for disk %d: %w", diskID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO folder_aggregates (disk_id, folder_path, total_bytes, file_count, scan_id)
		SELECT disk_id, parent_path, SUM(size_bytes), COUNT(*), ?
		FROM files
		WHERE disk_id = ? AND is_directory = 0
		GROUP BY parent_path`, scanID, diskID); err != nil {
		return fmt.Errorf("rebuild folder aggregates for disk %d: %w", diskID, err)
	}

	partialInt := boolToInt(partial)
	if _, err := tx.Exec(`UPDATE scans SET finished_at = datetime('now'), partial = ?, error_message = ? WHERE id = ?`,
		partialInt, errMsg, scanID); err != nil {
		return fmt.Errorf("mark scan %d finished: %w", scanID, err)
	}

	if _, err := tx.Exec(`UPDATE disks SET used_bytes = ?, free_bytes = ?, updated_at = datetime('now') WHERE id = ?`,
		usedBytes, freeBytes, diskID); err != nil {
		return fmt.Errorf("refresh disk %d capacity: %w", diskID, err)
	}

	return tx.Commit()
}

// LatestFilesFor returns the current generation's non-directory files
// for a disk, the set the balancer draws candidates from.
func (s *Store) LatestFilesFor(diskID int64) ([]File, error) {
	rows, err := s.db.Query(`
		SELECT id, disk_id, file_path, base_name, parent_path, size_bytes, is_directory, mtime, scan_id
		FROM files WHERE disk_id = ? AND is_directory = 0
		ORDER BY size_bytes DESC, file_path ASC`, diskID)
	if err != nil {
		return nil, fmt.Errorf("latest files for disk %d: %w", diskID, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var isDir int
		if err := rows.Scan(&f.ID, &f.DiskID, &f.FilePath, &f.BaseName, &f.ParentPath, &f.SizeBytes, &isDir, &f.Mtime, &f.ScanID); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		f.IsDir = isDir != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile fetches a single file row by id, used by the executor to
// re-validate a planned move's source still exists at move time.
func (s *Store) GetFile(id int64) (File, error) {
	var f File
	var isDir int
	row := s.db.QueryRow(`
		SELECT id, disk_id, file_path, base_name, parent_path, size_bytes, is_directory, mtime, scan_id
		FROM files WHERE id = ?`, id)
	if err := row.Scan(&f.ID, &f.DiskID, &f.FilePath, &f.BaseName, &f.ParentPath, &f.SizeBytes, &isDir, &f.Mtime, &f.ScanID); err != nil {
		return File{}, fmt.Errorf("get file %d: %w", id, err)
	}
	f.IsDir = isDir != 0
	return f, nil
}
