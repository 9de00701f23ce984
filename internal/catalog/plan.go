package catalog

import (
	"fmt"
)

// Plan is an immutable snapshot of balancer inputs/outputs, per
// spec.md §3: only Status and the progress counters change after creation.
type Plan struct {
	ID                 int64
	Tolerance          float64
	SliderAlpha        float64
	TargetUtilization  float64
	InitialImbalance   float64
	ProjectedImbalance float64
	TotalMoves         int
	TotalBytesToMove   int64
	Status             string
}

// PlannedMove is one row of a committed plan: a single-file move between
// two distinct disks, positioned in the plan's dense exec_order.
type PlannedMove struct {
	ID           int64
	PlanID       int64
	FileID       int64
	SourceDiskID int64
	TargetDiskID int64
	FilePath     string
	FileSize     int64
	ExecOrder    int
	Phase        int
	Status       string
	ErrorMessage string
}

const (
	PlanStatusPlanned   = "planned"
	PlanStatusExecuting = "executing"
	PlanStatusCompleted = "completed"
	PlanStatusCancelled = "cancelled"
	PlanStatusFailed    = "failed"

	MoveStatusPending    = "pending"
	MoveStatusInProgress = "in_progress"
	MoveStatusCompleted  = "completed"
	MoveStatusFailed     = "failed"
	MoveStatusSkipped    = "skipped"
)

// CreatePlan inserts the plan header and returns its id. Moves are
// appended separately via AppendMoves so the balancer can compute
// total_moves/total_bytes_to_move from the same slice it passes along.
func (s *Store) CreatePlan(p Plan) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO plans (tolerance, slider_alpha, target_utilization, initial_imbalance, projected_imbalance, total_moves, total_bytes_to_move, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Tolerance, p.SliderAlpha, p.TargetUtilization, p.InitialImbalance, p.ProjectedImbalance, p.TotalMoves, p.TotalBytesToMove, p.Status)
	if err != nil {
		return 0, fmt.Errorf("create plan: %w", err)
	}
	return res.LastInsertId()
}

// AppendMoves bulk-inserts planned moves for a plan inside one
// transaction, storing each move's ExecOrder field as its exec_order.
func (s *Store) AppendMoves(planID int64, moves []PlannedMove) error {
	if len(moves) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append moves tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO planned_moves (plan_id, file_id, source_disk_id, target_disk_id, file_path, file_size, exec_order, phase, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare planned_moves insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range moves {
		status := m.Status
		if status == "" {
			status = MoveStatusPending
		}
		if _, err := stmt.Exec(planID, m.FileID, m.SourceDiskID, m.TargetDiskID, m.FilePath, m.FileSize, m.ExecOrder, m.Phase, status); err != nil {
			return fmt.Errorf("insert planned move for %s: %w", m.FilePath, err)
		}
	}

	return tx.Commit()
}

// NextPendingMove returns the lowest exec_order move still pending for
// a plan, or (PlannedMove{}, sql.ErrNoRows) when none remain — the
// signal the executor uses to terminate the plan.
func (s *Store) NextPendingMove(planID int64) (PlannedMove, error) {
	row := s.db.QueryRow(`
		SELECT id, plan_id, file_id, source_disk_id, target_disk_id, file_path, file_size, exec_order, phase, status, error_message
		FROM planned_moves WHERE plan_id = ? AND status = ?
		ORDER BY exec_order ASC LIMIT 1`, planID, MoveStatusPending)

	var m PlannedMove
	if err := row.Scan(&m.ID, &m.PlanID, &m.FileID, &m.SourceDiskID, &m.TargetDiskID, &m.FilePath, &m.FileSize, &m.ExecOrder, &m.Phase, &m.Status, &m.ErrorMessage); err != nil {
		return PlannedMove{}, err
	}
	return m, nil
}

// HasFailedMove reports whether any move in the plan ended in failed
// status, used to decide the plan's terminal status once moves are exhausted.
func (s *Store) HasFailedMove(planID int64) (bool, error) {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM planned_moves WHERE plan_id = ? AND status = ?`, planID, MoveStatusFailed)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("count failed moves for plan %d: %w", planID, err)
	}
	return count > 0, nil
}

// UpdateMoveStatus records a move's terminal or in-progress status and
// error reason. When status is MoveStatusCompleted, callers should use
// CommitMove instead so the disk byte adjustment lands atomically.
func (s *Store) UpdateMoveStatus(moveID int64, status, errMsg string) error {
	_, err := s.db.Exec(`UPDATE planned_moves SET status = ?, error_message = ? WHERE id = ?`, status, errMsg, moveID)
	if err != nil {
		return fmt.Errorf("update move %d status: %w", moveID, err)
	}
	return nil
}

// CommitMove marks a move completed and adjusts both disks' free/used
// bytes in one transaction, per spec.md §4.5 step 8.
func (s *Store) CommitMove(moveID, sourceDiskID, targetDiskID, size int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit move tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE planned_moves SET status = ?, error_message = '' WHERE id = ?`, MoveStatusCompleted, moveID); err != nil {
		return fmt.Errorf("mark move %d completed: %w", moveID, err)
	}
	if err := s.AdjustDiskFree(tx, sourceDiskID, -size); err != nil {
		return err
	}
	if err := s.AdjustDiskFree(tx, targetDiskID, size); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPlanStatus transitions a plan to a new status. Terminal states
// (completed, cancelled, failed) are permanent; callers are responsible
// for checking the current status before calling this for a cancel request.
func (s *Store) SetPlanStatus(planID int64, status string) error {
	_, err := s.db.Exec(`UPDATE plans SET status = ? WHERE id = ?`, status, planID)
	if err != nil {
		return fmt.Errorf("set plan %d status: %w", planID, err)
	}
	return nil
}

// GetPlan fetches a plan header by id.
func (s *Store) GetPlan(id int64) (Plan, error) {
	var p Plan
	row := s.db.QueryRow(`
		SELECT id, tolerance, slider_alpha, target_utilization, initial_imbalance, projected_imbalance, total_moves, total_bytes_to_move, status
		FROM plans WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Tolerance, &p.SliderAlpha, &p.TargetUtilization, &p.InitialImbalance, &p.ProjectedImbalance, &p.TotalMoves, &p.TotalBytesToMove, &p.Status); err != nil {
		return Plan{}, fmt.Errorf("get plan %d: %w", id, err)
	}
	return p, nil
}

// ListMoves returns every move for a plan in exec_order, used by the
// status API and by tests asserting plan determinism.
func (s *Store) ListMoves(planID int64) ([]PlannedMove, error) {
	rows, err := s.db.Query(`
		SELECT id, plan_id, file_id, source_disk_id, target_disk_id, file_path, file_size, exec_order, phase, status, error_message
		FROM planned_moves WHERE plan_id = ? ORDER BY exec_order ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list moves for plan %d: %w", planID, err)
	}
	defer rows.Close()

	var moves []PlannedMove
	for rows.Next() {
		var m PlannedMove
		if err := rows.Scan(&m.ID, &m.PlanID, &m.FileID, &m.SourceDiskID, &m.TargetDiskID, &m.FilePath, &m.FileSize, &m.ExecOrder, &m.Phase, &m.Status, &m.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan move row: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}
