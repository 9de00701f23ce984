// Package executor drives a committed balance plan to completion: one
// move in flight at a time, each preceded by the safety package's
// pre-flight checks, performed via an external copy utility (rsync, or
// cp when rsync is not on PATH) started directly with
// exec.CommandContext rather than through cmdutil, and committed to the
// catalog only after the transfer has removed the source.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pbalanced/internal/audit"
	"pbalanced/internal/catalog"
	"pbalanced/internal/events"
	"pbalanced/internal/safety"
	"pbalanced/internal/storage"
)

// Reasons recorded in planned_moves.error_message, per spec.md §7.
const (
	ReasonUnsafePath       = "unsafe_path"
	ReasonFileOpen         = "file_open"
	ReasonInsufficientSpc  = "insufficient_space"
	ReasonSourceMissing    = "source_missing"
	ReasonTargetWriteFail  = "target_write_failed"
	ReasonCancelled        = "cancelled"
	ReasonScrubActive      = "integrity_scrub_active"
)

// Config bundles the executor's tunables and the probes it consults
// before every move, so tests can inject fakes without shelling out.
type Config struct {
	MinFreeHeadroom  int64
	WarnParityCheck  bool
	StrictOnScrub    bool
	OpenFileProbe    safety.OpenFileProbe
	ScrubProbe       safety.ScrubProbe
	DiskUsageProbe   func(mountPath string) (total, used, free int64, err error)
	Transfer         Transferer
	Audit            *audit.BufferedLogger // nil disables audit trail entries
	MountGuard       *storage.MountGuard   // nil skips the pre-flight mount check
}

// Executor processes one plan's moves in exec_order. Callers construct
// one Executor per daemon and call Run once per execute request; the
// single-active-plan constraint is enforced by the caller (the HTTP
// layer's atomic flag), not here.
type Executor struct {
	store  *catalog.Store
	hub    *events.Hub
	cfg    Config
	cancel chan struct{}

	// runningPlanID holds the id of the plan currently inside Run, or 0
	// when no plan is executing. The HTTP layer reads it via
	// CurrentPlanID to decide whether a cancel request targets the plan
	// actually in flight.
	runningPlanID atomic.Int64
}

// New constructs an Executor bound to a catalog store and event hub.
func New(store *catalog.Store, hub *events.Hub, cfg Config) *Executor {
	return &Executor{store: store, hub: hub, cfg: cfg, cancel: make(chan struct{})}
}

// CurrentPlanID returns the id of the plan currently being executed and
// true, or (0, false) if Run is not in flight.
func (e *Executor) CurrentPlanID() (int64, bool) {
	id := e.runningPlanID.Load()
	return id, id != 0
}

// Cancel requests cooperative cancellation: the executor checks this
// between moves (always) and mid-transfer via the Transferer's context.
func (e *Executor) Cancel() {
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
	}
}

func (e *Executor) cancelled() bool {
	select {
	case <-e.cancel:
		return true
	default:
		return false
	}
}

// Run processes moves for planID until none remain, a structural
// failure pauses the plan, or cancellation is observed. It returns the
// plan's terminal status (completed, cancelled, or failed) once the
// plan is no longer executing — pausing for a scrub is not terminal and
// Run returns PlanStatusExecuting in that case so the caller can retry later.
func (e *Executor) Run(ctx context.Context, planID int64) (string, error) {
	if err := e.store.SetPlanStatus(planID, catalog.PlanStatusExecuting); err != nil {
		return "", fmt.Errorf("mark plan %d executing: %w", planID, err)
	}

	e.runningPlanID.Store(planID)
	defer e.runningPlanID.Store(0)

	for {
		if e.cancelled() {
			return e.finish(planID, catalog.PlanStatusCancelled)
		}

		move, err := e.store.NextPendingMove(planID)
		if errors.Is(err, sql.ErrNoRows) {
			failed, herr := e.store.HasFailedMove(planID)
			if herr != nil {
				return "", herr
			}
			if failed {
				return e.finish(planID, catalog.PlanStatusFailed)
			}
			return e.finish(planID, catalog.PlanStatusCompleted)
		}
		if err != nil {
			return "", fmt.Errorf("load next pending move for plan %d: %w", planID, err)
		}

		paused, err := e.processMove(ctx, move)
		if err != nil {
			return "", err
		}
		if paused {
			return catalog.PlanStatusExecuting, nil
		}
	}
}

func (e *Executor) finish(planID int64, status string) (string, error) {
	if err := e.store.SetPlanStatus(planID, status); err != nil {
		return "", err
	}
	e.hub.Publish(events.TypePlanFinished, events.PlanFinished{PlanID: planID, FinalStatus: status})
	e.logAudit(audit.ActionPlanFinished, fmt.Sprintf("plan:%d", planID), status, status != catalog.PlanStatusFailed)
	return status, nil
}

// LogPlanCreated records a plan's creation in the audit trail. It is
// called from the HTTP layer rather than Run, since plan creation
// happens before any Executor is asked to execute that plan.
func (e *Executor) LogPlanCreated(planID int64, totalMoves int) {
	e.logAudit(audit.ActionPlanCreated, fmt.Sprintf("plan:%d", planID), fmt.Sprintf("%d moves", totalMoves), true)
}

// logAudit is a no-op when no audit logger is configured, so tests and
// callers that don't care about the audit trail can leave cfg.Audit nil.
func (e *Executor) logAudit(action, resource, details string, success bool) {
	if e.cfg.Audit == nil {
		return
	}
	if err := e.cfg.Audit.Log(audit.Event{Action: action, Resource: resource, Details: details, Success: success}); err != nil {
		e.hub.Publish(events.TypeWarning, events.Warning{Kind: "audit_write_failed", Text: err.Error()})
	}
}

// processMove runs the full pre-flight/transfer/commit sequence for one
// move. It returns paused=true when a scrub pauses the plan under
// strict mode — the caller's Run loop exits without error so the plan
// stays in executing status until re-entered.
func (e *Executor) processMove(ctx context.Context, move catalog.PlannedMove) (paused bool, err error) {
	source, err := e.store.GetFile(move.FileID)
	if err != nil {
		return false, e.skipOrFail(move, ReasonSourceMissing, catalog.MoveStatusFailed)
	}

	sourceDisk, err := e.store.GetDisk(move.SourceDiskID)
	if err != nil {
		return false, err
	}
	targetDisk, err := e.store.GetDisk(move.TargetDiskID)
	if err != nil {
		return false, err
	}

	destPath := targetDisk.MountPath + "/" + relativeTo(sourceDisk.MountPath, source.FilePath)

	if verr := safety.ValidateMovePaths(source.FilePath, destPath); verr != nil {
		return false, e.skipOrFail(move, ReasonUnsafePath, catalog.MoveStatusFailed)
	}

	if e.cfg.MountGuard != nil {
		if gerr := e.cfg.MountGuard.CheckMounted(sourceDisk.MountPath); gerr != nil {
			return true, e.skipOrFail(move, ReasonTargetWriteFail, catalog.MoveStatusFailed)
		}
		if gerr := e.cfg.MountGuard.CheckMounted(targetDisk.MountPath); gerr != nil {
			return true, e.skipOrFail(move, ReasonTargetWriteFail, catalog.MoveStatusFailed)
		}
	}

	if e.cfg.OpenFileProbe != nil {
		open, perr := safety.IsSourceOpen(source.FilePath, e.cfg.OpenFileProbe)
		if perr != nil {
			return false, perr
		}
		if open {
			return false, e.skipOrFail(move, ReasonFileOpen, catalog.MoveStatusSkipped)
		}
	}

	if e.cfg.ScrubProbe != nil && e.cfg.WarnParityCheck && targetDisk.Pool != "" {
		active, perr := safety.IsIntegrityScrubActive(targetDisk.Pool, e.cfg.ScrubProbe)
		if perr != nil {
			return false, perr
		}
		if active {
			e.hub.Publish(events.TypeWarning, events.Warning{Kind: ReasonScrubActive, Text: "integrity scrub active on pool " + targetDisk.Pool})
			if e.cfg.StrictOnScrub {
				return true, nil
			}
		}
	}

	if e.cfg.DiskUsageProbe != nil {
		_, _, free, uerr := e.cfg.DiskUsageProbe(targetDisk.MountPath)
		if uerr == nil && !safety.HasHeadroom(free, move.FileSize, e.cfg.MinFreeHeadroom) {
			return false, e.skipOrFail(move, ReasonInsufficientSpc, catalog.MoveStatusSkipped)
		}
	}

	e.hub.Publish(events.TypeMoveStarted, events.MoveStarted{MoveID: move.ID, FilePath: source.FilePath, Bytes: move.FileSize})
	if err := e.store.UpdateMoveStatus(move.ID, catalog.MoveStatusInProgress, ""); err != nil {
		return false, err
	}

	moveCtx, stop := e.withCancel(ctx)
	defer stop()

	progress := func(transferred int64) {
		e.hub.Publish(events.TypeMoveProgress, events.MoveProgress{MoveID: move.ID, BytesTransferred: transferred})
	}

	err = e.cfg.Transfer.Move(moveCtx, source.FilePath, destPath, progress)
	if err != nil {
		if e.cancelled() {
			return false, e.skipOrFail(move, ReasonCancelled, catalog.MoveStatusFailed)
		}
		if isStructuralFailure(err) {
			if serr := e.store.UpdateMoveStatus(move.ID, catalog.MoveStatusFailed, ReasonTargetWriteFail); serr != nil {
				return false, serr
			}
			e.hub.Publish(events.TypeMoveFailed, events.MoveFailed{MoveID: move.ID, Reason: ReasonTargetWriteFail})
			e.logAudit(audit.ActionMoveFailed, fmt.Sprintf("move:%d", move.ID), ReasonTargetWriteFail, false)
			return true, nil
		}
		return false, e.skipOrFail(move, err.Error(), catalog.MoveStatusFailed)
	}

	if err := e.store.CommitMove(move.ID, move.SourceDiskID, move.TargetDiskID, move.FileSize); err != nil {
		return false, err
	}
	e.hub.Publish(events.TypeMoveCompleted, events.MoveCompleted{MoveID: move.ID, Bytes: move.FileSize})
	e.logAudit(audit.ActionMoveCompleted, fmt.Sprintf("move:%d", move.ID),
		fmt.Sprintf("%s -> %s (%d bytes)", source.FilePath, destPath, move.FileSize), true)
	return false, nil
}

func (e *Executor) withCancel(ctx context.Context) (context.Context, func()) {
	childCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-e.cancel:
			cancel()
		case <-done:
		}
	}()
	return childCtx, func() { close(done); cancel() }
}

func (e *Executor) skipOrFail(move catalog.PlannedMove, reason, status string) error {
	if err := e.store.UpdateMoveStatus(move.ID, status, reason); err != nil {
		return err
	}
	e.hub.Publish(events.TypeMoveFailed, events.MoveFailed{MoveID: move.ID, Reason: reason})

	action := audit.ActionMoveSkipped
	if status == catalog.MoveStatusFailed {
		action = audit.ActionMoveFailed
	}
	e.logAudit(action, fmt.Sprintf("move:%d", move.ID), reason, false)
	return nil
}

// isStructuralFailure classifies a transfer error as plan-pausing (the
// destination mount vanished) rather than a one-off, per-move failure.
func isStructuralFailure(err error) bool {
	return errors.Is(err, ErrDestinationMountGone)
}

// relativeTo strips a disk's mount path prefix from an absolute file
// path, so the same relative layout can be recreated under another
// disk's mount path.
func relativeTo(mountPath, fullPath string) string {
	if len(fullPath) > len(mountPath) && fullPath[:len(mountPath)] == mountPath {
		rest := fullPath[len(mountPath):]
		for len(rest) > 0 && rest[0] == '/' {
			rest = rest[1:]
		}
		return rest
	}
	return fullPath
}

// CancellationGrace is how long the executor waits after a graceful
// signal before escalating to a forceful kill of the in-flight transfer,
// per spec.md §4.5's cancellation contract.
const CancellationGrace = 5 * time.Second
