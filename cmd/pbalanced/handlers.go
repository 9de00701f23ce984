package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"pbalanced/internal/balancer"
	"pbalanced/internal/catalog"
	"pbalanced/internal/events"
	"pbalanced/internal/hardware"
	"pbalanced/internal/scanner"
)

// handleStatus reports whether a plan is currently executing, so a
// client can decide whether it's safe to request a new one.
func (d *apiDeps) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     version,
		"plan_active": d.planActive.Load(),
	})
}

func (d *apiDeps) handleListDisks(w http.ResponseWriter, r *http.Request) {
	disks, err := d.store.ListAllDisks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_disks_failed", err.Error())
		return
	}
	if disks == nil {
		disks = []catalog.Disk{}
	}
	writeJSON(w, http.StatusOK, disks)
}

// handleDiscoverDisks lists block devices mounted under /mnt/disk* or
// /mnt/cache via lsblk, for setup-time disk-list population — distinct
// from handleListDisks, which returns disks already registered in the
// catalog.
func (d *apiDeps) handleDiscoverDisks(w http.ResponseWriter, r *http.Request) {
	devices, err := scanner.DiscoverBlockDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discover_disks_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scanner.MountedArrayDisks(devices))
}

// handleScan walks every included disk sequentially via a bounded
// worker count derived from host CPU topology (overridable via
// cfg.ScanThreads), publishing scan_progress/scan_completed events as
// it goes, then finalizes each disk's catalog generation.
func (d *apiDeps) handleScan(w http.ResponseWriter, r *http.Request) {
	disks, err := d.store.ListIncludedDisks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_disks_failed", err.Error())
		return
	}

	threads := d.cfg.ScanThreads
	if threads <= 0 {
		threads = hardware.RecommendedScanThreads(hardware.DetectCPU())
	}

	go func() {
		for _, disk := range disks {
			d.scanOneDisk(disk, threads)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"disks_queued": len(disks)})
}

func (d *apiDeps) scanOneDisk(disk catalog.Disk, threads int) {
	d.metrics.ScansStarted.Inc()

	scanID, err := d.store.BeginScan(disk.ID)
	if err != nil {
		d.hub.Publish(events.TypeWarning, events.Warning{Kind: "scan_start_failed", Text: err.Error()})
		return
	}

	opts := scanner.Options{
		Concurrency: threads,
		OnProgress: func(filesSeen, bytesSeen int64) {
			d.hub.Publish(events.TypeScanProgress, events.ScanProgress{
				Disk:      disk.Name,
				FilesSeen: filesSeen,
				BytesSeen: bytesSeen,
			})
		},
	}

	result := scanner.Walk(context.Background(), disk.ID, disk.MountPath, opts)
	if err := d.store.InsertFilesBatch(scanID, result.Files); err != nil {
		d.hub.Publish(events.TypeWarning, events.Warning{Kind: "scan_insert_failed", Text: err.Error()})
		return
	}

	total, used, free, err := scanner.DiskUsage(disk.MountPath)
	if err != nil {
		total, used, free = disk.TotalBytes, disk.UsedBytes, disk.FreeBytes
	}

	if err := d.store.FinalizeScan(scanID, result.Partial, result.ErrorMessage, used, free); err != nil {
		d.hub.Publish(events.TypeWarning, events.Warning{Kind: "scan_finalize_failed", Text: err.Error()})
		return
	}

	d.metrics.FilesScanned.Add(float64(result.FilesSeen))
	d.metrics.BytesScanned.Add(float64(result.BytesSeen))
	if total > 0 {
		d.metrics.DiskUtilization.WithLabelValues(disk.Name).Set(float64(used) / float64(total))
	}

	d.hub.Publish(events.TypeScanCompleted, events.ScanCompleted{
		Disk:    disk.Name,
		Partial: result.Partial,
	})
}

type createPlanRequest struct {
	SliderAlpha float64  `json:"slider_alpha"`
	Tolerance   *float64 `json:"tolerance,omitempty"`
}

// handleCreatePlan runs the balancer over the catalog's current
// generation and commits the resulting plan and moves as one unit.
func (d *apiDeps) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	tolerance := d.cfg.MaxTolerance
	if req.Tolerance != nil {
		tolerance = *req.Tolerance
	}

	disks, err := d.store.ListIncludedDisks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_disks_failed", err.Error())
		return
	}

	filesByDisk := make(map[int64][]catalog.File, len(disks))
	for _, disk := range disks {
		files, err := d.store.LatestFilesFor(disk.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list_files_failed", err.Error())
			return
		}
		filesByDisk[disk.ID] = files
	}

	result := balancer.Plan(balancer.Inputs{
		Disks:           disks,
		FilesByDisk:     filesByDisk,
		SliderAlpha:     req.SliderAlpha,
		MaxTolerance:    tolerance,
		MinFreeHeadroom: d.cfg.MinFreeHeadroom,
	})

	planID, err := d.store.CreatePlan(catalog.Plan{
		Tolerance:          result.Tolerance,
		SliderAlpha:        req.SliderAlpha,
		TargetUtilization:  result.TargetUtilization,
		InitialImbalance:   result.InitialImbalance,
		ProjectedImbalance: result.ProjectedImbalance,
		TotalMoves:         len(result.Moves),
		TotalBytesToMove:   result.TotalBytesToMove,
		Status:             catalog.PlanStatusPlanned,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create_plan_failed", err.Error())
		return
	}

	moves := make([]catalog.PlannedMove, len(result.Moves))
	for i, m := range result.Moves {
		moves[i] = catalog.PlannedMove{
			PlanID:       planID,
			FileID:       m.FileID,
			SourceDiskID: m.SourceDiskID,
			TargetDiskID: m.TargetDiskID,
			FilePath:     m.FilePath,
			FileSize:     m.FileSize,
			ExecOrder:    i,
			Phase:        m.Phase,
			Status:       catalog.MoveStatusPending,
		}
	}
	if err := d.store.AppendMoves(planID, moves); err != nil {
		writeError(w, http.StatusInternalServerError, "append_moves_failed", err.Error())
		return
	}

	d.logPlanCreated(planID, len(moves))
	d.hub.Publish(events.TypePlanCreated, events.PlanCreated{
		PlanID:     planID,
		TotalMoves: len(moves),
		TotalBytes: result.TotalBytesToMove,
	})

	plan, err := d.store.GetPlan(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_plan_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (d *apiDeps) logPlanCreated(planID int64, totalMoves int) {
	// executor.Config carries the same *audit.BufferedLogger; reuse it
	// here since plan creation happens outside the executor's lifetime.
	if d.exec == nil {
		return
	}
	d.exec.LogPlanCreated(planID, totalMoves)
}

func (d *apiDeps) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := planIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}
	plan, err := d.store.GetPlan(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan_not_found", err.Error())
		return
	}
	moves, err := d.store.ListMoves(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_moves_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": plan, "moves": moves})
}

// handleExecutePlan enforces the single-active-plan constraint with an
// atomic compare-and-swap, rejects an unknown plan id (404) or a plan
// already in a terminal status (409), then runs the executor in the
// background.
func (d *apiDeps) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	id, err := planIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	if !d.planActive.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "plan_already_executing", "another plan is currently executing")
		return
	}

	plan, err := d.store.GetPlan(id)
	if err != nil {
		d.planActive.Store(false)
		writeError(w, http.StatusNotFound, "plan_not_found", err.Error())
		return
	}
	switch plan.Status {
	case catalog.PlanStatusCompleted, catalog.PlanStatusCancelled, catalog.PlanStatusFailed:
		d.planActive.Store(false)
		writeError(w, http.StatusConflict, "plan_already_terminal", "plan has already reached a terminal status")
		return
	}

	go func() {
		defer d.planActive.Store(false)
		if _, err := d.exec.Run(context.Background(), id); err != nil {
			d.hub.Publish(events.TypeWarning, events.Warning{Kind: "plan_execution_error", Text: err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": catalog.PlanStatusExecuting})
}

// handleCancelPlan only accepts a cancel for the plan d.exec is actually
// running; a terminal, nonexistent, or merely-unrelated plan id is a
// conflict rather than a silent no-op or an unrelated cancellation.
func (d *apiDeps) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id, err := planIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	plan, err := d.store.GetPlan(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan_not_found", err.Error())
		return
	}

	switch plan.Status {
	case catalog.PlanStatusCompleted, catalog.PlanStatusCancelled, catalog.PlanStatusFailed:
		writeError(w, http.StatusConflict, "plan_already_terminal", "plan has already reached a terminal status")
		return
	}

	running, ok := d.exec.CurrentPlanID()
	if !ok || running != id {
		writeError(w, http.StatusConflict, "plan_not_executing", "plan is not the one currently executing")
		return
	}

	d.exec.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (d *apiDeps) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.cfg)
}

func (d *apiDeps) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if v, ok := patch["slider_alpha"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "invalid_slider_alpha", "must be a float in [0,1]")
			return
		}
		d.cfg.SliderAlpha = f
	}
	if v, ok := patch["max_tolerance"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			writeError(w, http.StatusBadRequest, "invalid_max_tolerance", "must be a float in (0,1)")
			return
		}
		d.cfg.MaxTolerance = f
	}
	writeJSON(w, http.StatusOK, d.cfg)
}

// handleEventStream serves Server-Sent Events over the same hub the
// WebSocket bridge mirrors, framing each event as a JSON object and
// emitting a heartbeat comment every 15s so idle proxies don't close
// the connection.
func (d *apiDeps) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func planIDFromRequest(r *http.Request) (int64, error) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid plan id %q: %w", idStr, err)
	}
	return id, nil
}
