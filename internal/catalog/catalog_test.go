package catalog

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertDiskCreatesThenUpdates(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertDisk(Disk{Name: "disk1", MountPath: "/mnt/disk1", TotalBytes: 1000, UsedBytes: 100, FreeBytes: 900, Included: true})
	if err != nil {
		t.Fatalf("UpsertDisk() error = %v", err)
	}
	if id == 0 {
		t.Fatalf("UpsertDisk() returned id 0")
	}

	id2, err := s.UpsertDisk(Disk{Name: "disk1", MountPath: "/mnt/disk1", TotalBytes: 1000, UsedBytes: 200, FreeBytes: 800, Included: true})
	if err != nil {
		t.Fatalf("UpsertDisk() second call error = %v", err)
	}
	if id2 != id {
		t.Fatalf("UpsertDisk() second call id = %d, want %d (same disk)", id2, id)
	}

	got, err := s.GetDisk(id)
	if err != nil {
		t.Fatalf("GetDisk() error = %v", err)
	}
	if got.UsedBytes != 200 {
		t.Fatalf("GetDisk() UsedBytes = %d, want 200 (expect overwrite, not duplicate row)", got.UsedBytes)
	}
}

func TestListIncludedDisksExcludesExcluded(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.UpsertDisk(Disk{Name: "disk1", MountPath: "/mnt/disk1", Included: true}); err != nil {
		t.Fatalf("UpsertDisk() error = %v", err)
	}
	if _, err := s.UpsertDisk(Disk{Name: "disk2", MountPath: "/mnt/disk2", Included: false}); err != nil {
		t.Fatalf("UpsertDisk() error = %v", err)
	}

	disks, err := s.ListIncludedDisks()
	if err != nil {
		t.Fatalf("ListIncludedDisks() error = %v", err)
	}
	if len(disks) != 1 || disks[0].Name != "disk1" {
		t.Fatalf("ListIncludedDisks() = %+v, want only disk1", disks)
	}
}

func TestScanLifecyclePurgesStaleGeneration(t *testing.T) {
	s := openTestStore(t)

	diskID, err := s.UpsertDisk(Disk{Name: "disk1", MountPath: "/mnt/disk1", TotalBytes: 1000, Included: true})
	if err != nil {
		t.Fatalf("UpsertDisk() error = %v", err)
	}

	scan1, err := s.BeginScan(diskID)
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	if err := s.InsertFilesBatch(scan1, []File{
		{DiskID: diskID, FilePath: "/mnt/disk1/old", BaseName: "old", ParentPath: "/mnt/disk1", SizeBytes: 10},
	}); err != nil {
		t.Fatalf("InsertFilesBatch() error = %v", err)
	}
	if err := s.FinalizeScan(scan1, false, "", 10, 990); err != nil {
		t.Fatalf("FinalizeScan() error = %v", err)
	}

	scan2, err := s.BeginScan(diskID)
	if err != nil {
		t.Fatalf("BeginScan() second scan error = %v", err)
	}
	if err := s.InsertFilesBatch(scan2, []File{
		{DiskID: diskID, FilePath: "/mnt/disk1/new", BaseName: "new", ParentPath: "/mnt/disk1", SizeBytes: 20},
	}); err != nil {
		t.Fatalf("InsertFilesBatch() second scan error = %v", err)
	}
	if err := s.FinalizeScan(scan2, false, "", 20, 980); err != nil {
		t.Fatalf("FinalizeScan() second scan error = %v", err)
	}

	files, err := s.LatestFilesFor(diskID)
	if err != nil {
		t.Fatalf("LatestFilesFor() error = %v", err)
	}
	if len(files) != 1 || files[0].FilePath != "/mnt/disk1/new" {
		t.Fatalf("LatestFilesFor() = %+v, want only /mnt/disk1/new (old generation should be purged)", files)
	}

	disk, err := s.GetDisk(diskID)
	if err != nil {
		t.Fatalf("GetDisk() error = %v", err)
	}
	if disk.UsedBytes != 20 || disk.FreeBytes != 980 {
		t.Fatalf("GetDisk() used/free = %d/%d, want 20/980", disk.UsedBytes, disk.FreeBytes)
	}
}

func TestPlanAndMoveLifecycle(t *testing.T) {
	s := openTestStore(t)

	diskA, err := s.UpsertDisk(Disk{Name: "diskA", MountPath: "/mnt/diskA", TotalBytes: 1000, UsedBytes: 800, FreeBytes: 200, Included: true})
	if err != nil {
		t.Fatalf("UpsertDisk(diskA) error = %v", err)
	}
	diskB, err := s.UpsertDisk(Disk{Name: "diskB", MountPath: "/mnt/diskB", TotalBytes: 1000, UsedBytes: 200, FreeBytes: 800, Included: true})
	if err != nil {
		t.Fatalf("UpsertDisk(diskB) error = %v", err)
	}

	scanID, err := s.BeginScan(diskA)
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	if err := s.InsertFilesBatch(scanID, []File{
		{DiskID: diskA, FilePath: "/mnt/diskA/big", BaseName: "big", ParentPath: "/mnt/diskA", SizeBytes: 300},
	}); err != nil {
		t.Fatalf("InsertFilesBatch() error = %v", err)
	}
	if err := s.FinalizeScan(scanID, false, "", 800, 200); err != nil {
		t.Fatalf("FinalizeScan() error = %v", err)
	}

	files, err := s.LatestFilesFor(diskA)
	if err != nil {
		t.Fatalf("LatestFilesFor() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("LatestFilesFor() returned %d files, want 1", len(files))
	}

	planID, err := s.CreatePlan(Plan{
		Tolerance: 0, SliderAlpha: 1, TargetUtilization: 0.5,
		InitialImbalance: 0.6, ProjectedImbalance: 0,
		TotalMoves: 1, TotalBytesToMove: 300, Status: PlanStatusPlanned,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	if err := s.AppendMoves(planID, []PlannedMove{
		{PlanID: planID, FileID: files[0].ID, SourceDiskID: diskA, TargetDiskID: diskB, FilePath: files[0].FilePath, FileSize: 300, ExecOrder: 1},
	}); err != nil {
		t.Fatalf("AppendMoves() error = %v", err)
	}

	move, err := s.NextPendingMove(planID)
	if err != nil {
		t.Fatalf("NextPendingMove() error = %v", err)
	}
	if move.Status != MoveStatusPending {
		t.Fatalf("NextPendingMove() status = %q, want pending", move.Status)
	}

	if err := s.CommitMove(move.ID, diskA, diskB, move.FileSize); err != nil {
		t.Fatalf("CommitMove() error = %v", err)
	}

	if _, err := s.NextPendingMove(planID); err == nil {
		t.Fatalf("NextPendingMove() after commit = nil error, want sql.ErrNoRows (no pending moves left)")
	}

	gotA, err := s.GetDisk(diskA)
	if err != nil {
		t.Fatalf("GetDisk(diskA) error = %v", err)
	}
	gotB, err := s.GetDisk(diskB)
	if err != nil {
		t.Fatalf("GetDisk(diskB) error = %v", err)
	}
	if gotA.UsedBytes != 500 || gotB.UsedBytes != 500 {
		t.Fatalf("post-move used bytes A=%d B=%d, want 500/500", gotA.UsedBytes, gotB.UsedBytes)
	}

	if err := s.SetPlanStatus(planID, PlanStatusCompleted); err != nil {
		t.Fatalf("SetPlanStatus() error = %v", err)
	}
	plan, err := s.GetPlan(planID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if plan.Status != PlanStatusCompleted {
		t.Fatalf("GetPlan() status = %q, want completed", plan.Status)
	}
}
