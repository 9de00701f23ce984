package events

// ScanProgress is published every 250ms or every 5,000 files during a
// scan, whichever comes first.
type ScanProgress struct {
	Disk      string `json:"disk"`
	FilesSeen int64  `json:"files_seen"`
	BytesSeen int64  `json:"bytes_seen"`
}

// ScanCompleted marks the end of a disk's scan pass.
type ScanCompleted struct {
	Disk    string `json:"disk"`
	Partial bool   `json:"partial"`
}

// PlanCreated is published once a balance plan has been committed to
// the catalog.
type PlanCreated struct {
	PlanID     int64 `json:"plan_id"`
	TotalMoves int   `json:"total_moves"`
	TotalBytes int64 `json:"total_bytes"`
}

// MoveStarted marks the beginning of a single planned move's transfer.
type MoveStarted struct {
	MoveID   int64  `json:"move_id"`
	FilePath string `json:"file_path"`
	Bytes    int64  `json:"bytes"`
}

// MoveProgress is published at up to 10Hz while a move's transfer runs.
type MoveProgress struct {
	MoveID          int64 `json:"move_id"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// MoveCompleted marks a move's successful commit.
type MoveCompleted struct {
	MoveID int64 `json:"move_id"`
	Bytes  int64 `json:"bytes"`
}

// MoveFailed marks a move's terminal failure or skip.
type MoveFailed struct {
	MoveID int64  `json:"move_id"`
	Reason string `json:"reason"`
}

// PlanFinished marks a plan's terminal status.
type PlanFinished struct {
	PlanID      int64  `json:"plan_id"`
	FinalStatus string `json:"final_status"`
}

// Warning is a non-fatal notice — e.g. an empty plan, or an active
// integrity scrub — surfaced to subscribers without aborting anything.
type Warning struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}
