package audit

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"pbalanced/internal/catalog"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.DB()
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		t.Fatalf("count audit_logs: %v", err)
	}
	return n
}

func TestLogCriticalActionWritesImmediately(t *testing.T) {
	db := openTestDB(t)
	bl := NewBufferedLogger(db, 100, time.Hour, nil)

	if err := bl.Log(Event{Action: ActionPlanCreated, Resource: "plan:1", Success: true}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	if got := countRows(t, db); got != 1 {
		t.Fatalf("audit_logs rows = %d, want 1 (critical action bypasses buffer)", got)
	}
	if size, _ := bl.Stats(); size != 0 {
		t.Fatalf("buffer size = %d, want 0 after direct write", size)
	}
}

func TestLogBufferedActionFlushesAtMaxBuffer(t *testing.T) {
	db := openTestDB(t)
	bl := NewBufferedLogger(db, 3, time.Hour, nil)

	for i := 0; i < 3; i++ {
		if err := bl.Log(Event{Action: ActionMoveCompleted, Resource: "move:1", Success: true}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	if got := countRows(t, db); got != 3 {
		t.Fatalf("audit_logs rows = %d, want 3 after buffer reached maxBuffer", got)
	}
}

func TestLogBufferedActionStaysBufferedUntilFlush(t *testing.T) {
	db := openTestDB(t)
	bl := NewBufferedLogger(db, 10, time.Hour, nil)

	if err := bl.Log(Event{Action: ActionMoveCompleted, Resource: "move:1", Success: true}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if got := countRows(t, db); got != 0 {
		t.Fatalf("audit_logs rows = %d, want 0 before flush", got)
	}
	if err := bl.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := countRows(t, db); got != 1 {
		t.Fatalf("audit_logs rows = %d, want 1 after flush", got)
	}
}

func TestHashChainLinksConsecutiveRows(t *testing.T) {
	db := openTestDB(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	bl := NewBufferedLogger(db, 100, time.Hour, key)

	bl.Log(Event{Action: ActionPlanCreated, Resource: "plan:1", Success: true})
	bl.Log(Event{Action: ActionPlanFinished, Resource: "plan:1", Success: true})

	rows, err := db.Query(`SELECT prev_hash, row_hash FROM audit_logs ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var hashes [][2]string
	for rows.Next() {
		var prev, row string
		if err := rows.Scan(&prev, &row); err != nil {
			t.Fatalf("scan: %v", err)
		}
		hashes = append(hashes, [2]string{prev, row})
	}
	if len(hashes) != 2 {
		t.Fatalf("got %d rows, want 2", len(hashes))
	}
	if hashes[0][0] != "" {
		t.Fatalf("first row prev_hash = %q, want empty", hashes[0][0])
	}
	if hashes[1][0] != hashes[0][1] {
		t.Fatalf("second row prev_hash = %q, want %q (first row's row_hash)", hashes[1][0], hashes[0][1])
	}
	if hashes[0][1] == "" || hashes[1][1] == "" {
		t.Fatal("row_hash must be non-empty when a key is configured")
	}
}

func TestNilKeyDisablesChain(t *testing.T) {
	db := openTestDB(t)
	bl := NewBufferedLogger(db, 100, time.Hour, nil)
	bl.Log(Event{Action: ActionPlanCreated, Resource: "plan:1", Success: true})

	var rowHash string
	if err := db.QueryRow(`SELECT row_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&rowHash); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rowHash != "" {
		t.Fatalf("row_hash = %q, want empty when hmacKey is nil", rowHash)
	}
}

func TestStopFlushesRemainingBuffer(t *testing.T) {
	db := openTestDB(t)
	bl := NewBufferedLogger(db, 100, time.Hour, nil)
	bl.Start()

	bl.Log(Event{Action: ActionMoveCompleted, Resource: "move:1", Success: true})
	bl.Stop()

	if got := countRows(t, db); got != 1 {
		t.Fatalf("audit_logs rows = %d, want 1 after Stop() flush", got)
	}
}
