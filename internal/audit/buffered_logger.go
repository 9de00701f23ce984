// Package audit keeps a tamper-evident, HMAC-chained log of every plan
// creation and move terminal state, so that what the daemon moved and
// why can be reconstructed after the fact even if the catalog's other
// tables are later modified.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Action names recorded in the audit log. Unlike the generic command
// log this package is adapted from, every action here corresponds to a
// plan/move terminal state rather than an arbitrary CLI invocation.
const (
	ActionPlanCreated   = "plan_created"
	ActionPlanFinished  = "plan_finished"
	ActionMoveCompleted = "move_completed"
	ActionMoveFailed    = "move_failed"
	ActionMoveSkipped   = "move_skipped"
)

// criticalActions bypass the buffer and write directly to SQLite so
// they survive a crash or SIGKILL between flushes: plan boundaries and
// failures are rare and worth the extra write, while the common case
// (one completed move per file, possibly thousands per plan) is worth
// batching.
var criticalActions = map[string]bool{
	ActionPlanCreated:  true,
	ActionPlanFinished: true,
	ActionMoveFailed:   true,
}

// Event is a single audit row. Resource is the plan or move identifier
// the event concerns; Details carries a short human-readable summary
// (e.g. the file path and byte count for a move).
type Event struct {
	Timestamp int64
	Action    string
	Resource  string
	Details   string
	Success   bool
}

// BufferedLogger batches audit rows into periodic transactions to
// avoid one SQLite write per file move, while still chaining every row
// (buffered or direct) into the same HMAC hash chain.
type BufferedLogger struct {
	db            *sql.DB
	buffer        []Event
	bufferMutex   sync.Mutex
	flushTicker   *time.Ticker
	stopChan      chan struct{}
	maxBuffer     int
	flushInterval time.Duration
	hmacKey       []byte // 32-byte key for audit chain integrity; nil = chain disabled
}

// NewBufferedLogger creates a buffered audit logger writing to db.
// Flushes every flushInterval or when the buffer reaches maxBuffer,
// whichever comes first.
func NewBufferedLogger(db *sql.DB, maxBuffer int, flushInterval time.Duration, hmacKey []byte) *BufferedLogger {
	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &BufferedLogger{
		db:            db,
		buffer:        make([]Event, 0, maxBuffer),
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
		hmacKey:       hmacKey,
	}
}

// Start begins the background flush goroutine.
func (bl *BufferedLogger) Start() {
	bl.flushTicker = time.NewTicker(bl.flushInterval)

	go func() {
		for {
			select {
			case <-bl.flushTicker.C:
				if err := bl.Flush(); err != nil {
					log.Printf("audit: periodic flush: %v", err)
				}
			case <-bl.stopChan:
				bl.flushTicker.Stop()
				if err := bl.Flush(); err != nil {
					log.Printf("audit: final flush: %v", err)
				}
				return
			}
		}
	}()
}

// Stop flushes any buffered rows and halts the background goroutine.
func (bl *BufferedLogger) Stop() {
	close(bl.stopChan)
	if err := bl.Flush(); err != nil {
		log.Printf("audit: stop flush: %v", err)
	}
}

// Log records event, writing it directly if its action is critical
// (see criticalActions) or appending it to the buffer otherwise.
//
// Thread-safe: callable from the executor, the HTTP handlers, and the
// balancer concurrently.
func (bl *BufferedLogger) Log(event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	if criticalActions[event.Action] {
		return bl.writeDirect([]Event{event})
	}

	bl.bufferMutex.Lock()
	bl.buffer = append(bl.buffer, event)
	needFlush := len(bl.buffer) >= bl.maxBuffer
	bl.bufferMutex.Unlock()

	if needFlush {
		return bl.Flush()
	}
	return nil
}

func (bl *BufferedLogger) writeDirect(events []Event) error {
	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("audit direct write: begin: %w", err)
	}
	defer tx.Rollback()

	prevHash, err := bl.lastHash(tx)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO audit_logs
		(timestamp, action, resource, details, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit direct write: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		rowHash := computeRowHash(bl.hmacKey, prevHash, e)
		if _, err := stmt.Exec(e.Timestamp, e.Action, e.Resource, e.Details, boolToInt(e.Success), prevHash, rowHash); err != nil {
			return fmt.Errorf("audit direct write: exec: %w", err)
		}
		prevHash = rowHash
	}
	return tx.Commit()
}

// Flush writes every buffered event to SQLite in a single transaction,
// threading the HMAC chain across the batch.
func (bl *BufferedLogger) Flush() error {
	bl.bufferMutex.Lock()
	if len(bl.buffer) == 0 {
		bl.bufferMutex.Unlock()
		return nil
	}
	events := make([]Event, len(bl.buffer))
	copy(events, bl.buffer)
	bl.buffer = bl.buffer[:0]
	bl.bufferMutex.Unlock()

	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("audit flush: begin: %w", err)
	}
	defer tx.Rollback()

	prevHash, err := bl.lastHash(tx)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO audit_logs
		(timestamp, action, resource, details, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit flush: prepare: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		rowHash := computeRowHash(bl.hmacKey, prevHash, event)
		if _, err := stmt.Exec(event.Timestamp, event.Action, event.Resource, event.Details, boolToInt(event.Success), prevHash, rowHash); err != nil {
			log.Printf("audit flush: insert failed, dropping row: %v", err)
			continue
		}
		prevHash = rowHash
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit flush: commit: %w", err)
	}
	return nil
}

func (bl *BufferedLogger) lastHash(tx *sql.Tx) (string, error) {
	if bl.hmacKey == nil {
		return "", nil
	}
	var prevHash string
	err := tx.QueryRow(`SELECT COALESCE(row_hash,'') FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("audit: read chain head: %w", err)
	}
	return prevHash, nil
}

// Stats reports the current buffer depth and the buffer's capacity.
func (bl *BufferedLogger) Stats() (bufferSize, maxBuffer int) {
	bl.bufferMutex.Lock()
	defer bl.bufferMutex.Unlock()
	return len(bl.buffer), bl.maxBuffer
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
