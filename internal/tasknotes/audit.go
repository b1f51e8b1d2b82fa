package tasknotes

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one closed task's audit record, as written by a ComplyAudit
// escaper once a TaskNotes reaches Finished.
type AuditEntry struct {
	TaskID       uuid.UUID
	ClientAddr   string
	ServerAddr   string
	Username     string
	Upstream     string
	FinalStage   Stage
	OpenedAt     time.Time
	ClosedAt     time.Time
	IngressBytes int64
	EgressBytes  int64
}

// EntryFromTaskNotes builds an AuditEntry from a finished TaskNotes.
func EntryFromTaskNotes(n *TaskNotes, ingressBytes, egressBytes int64) AuditEntry {
	transitions := n.Transitions()
	var opened, closed time.Time
	if len(transitions) > 0 {
		opened = transitions[0].At
		closed = transitions[len(transitions)-1].At
	}
	username := ""
	if u := n.UserCtx(); u != nil {
		username = u.User
	}
	return AuditEntry{
		TaskID:       n.TaskID,
		ClientAddr:   n.ClientAddr,
		ServerAddr:   n.ServerAddr,
		Username:     username,
		Upstream:     n.Upstream(),
		FinalStage:   n.Stage(),
		OpenedAt:     opened,
		ClosedAt:     closed,
		IngressBytes: ingressBytes,
		EgressBytes:  egressBytes,
	}
}

// AuditHandle persists a rolling task-audit log to SQLite (modernc.org/sqlite,
// schema managed by golang-migrate). Record is non-blocking: entries are
// batched and flushed by a background goroutine, and the table is pruned
// to MaxRows on every flush tick so the log stays bounded — "rolling" in
// the sense spec.md §6 describes, not an unbounded history.
type AuditHandle struct {
	db            *sql.DB
	maxRows       int
	flushInterval int64 // nanoseconds, read-only after construction

	queue   chan AuditEntry
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// OpenAuditHandle opens (creating if needed) the audit database at path,
// runs migrations, and starts the background flush loop.
func OpenAuditHandle(path string, maxRows int, flushInterval time.Duration) (*AuditHandle, error) {
	db, err := openAuditDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateAuditDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = 100_000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	h := &AuditHandle{
		db:            db,
		maxRows:       maxRows,
		flushInterval: int64(flushInterval),
		queue:         make(chan AuditEntry, 256),
		closeCh:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h, nil
}

// Record enqueues an entry for the next batch flush. Non-blocking: if the
// queue is saturated the entry is dropped and counted (see DroppedCount) —
// a backed-up audit log must never stall the proxy's hot path.
func (h *AuditHandle) Record(e AuditEntry) {
	select {
	case h.queue <- e:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// DroppedCount returns the number of entries dropped due to a saturated
// queue since startup.
func (h *AuditHandle) DroppedCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close stops the flush loop, flushing any pending batch, and closes the
// database.
func (h *AuditHandle) Close() error {
	close(h.closeCh)
	h.wg.Wait()
	return h.db.Close()
}

func (h *AuditHandle) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Duration(h.flushInterval))
	defer ticker.Stop()

	var batch []AuditEntry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := h.insertBatch(batch); err == nil {
			h.pruneRolling()
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-h.queue:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-h.closeCh:
			for {
				select {
				case e := <-h.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (h *AuditHandle) insertBatch(entries []AuditEntry) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("tasknotes: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO audit_log (
		task_id, client_addr, server_addr, username, upstream, final_stage,
		opened_at_ns, closed_at_ns, ingress_bytes, egress_bytes
	) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("tasknotes: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.Exec(
			e.TaskID.String(), e.ClientAddr, e.ServerAddr, e.Username, e.Upstream,
			e.FinalStage.String(), e.OpenedAt.UnixNano(), e.ClosedAt.UnixNano(),
			e.IngressBytes, e.EgressBytes,
		)
		if err != nil {
			return fmt.Errorf("tasknotes: insert audit row: %w", err)
		}
	}
	return tx.Commit()
}

// pruneRolling deletes rows beyond the most recent MaxRows, keyed on
// closed_at_ns, keeping the log's disk footprint bounded.
func (h *AuditHandle) pruneRolling() error {
	_, err := h.db.Exec(`
		DELETE FROM audit_log WHERE task_id NOT IN (
			SELECT task_id FROM audit_log ORDER BY closed_at_ns DESC LIMIT ?
		)`, h.maxRows)
	if err != nil {
		return fmt.Errorf("tasknotes: prune audit log: %w", err)
	}
	return nil
}

// CountRows returns the current row count — test/diagnostic helper.
func (h *AuditHandle) CountRows() (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}
