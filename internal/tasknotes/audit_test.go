package tasknotes

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func waitForRowCount(t *testing.T, h *AuditHandle, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := h.CountRows()
		if err != nil {
			t.Fatalf("CountRows: %v", err)
		}
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := h.CountRows()
	t.Fatalf("timed out waiting for %d rows, have %d", want, n)
}

func TestAuditHandle_RecordPersistsAndPrunes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	h, err := OpenAuditHandle(dbPath, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenAuditHandle: %v", err)
	}
	defer h.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		h.Record(AuditEntry{
			TaskID:     uuid.New(),
			ClientAddr: "1.2.3.4:1",
			ServerAddr: "10.0.0.1:443",
			FinalStage: Finished,
			OpenedAt:   now,
			ClosedAt:   now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	waitForRowCount(t, h, 2) // pruned down to maxRows=2
}

func TestAuditHandle_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	h, err := OpenAuditHandle(dbPath, 100, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenAuditHandle: %v", err)
	}

	entry := AuditEntry{
		TaskID:     uuid.New(),
		ClientAddr: "c",
		ServerAddr: "s",
		FinalStage: Finished,
		OpenedAt:   time.Now(),
		ClosedAt:   time.Now(),
	}
	h.Record(entry)
	waitForRowCount(t, h, 1)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := OpenAuditHandle(dbPath, 100, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	n, err := h2.CountRows()
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the row to survive reopen, got %d rows", n)
	}
}

func TestAuditHandle_DropsEntriesWhenQueueSaturated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	h, err := OpenAuditHandle(dbPath, 1000, time.Hour) // flush never fires during the burst
	if err != nil {
		t.Fatalf("OpenAuditHandle: %v", err)
	}
	defer h.Close()

	for i := 0; i < 2000; i++ {
		h.Record(AuditEntry{TaskID: uuid.New(), FinalStage: Finished, OpenedAt: time.Now(), ClosedAt: time.Now()})
	}

	if h.DroppedCount() == 0 {
		t.Fatal("expected some entries to be dropped once the queue saturated")
	}
}

func TestEntryFromTaskNotes_PopulatesFields(t *testing.T) {
	n := New("1.2.3.4:1", "10.0.0.1:443")
	n.SetUserCtx(UserCtx{User: "alice"})
	n.SetUpstream("example.com:443")
	n.SetStage(Finished)

	e := EntryFromTaskNotes(n, 100, 200)
	if e.TaskID != n.TaskID {
		t.Fatal("expected matching task ID")
	}
	if e.Username != "alice" {
		t.Fatalf("got username %q", e.Username)
	}
	if e.Upstream != "example.com:443" {
		t.Fatalf("got upstream %q", e.Upstream)
	}
	if e.FinalStage != Finished {
		t.Fatalf("got final stage %v", e.FinalStage)
	}
	if e.IngressBytes != 100 || e.EgressBytes != 200 {
		t.Fatalf("got ingress=%d egress=%d", e.IngressBytes, e.EgressBytes)
	}
}
