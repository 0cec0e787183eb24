package agent

import (
	"context"
	"os"
	"testing"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/rs/zerolog"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := NewOutbox(t.TempDir(), zerolog.New(os.Stderr).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("create outbox: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestOutbox(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	first := protocol.JobComplete{HistoryID: "h-1", JobID: "j-1", Success: true, StorageKey: "j-1/a.sql.zst", FileSize: 42}
	second := protocol.JobComplete{HistoryID: "h-2", JobID: "j-2", Error: "dump database: exit status 1"}

	if err := o.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := o.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	count, err := o.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}
	if pending[0].HistoryID != "h-1" || pending[1].HistoryID != "h-2" {
		t.Errorf("pending order = %s, %s; want h-1, h-2", pending[0].HistoryID, pending[1].HistoryID)
	}
	if pending[0].Report != first {
		t.Errorf("report = %+v, want %+v", pending[0].Report, first)
	}

	if err := o.MarkAttempt(ctx, "h-1"); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	if err := o.Remove(ctx, "h-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := o.Remove(ctx, "missing"); err != nil {
		t.Errorf("remove unknown id: %v", err)
	}

	pending, err = o.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestOutbox_EnqueueReplacesReportForSameRun(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, protocol.JobComplete{HistoryID: "h-1", Error: "first"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.Enqueue(ctx, protocol.JobComplete{HistoryID: "h-1", Success: true}); err != nil {
		t.Fatalf("enqueue again: %v", err)
	}

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	if !pending[0].Report.Success {
		t.Errorf("report = %+v, want the later successful report", pending[0].Report)
	}
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	o, err := NewOutbox(dir, logger)
	if err != nil {
		t.Fatalf("create outbox: %v", err)
	}
	if err := o.Enqueue(ctx, protocol.JobComplete{HistoryID: "h-1", Success: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	o.Close()

	reopened, err := NewOutbox(dir, logger)
	if err != nil {
		t.Fatalf("reopen outbox: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after reopen = %d, want 1", count)
	}
}
