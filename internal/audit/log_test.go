package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendTimestampsStrictlyIncrease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "local")
	l.Now = fixedClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	a, err := l.Append(ctx, domain.AuditRecord{Action: ActionApprovalDecided, Target: "r1", Approval: "approved"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b, err := l.Append(ctx, domain.AuditRecord{Action: ActionExecuted, Target: "r1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !a.Timestamp.Before(b.Timestamp) {
		t.Fatalf("expected %s before %s", a.Timestamp, b.Timestamp)
	}
	if a.Actor != "local" || a.Result != domain.ResultSuccess || a.ID == "" {
		t.Fatalf("defaults not applied: %+v", a)
	}
}

func TestAppendPartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "cloud")
	day := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	l.Now = fixedClock(day)
	_ = l.Record(context.Background(), ActionTaskClaimed, "t1", domain.ResultSuccess, "", nil)
	l.Now = fixedClock(day.Add(2 * time.Minute))
	_ = l.Record(context.Background(), ActionTaskClaimed, "t2", domain.ResultSuccess, "", nil)

	for _, name := range []string{"2026-05-04.cloud.jsonl", "2026-05-05.cloud.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing partition %s: %v", name, err)
		}
	}
	dates, _ := Dates(dir)
	if len(dates) != 2 || dates[0] != "2026-05-05" {
		t.Fatalf("unexpected dates %v", dates)
	}
}

func TestTailMergesActorsAndDays(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	cloud := New(dir, "cloud")
	local := New(dir, "local")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cloud.Now = fixedClock(base.Add(time.Duration(2*i) * time.Hour))
		local.Now = fixedClock(base.Add(time.Duration(2*i+1) * time.Hour))
		_ = cloud.Record(ctx, ActionTaskClaimed, "c", domain.ResultSuccess, "", nil)
		_ = local.Record(ctx, ActionExecuted, "l", domain.ResultSuccess, "", nil)
	}
	recs, err := Tail(dir, 4)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
			t.Fatalf("records out of order at %d", i)
		}
	}
	if recs[3].Actor != "local" {
		t.Fatalf("expected newest record from local, got %s", recs[3].Actor)
	}
}

func TestTornLineIsSkipped(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "local")
	l.Now = fixedClock(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	_ = l.Record(context.Background(), ActionStarted, "r1", domain.ResultSuccess, "", nil)
	f, _ := os.OpenFile(filepath.Join(dir, "2026-05-04.local.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString(`{"id":"x","timesta`)
	_ = f.Close()
	recs, err := ReadDate(dir, "2026-05-04")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "local")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(context.Background(), ActionTaskClaimed, "t", domain.ResultSuccess, "", nil)
		}()
	}
	wg.Wait()
	recs, err := Tail(dir, 100)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("expected 20 records, got %d", len(recs))
	}
}

func TestScanStopsEarly(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "local")
	l.Now = fixedClock(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		_ = l.Record(context.Background(), ActionTaskClaimed, "t", domain.ResultSuccess, "", nil)
	}
	seen := 0
	_ = Scan(dir, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), func(domain.AuditRecord) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Fatalf("expected scan to stop after 2, got %d", seen)
	}
}
