package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestInsertEntryIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	e := domain.LedgerEntry{
		RequestID:  "APPROVAL_odoo_1_aa",
		TaskID:     "odoo_1",
		ActionKind: "create-ledger-entry",
		Amount:     750,
		Currency:   "USD",
		Partner:    "Acme",
		Payload:    map[string]any{"invoice": "INV-7"},
		ApprovedBy: "local",
		CreatedAt:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	inserted, err := r.InsertEntry(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("first insert inserted=%v err=%v", inserted, err)
	}
	e.Amount = 9999
	inserted, err = r.InsertEntry(ctx, e)
	if err != nil || inserted {
		t.Fatalf("second insert inserted=%v err=%v", inserted, err)
	}
	got, err := r.GetEntry(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 750 || got.Partner != "Acme" || got.Payload["invoice"] != "INV-7" {
		t.Fatalf("unexpected entry %+v", got)
	}
	totals, err := r.Totals(ctx)
	if err != nil || totals["USD"] != 750 {
		t.Fatalf("totals=%v err=%v", totals, err)
	}
}

func TestListEntriesPages(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if _, err := r.InsertEntry(ctx, domain.LedgerEntry{RequestID: id, TaskID: "t", ActionKind: "record-payment", ApprovedBy: "local", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	page, err := r.ListEntries(ctx, 2, time.Time{}, "")
	if err != nil || len(page) != 2 || page[0].RequestID != "c" {
		t.Fatalf("first page %+v err=%v", page, err)
	}
	last := page[len(page)-1]
	rest, err := r.ListEntries(ctx, 2, last.CreatedAt, last.RequestID)
	if err != nil || len(rest) != 1 || rest[0].RequestID != "a" {
		t.Fatalf("second page %+v err=%v", rest, err)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetEntry(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
