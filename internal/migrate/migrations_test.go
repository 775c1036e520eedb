package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"vaultline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	v1, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("expected version >= 1, got %d", v1)
	}
	v2, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("version moved from %d to %d", v1, v2)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		t.Fatalf("ledger table missing: %v", err)
	}
}
