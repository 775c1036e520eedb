package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultName is the ledger database file kept under the vault's private
// directory, which sync never publishes.
const DefaultName = "ledger.db"

// PrivateDir holds process-local state inside the vault root.
const PrivateDir = ".vaultline"

// Path resolves the ledger path for a vault root. A relative configured
// path is taken relative to root.
func Path(root, configured string) string {
	if configured == "" {
		return filepath.Join(root, PrivateDir, DefaultName)
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(root, configured)
}

// Open opens the SQLite database at path, creating its directory.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Writers are serialized within the process.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
