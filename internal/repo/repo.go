package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vaultline/internal/domain"
)

// Repo reads and writes the ledger database.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const entryColumns = `request_id,task_id,action_kind,amount,currency,COALESCE(partner,''),COALESCE(memo,''),COALESCE(payload,''),approved_by,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var payload string
	err := row.Scan(&e.RequestID, &e.TaskID, &e.ActionKind, &e.Amount, &e.Currency, &e.Partner, &e.Memo, &payload, &e.ApprovedBy, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return e, fmt.Errorf("entry %s payload: %w", e.RequestID, err)
		}
	}
	return e, nil
}

// InsertEntry books e unless an entry for the same request exists. It
// reports whether a row was written.
func (r Repo) InsertEntry(ctx context.Context, e domain.LedgerEntry) (bool, error) {
	var payload any
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return false, err
		}
		payload = string(data)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO ledger_entries(request_id,task_id,action_kind,amount,currency,partner,memo,payload,approved_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(request_id) DO NOTHING`,
		e.RequestID, e.TaskID, e.ActionKind, e.Amount, e.Currency, nullable(e.Partner), nullable(e.Memo), payload, e.ApprovedBy, e.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetEntry(ctx context.Context, requestID string) (domain.LedgerEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE request_id=?`, requestID))
}

// ListEntries returns entries newest first. A cursor pair continues after
// the last entry of a previous page.
func (r Repo) ListEntries(ctx context.Context, limit int, cursorCreatedAt time.Time, cursorID string) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	var args []any
	if !cursorCreatedAt.IsZero() && cursorID != "" {
		query += ` WHERE (created_at < ? OR (created_at = ? AND request_id < ?))`
		args = append(args, cursorCreatedAt.UTC(), cursorCreatedAt.UTC(), cursorID)
	}
	query += ` ORDER BY created_at DESC, request_id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Totals sums booked amounts per currency.
func (r Repo) Totals(ctx context.Context) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT currency, SUM(amount) FROM ledger_entries GROUP BY currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var cur string
		var sum float64
		if err := rows.Scan(&cur, &sum); err != nil {
			return nil, err
		}
		out[cur] = sum
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
