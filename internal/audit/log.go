package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/domain"
)

const (
	ActionTaskCreated        = "task.created"
	ActionTaskClaimed        = "task.claimed"
	ActionTaskReplanned      = "task.replanned"
	ActionPlanRecorded       = "plan.recorded"
	ActionPlanFailed         = "plan.failed"
	ActionAutoCompleted      = "task.auto_completed"
	ActionApprovalRequested  = "approval.requested"
	ActionApprovalDecided    = "approval.decided"
	ActionStarted            = "action.started"
	ActionExecuted           = "action.executed"
	ActionOutcomeUnknown     = "action.outcome_unknown"
	ActionQuarantined        = "document.quarantined"
	ActionClaimOrphaned      = "claim.orphaned"
	ActionClaimReleased      = "claim.released"
	ActionSyncCompleted      = "sync.completed"
	ActionSyncConflict       = "sync.conflict"
	ActionScheduledGenerated = "schedule.generated"
)

const dateLayout = "2006-01-02"

// Payload carries free-form record details.
type Payload map[string]any

// Log appends audit records to Logs/<date>.<actor>.jsonl. Each process owns
// its own partition so appends only serialize within the process.
type Log struct {
	Dir   string
	Actor string
	Now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

func New(dir, actor string) *Log {
	return &Log{Dir: dir, Actor: actor, Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Append durably records rec. The record is fsync'd before Append returns,
// and timestamps are strictly increasing within one Log.
func (l *Log) Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	if rec.Action == "" {
		return rec, errors.New("audit action required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	rec.Timestamp = ts
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Actor == "" {
		rec.Actor = l.Actor
	}
	if rec.Result == "" {
		rec.Result = domain.ResultSuccess
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return rec, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.partition(ts), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rec, fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return rec, fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rec, fmt.Errorf("sync audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return rec, err
	}
	l.last = ts
	return rec, nil
}

// Record is shorthand for Append with the common fields.
func (l *Log) Record(ctx context.Context, action, target string, result domain.Result, errDetail string, details Payload) error {
	_, err := l.Append(ctx, domain.AuditRecord{
		Action:  action,
		Target:  target,
		Result:  result,
		Error:   errDetail,
		Details: details,
	})
	return err
}

func (l *Log) partition(ts time.Time) string {
	return filepath.Join(l.Dir, ts.Format(dateLayout)+"."+l.Actor+".jsonl")
}

// Dates returns the partition dates present in dir, newest first.
func Dates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || len(name) < len(dateLayout) {
			continue
		}
		d := name[:len(dateLayout)]
		if _, err := time.Parse(dateLayout, d); err != nil {
			continue
		}
		if !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// ReadDate returns every record of one day across all actors, oldest first.
// A torn trailing line from a crashed writer is skipped.
func ReadDate(dir, date string) ([]domain.AuditRecord, error) {
	matches, err := filepath.Glob(filepath.Join(dir, date+".*.jsonl"))
	if err != nil {
		return nil, err
	}
	var out []domain.AuditRecord
	for _, path := range matches {
		recs, err := readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func readFile(path string) ([]domain.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []domain.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Tail returns the last n records across partitions, oldest first.
func Tail(dir string, n int) ([]domain.AuditRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	dates, err := Dates(dir)
	if err != nil {
		return nil, err
	}
	var out []domain.AuditRecord
	for _, d := range dates {
		recs, err := ReadDate(dir, d)
		if err != nil {
			return nil, err
		}
		out = append(recs, out...)
		if len(out) >= n {
			break
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Scan visits records from partitions on or after since, oldest day first.
// Returning false from fn stops the scan.
func Scan(dir string, since time.Time, fn func(domain.AuditRecord) bool) error {
	dates, err := Dates(dir)
	if err != nil {
		return err
	}
	cutoff := since.UTC().Format(dateLayout)
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i] < cutoff {
			continue
		}
		recs, err := ReadDate(dir, dates[i])
		if err != nil {
			return err
		}
		for _, r := range recs {
			if !fn(r) {
				return nil
			}
		}
	}
	return nil
}
