// Package dashboard derives status snapshots from the vault and publishes
// them for humans and other processes. Nothing here is read back by the
// lifecycle engine.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Build derives a snapshot from the store and the audit log.
func Build(st *store.Store, auditDir, role string, recent int, now time.Time) (domain.Snapshot, error) {
	snap := domain.Snapshot{
		GeneratedAt: now.UTC(),
		Role:        role,
		Counts:      map[domain.Stage]int{},
		InProgress:  map[string]int{},
	}
	for _, stage := range domain.Stages() {
		if stage == domain.StageInProgress {
			roles, err := st.Roles()
			if err != nil {
				return snap, err
			}
			for _, r := range roles {
				names, err := st.List(store.InProgress(r))
				if err != nil {
					return snap, err
				}
				snap.InProgress[r] = len(names)
				snap.Counts[stage] += len(names)
			}
			continue
		}
		names, err := st.List(store.At(stage))
		if err != nil {
			return snap, err
		}
		snap.Counts[stage] = len(names)
		if stage != domain.StagePendingApproval {
			continue
		}
		for _, name := range names {
			data, err := st.Read(store.At(stage), name)
			if err != nil {
				continue
			}
			r, err := store.DecodeRequest(data)
			if err != nil {
				continue
			}
			r.Stage = stage
			snap.Pending = append(snap.Pending, r)
		}
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].CreatedAt.Before(snap.Pending[j].CreatedAt) })
	if recent > 0 && auditDir != "" {
		recs, err := audit.Tail(auditDir, recent)
		if err != nil {
			return snap, err
		}
		snap.Recent = recs
	}
	return snap, nil
}

// Render formats a snapshot as a markdown document.
func Render(s domain.Snapshot) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "---\nkind: dashboard\nrole: %s\ngenerated_at: %s\n---\n\n", s.Role, s.GeneratedAt.Format(time.RFC3339))
	b.WriteString("# Vault status\n\n## Stages\n\n")

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Stage", "Documents"})
	for _, st := range domain.Stages() {
		tw.AppendRow(table.Row{st.Dir(), s.Counts[st]})
	}
	b.WriteString(tw.RenderMarkdown())
	b.WriteString("\n\n## In progress\n\n")

	if len(s.InProgress) == 0 {
		b.WriteString("_none_\n")
	} else {
		roles := make([]string, 0, len(s.InProgress))
		for r := range s.InProgress {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		tw = table.NewWriter()
		tw.AppendHeader(table.Row{"Role", "Claimed"})
		for _, r := range roles {
			tw.AppendRow(table.Row{r, s.InProgress[r]})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n")
	}

	b.WriteString("\n## Pending approvals\n\n")
	if len(s.Pending) == 0 {
		b.WriteString("_none_\n")
	} else {
		tw = table.NewWriter()
		tw.AppendHeader(table.Row{"Request", "Task", "Action", "Amount", "Requested by", "Policy"})
		for _, r := range s.Pending {
			amount := ""
			if r.Amount != 0 {
				amount = fmt.Sprintf("%.2f", r.Amount)
			}
			tw.AppendRow(table.Row{r.ID, r.TaskID, r.ActionKind, amount, r.RequestedBy, r.Policy})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n")
	}

	b.WriteString("\n## Recent activity\n\n")
	if len(s.Recent) == 0 {
		b.WriteString("_none_\n")
	} else {
		tw = table.NewWriter()
		tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Target", "Result"})
		for _, rec := range s.Recent {
			tw.AppendRow(table.Row{rec.Timestamp.Format(time.RFC3339), rec.Actor, rec.Action, rec.Target, rec.Result})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Sink receives every published snapshot.
type Sink interface {
	Publish(ctx context.Context, s domain.Snapshot) error
}

// Publisher writes Signals/<role>.md each cycle and, when Dashboard is
// set, the shared Dashboard.md.
type Publisher struct {
	Store     *store.Store
	AuditDir  string
	Role      string
	Recent    int
	Dashboard bool
	Sinks     []Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Publish derives and writes the snapshot. Sink failures are logged and do
// not fail the cycle.
func (p *Publisher) Publish(ctx context.Context) (domain.Snapshot, error) {
	snap, err := Build(p.Store, p.AuditDir, p.Role, p.Recent, p.now())
	if err != nil {
		return snap, err
	}
	doc := Render(snap)
	var errs []error
	if err := p.Store.WriteFile(path.Join(store.SignalsDir, p.Role+store.Ext), doc); err != nil {
		errs = append(errs, fmt.Errorf("write signal: %w", err))
	}
	if p.Dashboard {
		if err := p.Store.WriteFile(store.DashboardDoc, doc); err != nil {
			errs = append(errs, fmt.Errorf("write dashboard: %w", err))
		}
	}
	for _, s := range p.Sinks {
		if err := s.Publish(ctx, snap); err != nil && p.Logger != nil {
			p.Logger.Warn("snapshot sink failed", "err", err)
		}
	}
	return snap, errors.Join(errs...)
}
