package engine

import (
	"context"
	"errors"
	"fmt"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

type OrphanKind string

const (
	OrphanTask      OrphanKind = "task"
	OrphanDecision  OrphanKind = "decision"
	OrphanExecution OrphanKind = "execution"
	OrphanUnknown   OrphanKind = "unreadable"
)

// Orphan is a document left in a role's In_Progress namespace.
type Orphan struct {
	Role string
	Name string
	ID   string
	Kind OrphanKind
	// Request is set for decision and execution orphans.
	Request *domain.ApprovalRequest
}

// Orphans lists what a role currently holds. For a live role these are
// simply in-flight items.
func (e Engine) Orphans(ctx context.Context, role string) ([]Orphan, error) {
	loc := store.InProgress(role)
	names, err := e.Store.List(loc)
	if err != nil {
		return nil, err
	}
	var out []Orphan
	for _, name := range names {
		id, ok := claimedID(role, name)
		if !ok {
			out = append(out, Orphan{Role: role, Name: name, Kind: OrphanUnknown})
			continue
		}
		o := Orphan{Role: role, Name: name, ID: id, Kind: OrphanTask}
		if isRequestName(id) {
			r, err := e.readRequest(loc, name)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				o.Kind = OrphanUnknown
				out = append(out, o)
				continue
			}
			o.Request = &r
			o.Kind = OrphanDecision
			if r.Decision == domain.DecisionApproved && r.Executor == role {
				o.Kind = OrphanExecution
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// RecoverOptions controls what Recover may do.
type RecoverOptions struct {
	// ReleaseTasks returns claimed tasks to Needs_Action. Only an operator
	// should set this, and only for a role that is not running.
	ReleaseTasks bool
}

// RecoverReport summarizes a recovery pass.
type RecoverReport struct {
	Released    []string
	Restored    []string
	Completed   []string
	Quarantined []string
	Kept        []string
}

// Recover resolves a role's orphaned claims. Request claims are resolved
// from audit evidence; an execution whose outcome cannot be established is
// quarantined, never re-run.
func (e Engine) Recover(ctx context.Context, role string, opts RecoverOptions) (RecoverReport, error) {
	var rep RecoverReport
	orphans, err := e.Orphans(ctx, role)
	if err != nil {
		return rep, err
	}
	loc := store.InProgress(role)
	for _, o := range orphans {
		switch o.Kind {
		case OrphanUnknown:
			e.quarantine(ctx, loc, o.Name, fmt.Errorf("%w: unreadable claim", store.ErrMalformed))
			rep.Quarantined = append(rep.Quarantined, o.Name)
		case OrphanTask:
			if !opts.ReleaseTasks {
				e.record(ctx, audit.ActionClaimOrphaned, o.ID, domain.ResultSkipped, "", audit.Payload{"role": role})
				rep.Kept = append(rep.Kept, o.ID)
				continue
			}
			if err := e.move(o.ID, loc, o.Name, store.At(domain.StageNeedsAction), docName(o.ID)); err != nil {
				return rep, err
			}
			e.record(ctx, audit.ActionClaimReleased, o.ID, domain.ResultSuccess, "", audit.Payload{"role": role})
			rep.Released = append(rep.Released, o.ID)
		case OrphanDecision:
			if err := e.recoverDecision(ctx, loc, o); err != nil {
				return rep, err
			}
			rep.Restored = append(rep.Restored, o.ID)
		case OrphanExecution:
			kind, err := e.recoverExecution(ctx, loc, o, role == e.Role.Name)
			if err != nil {
				return rep, err
			}
			switch kind {
			case ExecSucceeded:
				rep.Completed = append(rep.Completed, o.ID)
			case ExecFailed:
				rep.Quarantined = append(rep.Quarantined, o.ID)
			default:
				rep.Restored = append(rep.Restored, o.ID)
			}
		}
	}
	return rep, nil
}

func (e Engine) recoverDecision(ctx context.Context, loc store.Loc, o Orphan) error {
	r := o.Request
	switch r.Decision {
	case domain.DecisionPending:
		return e.move(o.ID, loc, o.Name, store.At(domain.StagePendingApproval), docName(o.ID))
	case domain.DecisionRejected, domain.DecisionApproved:
		ev, err := e.evidence(o.ID, *r)
		if err != nil {
			return err
		}
		if !ev.decided {
			if _, err := e.Audit.Append(context.WithoutCancel(ctx), domain.AuditRecord{
				Action:   audit.ActionApprovalDecided,
				Target:   o.ID,
				Actor:    r.DecidedBy,
				Approval: string(r.Decision),
				Result:   domain.ResultSuccess,
				Details:  audit.Payload{"task": r.TaskID, "reason": r.Reason, "recovered": true},
			}); err != nil {
				return err
			}
		}
		target := domain.StageApproved
		if r.Decision == domain.DecisionRejected {
			target = domain.StageRejected
		}
		return e.move(o.ID, loc, o.Name, store.At(target), docName(o.ID))
	}
	return nil
}

// recoverExecution returns ExecSucceeded when the request was completed,
// ExecFailed when it was quarantined and ExecAlreadyTaken when it was put
// back in Approved.
func (e Engine) recoverExecution(ctx context.Context, loc store.Loc, o Orphan, haveLogs bool) (ExecStatus, error) {
	r := *o.Request
	ev, err := e.evidence(o.ID, r)
	if err != nil {
		return "", err
	}
	switch {
	case ev.succeeded:
		done := store.At(domain.StageDone)
		if err := e.move(o.ID, loc, o.Name, done, docName(o.ID)); err != nil {
			return "", err
		}
		for _, id := range []string{r.TaskID, r.PlanID} {
			if err := e.move(id, store.At(domain.StagePlanned), docName(id), done, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", err
			}
		}
		return ExecSucceeded, nil
	case ev.started && !ev.finished, !haveLogs:
		e.record(ctx, audit.ActionOutcomeUnknown, o.ID, domain.ResultFail, "execution outcome unknown; inspect before re-approving", audit.Payload{"task": r.TaskID})
		e.quarantine(ctx, loc, o.Name, errors.New("execution outcome unknown"))
		return ExecFailed, nil
	default:
		return ExecAlreadyTaken, e.recoverDecision(ctx, loc, o)
	}
}

type auditEvidence struct {
	decided   bool
	started   bool
	finished  bool
	succeeded bool
}

// evidence reads the audit trail for one request. The latest start resets
// the outcome so a failed attempt followed by a crashed retry is detected.
func (e Engine) evidence(id string, r domain.ApprovalRequest) (auditEvidence, error) {
	var ev auditEvidence
	if e.Audit == nil {
		return ev, nil
	}
	err := audit.Scan(e.Audit.Dir, r.CreatedAt, func(rec domain.AuditRecord) bool {
		if rec.Target != id {
			return true
		}
		switch rec.Action {
		case audit.ActionApprovalDecided:
			ev.decided = true
		case audit.ActionStarted:
			ev.started, ev.finished, ev.succeeded = true, false, false
		case audit.ActionExecuted:
			ev.finished = true
			ev.succeeded = rec.Result == domain.ResultSuccess
		}
		return true
	})
	return ev, err
}
