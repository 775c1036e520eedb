package engine

import (
	"context"
	"errors"
	"fmt"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
	"vaultline/internal/store"
)

// ActionFunc performs an approved request's side effect.
type ActionFunc func(ctx context.Context, r domain.ApprovalRequest) error

type ExecStatus string

const (
	ExecSucceeded    ExecStatus = "succeeded"
	ExecFailed       ExecStatus = "failed"
	ExecAlreadyTaken ExecStatus = "already_taken"
)

// ExecResult is the outcome of one execution attempt.
type ExecResult struct {
	Status ExecStatus
	Err    error
}

// Assigned lists approved requests this role is the executor for.
func (e Engine) Assigned(ctx context.Context) ([]domain.ApprovalRequest, error) {
	if !e.Role.Has(auth.PermActionExecute) {
		return nil, nil
	}
	reqs, err := e.ListRequests(ctx, domain.StageApproved)
	if err != nil {
		return nil, err
	}
	var out []domain.ApprovalRequest
	for _, r := range reqs {
		if r.Executor == e.Role.Name {
			out = append(out, r)
		}
	}
	return out, nil
}

// Execute claims an approved request, runs fn and records the outcome. On
// success the request, its task and its plan move to Done. On failure the
// request goes back to Approved for a later attempt.
func (e Engine) Execute(ctx context.Context, requestID string, fn ActionFunc) (ExecResult, error) {
	if err := e.Role.Require(auth.PermActionExecute); err != nil {
		return ExecResult{}, err
	}
	approved := store.At(domain.StageApproved)
	claimed := store.InProgress(e.Role.Name)
	cname := claimName(e.Role.Name, requestID)
	if err := e.move(requestID, approved, docName(requestID), claimed, cname); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExists) {
			e.log().Debug("execution claim lost", "request", requestID)
			return ExecResult{Status: ExecAlreadyTaken}, nil
		}
		return ExecResult{}, err
	}
	r, err := e.readRequest(claimed, cname)
	if err != nil {
		if errors.Is(err, store.ErrMalformed) {
			e.quarantine(ctx, claimed, cname, err)
		}
		return ExecResult{}, err
	}
	if r.Decision != domain.DecisionApproved {
		e.quarantine(ctx, claimed, cname, fmt.Errorf("%w: request in approved stage with decision %q", store.ErrMalformed, r.Decision))
		return ExecResult{}, &TransitionError{ID: requestID, From: domain.StageApproved, To: domain.StageDone, Reason: "decision is " + string(r.Decision)}
	}
	if r.Executor != e.Role.Name {
		e.putBack(requestID, claimed, cname, approved)
		return ExecResult{}, auth.ForbiddenError{Role: e.Role.Name, Permission: "execute " + requestID}
	}

	// The intent is durable before the side effect starts; a crash after
	// this point leaves an orphan that recovery quarantines.
	if _, err := e.Audit.Append(context.WithoutCancel(ctx), domain.AuditRecord{
		Action:   audit.ActionStarted,
		Target:   requestID,
		Approval: string(r.Decision),
		Result:   domain.ResultSuccess,
		Details:  audit.Payload{"action_kind": r.ActionKind, "task": r.TaskID},
	}); err != nil {
		e.putBack(requestID, claimed, cname, approved)
		return ExecResult{}, fmt.Errorf("record start: %w", err)
	}

	if err := fn(ctx, r); err != nil {
		detail := err.Error()
		if detail == "" {
			detail = "action failed"
		}
		e.log().Warn("action failed", "request", requestID, "action_kind", r.ActionKind, "err", err)
		e.record(ctx, audit.ActionExecuted, requestID, domain.ResultFail, detail, audit.Payload{"action_kind": r.ActionKind, "task": r.TaskID})
		e.putBack(requestID, claimed, cname, approved)
		return ExecResult{Status: ExecFailed, Err: err}, nil
	}

	e.record(ctx, audit.ActionExecuted, requestID, domain.ResultSuccess, "", audit.Payload{"action_kind": r.ActionKind, "task": r.TaskID})
	done := store.At(domain.StageDone)
	if err := e.move(requestID, claimed, cname, done, docName(requestID)); err != nil {
		return ExecResult{Status: ExecSucceeded}, err
	}
	planned := store.At(domain.StagePlanned)
	for _, id := range []string{r.TaskID, r.PlanID} {
		if err := e.move(id, planned, docName(id), done, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			return ExecResult{Status: ExecSucceeded}, err
		}
	}
	return ExecResult{Status: ExecSucceeded}, nil
}
