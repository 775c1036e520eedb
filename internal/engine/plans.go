package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
	"vaultline/internal/gate"
	"vaultline/internal/store"
)

// PlanOutcome reports where a planned task ended up.
type PlanOutcome struct {
	Plan       domain.Plan
	Request    *domain.ApprovalRequest
	Evaluation gate.Evaluation
	// Completed is set when the task went straight to Done.
	Completed bool
}

// RecordPlan stores the planner's output for a task this role has claimed
// and routes it through the approval gate. req may be nil, in which case the
// request is derived from the plan.
func (e Engine) RecordPlan(ctx context.Context, taskID string, plan domain.Plan, req *domain.ApprovalRequest) (PlanOutcome, error) {
	if err := e.Role.Require(auth.PermPlanWrite); err != nil {
		return PlanOutcome{}, err
	}
	task, err := e.claimedTask(ctx, taskID)
	if err != nil {
		return PlanOutcome{}, err
	}
	if plan.TaskID != "" && plan.TaskID != task.ID {
		return PlanOutcome{}, fmt.Errorf("plan references task %s, expected %s", plan.TaskID, task.ID)
	}
	plan.Kind = domain.KindPlan
	plan.TaskID = task.ID
	if !strings.HasPrefix(plan.ID, planPrefix+task.ID+"_") {
		plan.ID = newPlanID(task.ID)
	}
	plan.CreatedAt = e.now()
	if err := store.ValidatePlan(plan); err != nil {
		e.record(ctx, audit.ActionPlanFailed, task.ID, domain.ResultFail, err.Error(), nil)
		return PlanOutcome{}, err
	}
	data, err := store.EncodePlan(plan)
	if err != nil {
		return PlanOutcome{}, err
	}
	if err := e.Writer.Create(store.At(domain.StagePlanned), docName(plan.ID), data); err != nil {
		return PlanOutcome{}, err
	}
	e.record(ctx, audit.ActionPlanRecorded, task.ID, domain.ResultSuccess, "", audit.Payload{
		"plan":        plan.ID,
		"action_kind": plan.ActionKind,
		"side_effect": plan.SideEffect,
	})
	return e.advance(ctx, task, plan, req)
}

// ResumePlanned finishes routing a claimed task whose plan was already
// written before the process stopped.
func (e Engine) ResumePlanned(ctx context.Context, taskID string) (PlanOutcome, bool, error) {
	plan, ok, err := e.ActivePlan(ctx, taskID)
	if err != nil || !ok {
		return PlanOutcome{}, false, err
	}
	task, err := e.claimedTask(ctx, taskID)
	if err != nil {
		return PlanOutcome{}, false, err
	}
	out, err := e.advance(ctx, task, plan, nil)
	return out, true, err
}

func (e Engine) advance(ctx context.Context, task domain.Task, plan domain.Plan, req *domain.ApprovalRequest) (PlanOutcome, error) {
	claimed := store.InProgress(e.Role.Name)
	planned := store.At(domain.StagePlanned)
	done := store.At(domain.StageDone)
	eval := e.Gate.Evaluate(plan)
	out := PlanOutcome{Plan: plan, Evaluation: eval}

	if eval.Verdict == gate.AutoApprove && !eval.SideEffect {
		if err := e.move(task.ID, claimed, claimName(e.Role.Name, task.ID), planned, docName(task.ID)); err != nil {
			return out, err
		}
		if err := e.move(task.ID, planned, docName(task.ID), done, ""); err != nil {
			return out, err
		}
		if err := e.move(plan.ID, planned, docName(plan.ID), done, ""); err != nil {
			return out, err
		}
		e.record(ctx, audit.ActionAutoCompleted, task.ID, domain.ResultSuccess, "", audit.Payload{"plan": plan.ID, "reason": eval.Reason})
		out.Completed = true
		return out, nil
	}

	if err := e.Role.Require(auth.PermApprovalRequest); err != nil {
		return out, err
	}
	r, err := e.buildRequest(task, plan, req, eval)
	if err != nil {
		e.record(ctx, audit.ActionPlanFailed, task.ID, domain.ResultFail, err.Error(), audit.Payload{"plan": plan.ID})
		return out, err
	}
	if _, exists := e.Store.Find(docName(r.ID)); !exists {
		data, err := store.EncodeRequest(r)
		if err != nil {
			return out, err
		}
		if err := e.Writer.Create(store.At(domain.StagePendingApproval), docName(r.ID), data); err != nil && !errors.Is(err, store.ErrExists) {
			return out, err
		}
		e.record(ctx, audit.ActionApprovalRequested, r.ID, domain.ResultSuccess, "", audit.Payload{
			"task":        task.ID,
			"plan":        plan.ID,
			"action_kind": r.ActionKind,
			"executor":    r.Executor,
			"policy":      r.Policy,
			"reason":      eval.Reason,
		})
	}
	if err := e.move(task.ID, claimed, claimName(e.Role.Name, task.ID), planned, docName(task.ID)); err != nil {
		return out, err
	}
	r.Stage = domain.StagePendingApproval
	out.Request = &r
	return out, nil
}

func (e Engine) buildRequest(task domain.Task, plan domain.Plan, req *domain.ApprovalRequest, eval gate.Evaluation) (domain.ApprovalRequest, error) {
	var r domain.ApprovalRequest
	if req != nil {
		r = *req
	} else {
		r = domain.ApprovalRequest{Amount: plan.Amount, Payload: plan.Payload, Body: plan.Body}
	}
	if r.ActionKind == "" {
		r.ActionKind = plan.ActionKind
	}
	if plan.ActionKind != "" && r.ActionKind != plan.ActionKind {
		return r, fmt.Errorf("request action kind %s does not match plan action kind %s", r.ActionKind, plan.ActionKind)
	}
	if r.ActionKind == "" {
		return r, errors.New("side-effecting plan has no action kind")
	}
	if r.Amount == 0 {
		r.Amount = plan.Amount
	}
	r.Kind = domain.KindApproval
	r.ID = requestIDFor(plan.ID)
	r.TaskID = task.ID
	r.PlanID = plan.ID
	r.RequestedBy = e.Role.Name
	r.Executor = e.Config.ExecutorFor(r.ActionKind)
	r.Decision = domain.DecisionPending
	r.DecidedBy = ""
	r.DecidedAt = nil
	r.Reason = ""
	r.Policy = ""
	if eval.Verdict == gate.AutoApprove {
		r.Policy = domain.PolicyAuto
	}
	r.CreatedAt = e.now()
	return r, nil
}

// ActivePlan returns the plan currently attached to a task, if any.
func (e Engine) ActivePlan(ctx context.Context, taskID string) (domain.Plan, bool, error) {
	loc := store.At(domain.StagePlanned)
	names, err := e.Store.List(loc)
	if err != nil {
		return domain.Plan{}, false, err
	}
	prefix := planPrefix + taskID + "_"
	var best domain.Plan
	found := false
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		data, err := e.Store.Read(loc, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return domain.Plan{}, false, err
		}
		p, err := store.DecodePlan(data)
		if err != nil {
			e.quarantine(ctx, loc, name, err)
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best, found = p, true
		}
	}
	return best, found, nil
}

func (e Engine) claimedTask(ctx context.Context, taskID string) (domain.Task, error) {
	loc := store.InProgress(e.Role.Name)
	name := claimName(e.Role.Name, taskID)
	task, err := e.readTask(loc, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Task{}, &TransitionError{ID: taskID, From: domain.StageInProgress, To: domain.StagePlanned, Reason: "task is not claimed by " + e.Role.Name}
		}
		if errors.Is(err, store.ErrMalformed) {
			e.quarantine(ctx, loc, name, err)
		}
		return domain.Task{}, err
	}
	return task, nil
}

// PlanFailed records a planning failure. The task stays claimed and is
// retried on a later cycle.
func (e Engine) PlanFailed(ctx context.Context, taskID string, cause error) {
	e.log().Warn("planning failed", "task", taskID, "err", cause)
	e.record(ctx, audit.ActionPlanFailed, taskID, domain.ResultFail, cause.Error(), nil)
}

// Replan reopens a planned task whose request was rejected. The current
// plan is archived and the task is claimed by this role so the next cycle
// produces a fresh plan and request.
func (e Engine) Replan(ctx context.Context, taskID, reason string) error {
	if err := e.Role.Require(auth.PermTaskClaim); err != nil {
		return err
	}
	if err := e.Role.Require(auth.PermPlanWrite); err != nil {
		return err
	}
	planned := store.At(domain.StagePlanned)
	if !e.Store.Exists(planned, docName(taskID)) {
		cur := domain.Stage("unknown")
		if t, err := e.GetTask(ctx, taskID); err == nil {
			cur = t.Stage
		}
		return &TransitionError{ID: taskID, From: cur, To: domain.StageInProgress, Reason: "only planned tasks can be re-planned"}
	}
	if open, err := e.openRequest(taskID); err != nil {
		return err
	} else if open != "" {
		return &TransitionError{ID: taskID, From: domain.StagePlanned, To: domain.StageInProgress, Reason: "request " + open + " is still open"}
	}
	if err := e.move(taskID, planned, docName(taskID), store.InProgress(e.Role.Name), claimName(e.Role.Name, taskID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TransitionError{ID: taskID, From: domain.StagePlanned, To: domain.StageInProgress, Reason: "task moved concurrently"}
		}
		return err
	}
	names, err := e.Store.List(planned)
	if err != nil {
		return err
	}
	var archived []string
	prefix := planPrefix + taskID + "_"
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := e.move(taskID, planned, name, store.At(domain.StageDone), ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		archived = append(archived, strings.TrimSuffix(name, store.Ext))
	}
	e.record(ctx, audit.ActionTaskReplanned, taskID, domain.ResultSuccess, "", audit.Payload{"reason": reason, "superseded": archived})
	return nil
}

// openRequest returns the id of a request for the task that is pending,
// approved or being processed.
func (e Engine) openRequest(taskID string) (string, error) {
	prefix := requestPrefix + taskID + "_"
	locs := []store.Loc{store.At(domain.StagePendingApproval), store.At(domain.StageApproved)}
	roles, err := e.Store.Roles()
	if err != nil {
		return "", err
	}
	for _, r := range roles {
		locs = append(locs, store.InProgress(r))
	}
	for _, loc := range locs {
		names, err := e.Store.List(loc)
		if err != nil {
			return "", err
		}
		for _, name := range names {
			base := name
			if loc.Role != "" {
				id, ok := claimedID(loc.Role, name)
				if !ok {
					continue
				}
				base = id + store.Ext
			}
			if strings.HasPrefix(base, prefix) {
				return strings.TrimSuffix(base, store.Ext), nil
			}
		}
	}
	return "", nil
}
