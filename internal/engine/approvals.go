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

// AutoDecisionReason is recorded on requests approved by policy.
const AutoDecisionReason = "auto-approved by policy"

// ListRequests returns the approval requests in a stage.
func (e Engine) ListRequests(ctx context.Context, stage domain.Stage) ([]domain.ApprovalRequest, error) {
	loc := store.At(stage)
	names, err := e.Store.List(loc)
	if err != nil {
		return nil, err
	}
	var out []domain.ApprovalRequest
	for _, name := range names {
		if !isRequestName(name) {
			continue
		}
		r, err := e.readRequest(loc, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRequest finds a request by id in any stage.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	for _, st := range []domain.Stage{domain.StagePendingApproval, domain.StageApproved, domain.StageRejected, domain.StageDone} {
		r, err := e.readRequest(store.At(st), docName(id))
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.ApprovalRequest{}, err
		}
	}
	roles, err := e.Store.Roles()
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	for _, role := range roles {
		r, err := e.readRequest(store.InProgress(role), claimName(role, id))
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.ApprovalRequest{}, err
		}
	}
	return domain.ApprovalRequest{}, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
}

func (e Engine) readRequest(loc store.Loc, name string) (domain.ApprovalRequest, error) {
	data, err := e.Store.Read(loc, name)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	r, err := store.DecodeRequest(data)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("%s/%s: %w", loc, name, err)
	}
	r.Stage = loc.Stage
	return r, nil
}

// Decide applies an approval decision to a pending request. Only roles
// holding approval.decide may call it, and a request is decided once:
// any later call returns ErrInvalidState.
func (e Engine) Decide(ctx context.Context, requestID string, decision domain.Decision, reason, actor string) (domain.ApprovalRequest, error) {
	if err := e.Role.Require(auth.PermApprovalDecide); err != nil {
		return domain.ApprovalRequest{}, err
	}
	var target domain.Stage
	switch decision {
	case domain.DecisionApproved:
		target = domain.StageApproved
	case domain.DecisionRejected:
		target = domain.StageRejected
		if strings.TrimSpace(reason) == "" {
			return domain.ApprovalRequest{}, errors.New("rejection reason is required")
		}
	default:
		return domain.ApprovalRequest{}, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	if actor == "" {
		actor = e.Role.Name
	}

	pending := store.At(domain.StagePendingApproval)
	claimed := store.InProgress(e.Role.Name)
	cname := claimName(e.Role.Name, requestID)
	if err := e.move(requestID, pending, docName(requestID), claimed, cname); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExists) {
			return domain.ApprovalRequest{}, e.notPending(requestID, target)
		}
		return domain.ApprovalRequest{}, err
	}
	r, err := e.readRequest(claimed, cname)
	if err != nil {
		if errors.Is(err, store.ErrMalformed) {
			e.quarantine(ctx, claimed, cname, err)
		}
		return domain.ApprovalRequest{}, err
	}
	if r.Decision != domain.DecisionPending {
		e.putBack(requestID, claimed, cname, pending)
		return domain.ApprovalRequest{}, &TransitionError{ID: requestID, From: domain.StagePendingApproval, To: target, Reason: "already " + string(r.Decision)}
	}

	at := e.now()
	r.Decision = decision
	r.DecidedBy = actor
	r.DecidedAt = &at
	r.Reason = reason
	data, err := store.EncodeRequest(r)
	if err != nil {
		e.putBack(requestID, claimed, cname, pending)
		return domain.ApprovalRequest{}, err
	}
	if err := e.Writer.Write(claimed, cname, data); err != nil {
		e.putBack(requestID, claimed, cname, pending)
		return domain.ApprovalRequest{}, err
	}
	// The decision is on record before the request becomes visible in its
	// new stage, so it always precedes any execution record.
	if _, err := e.Audit.Append(context.WithoutCancel(ctx), domain.AuditRecord{
		Action:   audit.ActionApprovalDecided,
		Target:   requestID,
		Actor:    actor,
		Approval: string(decision),
		Result:   domain.ResultSuccess,
		Details:  audit.Payload{"task": r.TaskID, "reason": reason, "role": e.Role.Name},
	}); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("record decision: %w", err)
	}
	if err := e.move(requestID, claimed, cname, store.At(target), docName(requestID)); err != nil {
		return domain.ApprovalRequest{}, err
	}
	r.Stage = target
	return r, nil
}

func (e Engine) notPending(requestID string, target domain.Stage) error {
	loc, ok := e.Store.Find(docName(requestID))
	if ok && loc.Role != "" {
		return &TransitionError{ID: requestID, From: domain.StageInProgress, To: target, Reason: "request is held by " + loc.Role}
	}
	if ok {
		return &TransitionError{ID: requestID, From: loc.Stage, To: target, Reason: "request is not pending"}
	}
	return fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
}

// putBack returns a claimed document to the stage it came from.
func (e Engine) putBack(id string, claimed store.Loc, cname string, to store.Loc) {
	if err := e.move(id, claimed, cname, to, docName(id)); err != nil {
		e.log().Error("release claim failed", "id", id, "to", to.String(), "err", err)
	}
}

// AutoDecide approves pending requests the gate allows without sign-off.
// Returns the ids it approved.
func (e Engine) AutoDecide(ctx context.Context) ([]string, error) {
	if !e.Role.Has(auth.PermApprovalDecide) {
		return nil, nil
	}
	reqs, err := e.ListRequests(ctx, domain.StagePendingApproval)
	if err != nil {
		return nil, err
	}
	var approved []string
	for _, r := range reqs {
		if r.Policy != domain.PolicyAuto {
			continue
		}
		// Policy may have tightened since the request was drafted.
		if e.Gate.EvaluateRequest(r).Verdict != gate.AutoApprove {
			continue
		}
		if _, err := e.Decide(ctx, r.ID, domain.DecisionApproved, AutoDecisionReason, e.Role.Name); err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return approved, err
		}
		approved = append(approved, r.ID)
	}
	return approved, nil
}
