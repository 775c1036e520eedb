package auth

import (
	"fmt"
	"slices"

	"vaultline/internal/domain"
)

const (
	PermTaskCreate      = "task.create"
	PermTaskClaim       = "task.claim"
	PermPlanWrite       = "plan.write"
	PermApprovalRequest = "approval.request"
	PermApprovalDecide  = "approval.decide"
	PermActionExecute   = "action.execute"
	PermDashboardWrite  = "dashboard.write"
)

// Permissions lists every permission a role may be granted.
func Permissions() []string {
	return []string{
		PermTaskCreate,
		PermTaskClaim,
		PermPlanWrite,
		PermApprovalRequest,
		PermApprovalDecide,
		PermActionExecute,
		PermDashboardWrite,
	}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s: permission %s required", e.Role, e.Permission)
}

// ForbiddenStageError indicates a write outside the role's stages.
type ForbiddenStageError struct {
	Role  string
	Stage domain.Stage
}

func (e ForbiddenStageError) Error() string {
	return fmt.Sprintf("role %s may not write stage %s", e.Role, e.Stage)
}

// Role is an agent identity with a fixed permission set and the stages it
// may write to.
type Role struct {
	Name        string
	Permissions []string
	Writes      []domain.Stage
	Sources     []domain.Stage
}

func (r Role) Has(perm string) bool {
	return slices.Contains(r.Permissions, perm)
}

func (r Role) Require(perm string) error {
	if !r.Has(perm) {
		return ForbiddenError{Role: r.Name, Permission: perm}
	}
	return nil
}

// CheckWrite satisfies store.Guard.
func (r Role) CheckWrite(stage domain.Stage) error {
	if !slices.Contains(r.Writes, stage) {
		return ForbiddenStageError{Role: r.Name, Stage: stage}
	}
	return nil
}

// HighTrust reports whether the role may decide approval requests.
func (r Role) HighTrust() bool {
	return r.Has(PermApprovalDecide)
}
